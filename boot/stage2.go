package boot

import (
	"bytes"
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wahdoc/wah/kernel"
	"github.com/wahdoc/wah/rootfs"
	"github.com/wahdoc/wah/wasiconf"
	"github.com/wahdoc/wah/wasm"
)

// InitContext is what the init module receives at the end of stage 2: the
// full configuration plus the kernel port and the fallback shell.
type InitContext struct {
	Config   *wasiconf.Config
	Kernel   *kernel.Kernel
	Root     *rootfs.Root
	Fallback Fallback
}

// InitModule is a loaded module the registry can run at end of boot.
type InitModule interface {
	RunInit(ctx context.Context, init InitContext) error
}

// stage2 materialises the root filesystem, evaluates the config program,
// builds the runtime shim, runs the inner init entry, and finally imports
// the init module. Failures past the config evaluation fall back to the
// rescue shell with the state reached.
func (h *Host) stage2(ctx context.Context, bootWasm []byte, module *wasm.Module, entries []FileEntry) error {
	if _, err := h.registry().Load(ctx, BootModulePath, bootWasm); err != nil {
		return err
	}

	root := rootfs.NewRoot()
	for i := range entries {
		if _, err := root.Put(entries[i].Name(), entries[i].Data); err != nil {
			return errors.Wrapf(err, "materialising %s", entries[i].Name())
		}
	}

	// The config section is validated before any user code runs.
	section, err := module.CustomUnique(wasm.SectionWASIConfig)
	if err != nil {
		var dup wasm.DuplicateSectionError
		if errors.As(err, &dup) {
			return ErrDuplicateConfig
		}
		return err
	}
	var program []byte
	if section != nil {
		program = section.Data
	}

	cfg := wasiconf.NewConfig()
	cfg.UnsafeExec = h.UnsafeExec
	cfg.Module = module

	// The sandbox and the host page: two cooperative executors joined by the
	// ordered message port.
	kernelPort, firmwarePort := kernel.NewBridge(64)
	defer kernelPort.Close()

	var fwOpts []kernel.FirmwareOption
	fwOpts = append(fwOpts, kernel.WithHandlers(h.Handlers), kernel.WithFirmwareLogger(h.log()))
	firmware := kernel.NewFirmware(firmwarePort, h.Display, fwOpts...)
	go firmware.Run(ctx)

	k := kernel.NewKernel(kernelPort, root,
		kernel.WithSpawner(NewSpawner(root, cfg, h.log())),
		kernel.WithKernelLogger(h.log()))
	go k.Run(ctx)

	_ = k.PublishRunLevel(ctx, kernel.RunLevel{Boot: level(1)})

	if _, err := wasiconf.Eval(program, wasiconf.Env{
		Config: cfg,
		Root:   root,
		Module: module,
		Log:    h.log(),
	}); err != nil {
		// The partial operand table travels with the error; the fallback
		// path gets the state the program reached.
		k.ReportError(ctx, err)
		h.fallback(ctx, cfg, root, err)
		return err
	}

	h.applyConfigDefaults(cfg, root)
	_ = k.PublishRunLevel(ctx, kernel.RunLevel{Filesystem: level(1), CreateProc: level(1)})

	// The inner init entry signals end of boot.
	initRef, err := root.File(BootInitPath)
	if err != nil {
		wrapped := errors.Wrap(ErrNoBootExecutable, BootInitPath)
		k.ReportError(ctx, wrapped)
		h.fallback(ctx, cfg, root, wrapped)
		return wrapped
	}
	initBody, err := initRef.Data()
	if err != nil {
		return err
	}

	status, err := runWASI(ctx, initBody, runConfigFrom(cfg), h.log())
	if err != nil {
		crash := &kernel.UserProgramCrash{Err: err}
		k.ReportError(ctx, crash)
		h.fallback(ctx, cfg, root, crash)
		return crash
	}
	h.log().Info("boot init settled", zap.Int("status", status))

	// Finally the init module, imported from the filesystem.
	initModRef, err := root.File(InitModulePath)
	if err != nil {
		k.ReportError(ctx, ErrNoInitModule)
		h.fallback(ctx, cfg, root, ErrNoInitModule)
		return ErrNoInitModule
	}
	initModBody, err := initModRef.Data()
	if err != nil {
		return err
	}
	loaded, err := h.registry().Load(ctx, InitModulePath, initModBody)
	if err != nil {
		k.ReportError(ctx, err)
		h.fallback(ctx, cfg, root, err)
		return err
	}

	// The optional display override rides along for the init module to use.
	if ref, err := root.File(DisplayPath); err == nil {
		if body, err := ref.Data(); err == nil {
			if _, err := h.registry().Load(ctx, DisplayPath, body); err != nil {
				h.log().Warn("display override failed to load", zap.Error(err))
			}
		}
	}

	if runner, ok := loaded.(InitModule); ok {
		if err := runner.RunInit(ctx, InitContext{
			Config:   cfg,
			Kernel:   k,
			Root:     root,
			Fallback: h.fallbackFunc(),
		}); err != nil {
			crash := &kernel.UserProgramCrash{Err: err}
			k.ReportError(ctx, crash)
			h.fallback(ctx, cfg, root, crash)
			return crash
		}
	}

	return nil
}

func (h *Host) fallbackFunc() Fallback {
	return func(ctx context.Context, cfg *wasiconf.Config, root *rootfs.Root, cause error) {
		h.fallback(ctx, cfg, root, cause)
	}
}

func level(v int) *int { return &v }

// applyConfigDefaults fills the configuration slots the program left unset
// from the filesystem conventions: stdio from proc/0/fd, argv and environ
// from their NUL-separated files, and the root preopen.
func (h *Host) applyConfigDefaults(cfg *wasiconf.Config, root *rootfs.Root) {
	for len(cfg.FDs) < 4 {
		cfg.FDs = append(cfg.FDs, nil)
	}

	stdio := [3]string{"proc/0/fd/0", "proc/0/fd/1", "proc/0/fd/2"}
	for fd, path := range stdio {
		if cfg.FDs[fd] != nil {
			continue
		}
		open, err := root.OpenPath(path)
		if err != nil {
			ref, perr := root.Put(path, nil)
			if perr != nil {
				continue
			}
			open, err = root.Open(ref)
			if err != nil {
				continue
			}
		}
		cfg.FDs[fd] = open
	}

	if cfg.FDs[3] == nil {
		cfg.FDs[3] = rootfs.NewPreopen("/", root.Dir())
	}

	if len(cfg.Args) == 0 {
		cfg.Args = nulSeparated(root, CmdlinePath)
	}
	if len(cfg.Env) == 0 {
		cfg.Env = nulSeparated(root, EnvironPath)
	}
}

func nulSeparated(root *rootfs.Root, path string) []string {
	ref, err := root.File(path)
	if err != nil {
		return nil
	}
	data, err := ref.Data()
	if err != nil {
		return nil
	}
	var out []string
	for _, part := range bytes.Split(data, []byte{0}) {
		if s := strings.TrimSpace(string(part)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// runConfigFrom projects the configuration's stdio and preopen slots into a
// runner invocation.
func runConfigFrom(cfg *wasiconf.Config) runConfig {
	rc := runConfig{args: cfg.Args, env: cfg.Env}
	if len(cfg.FDs) > 0 {
		rc.stdin, _ = cfg.FDs[0].(*rootfs.OpenFile)
	}
	if len(cfg.FDs) > 1 {
		rc.stdout, _ = cfg.FDs[1].(*rootfs.OpenFile)
	}
	if len(cfg.FDs) > 2 {
		rc.stderr, _ = cfg.FDs[2].(*rootfs.OpenFile)
	}
	if pre, ok := cfg.RootPreopen(); ok {
		rc.pre = pre
	}
	return rc
}
