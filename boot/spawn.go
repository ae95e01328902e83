package boot

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wahdoc/wah/kernel"
	"github.com/wahdoc/wah/rootfs"
	"github.com/wahdoc/wah/wasiconf"
)

// runConfig is everything one WASI invocation needs.
type runConfig struct {
	args   []string
	env    []string
	stdin  *rootfs.OpenFile
	stdout *rootfs.OpenFile
	stderr *rootfs.OpenFile
	pre    *rootfs.Preopen
}

// runWASI compiles body, instantiates the WASI shim, binds the streams and
// the root preopen, and runs the start entry. The returned status follows
// the process state machine: a clean exit or the exit sentinel is status 0.
func runWASI(ctx context.Context, body []byte, rc runConfig, log *zap.Logger) (int, error) {
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return -1, errors.Wrap(err, "instantiating wasi shim")
	}

	cfg := wazero.NewModuleConfig().WithName("")
	if len(rc.args) > 0 {
		cfg = cfg.WithArgs(rc.args...)
	}
	for _, kv := range rc.env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			cfg = cfg.WithEnv(k, v)
		}
	}
	if rc.stdin != nil {
		cfg = cfg.WithStdin(rc.stdin)
	}
	if rc.stdout != nil {
		cfg = cfg.WithStdout(rc.stdout)
	}
	if rc.stderr != nil {
		cfg = cfg.WithStderr(rc.stderr)
	}
	if rc.pre != nil {
		guest := rc.pre.GuestPath
		if guest == "" {
			guest = "/"
		}
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithFSMount(rc.pre.FS(), guest))
	}

	compiled, err := r.CompileModule(ctx, body)
	if err != nil {
		return -1, errors.Wrap(err, "compiling module")
	}

	mod, err := r.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	switch {
	case err == nil:
		return 0, nil
	case strings.Contains(err.Error(), kernel.ExitSentinel):
		log.Debug("start entry settled through the exit sentinel")
		return 0, nil
	default:
		if exit, ok := err.(*sys.ExitError); ok {
			return int(exit.ExitCode()), nil
		}
		return -1, err
	}
}

// wasiSpawner launches processes against the kernel's filesystem through the
// shared WASI runner.
type wasiSpawner struct {
	root *rootfs.Root
	cfg  *wasiconf.Config
	log  *zap.Logger
}

// NewSpawner returns the kernel's process launcher over root. The
// configuration supplies the root preopen; without one the whole root is
// mounted at "/". Argv and environment come from each request.
func NewSpawner(root *rootfs.Root, cfg *wasiconf.Config, log *zap.Logger) kernel.Spawner {
	if log == nil {
		log = zap.NewNop()
	}
	return &wasiSpawner{root: root, cfg: cfg, log: log}
}

func (s *wasiSpawner) Spawn(ctx context.Context, spec kernel.CreateProc, stdin, stdout, stderr *rootfs.OpenFile) (int, error) {
	path := spec.Executable
	if path == "" && len(spec.Args) > 0 {
		path = spec.Args[0]
	}
	if path == "" {
		// The default executable when args are empty.
		ref, err := s.root.File(ExePath)
		if err != nil {
			return -1, errors.Wrap(ErrNoBootExecutable, ExePath)
		}
		data, err := ref.Data()
		if err != nil {
			return -1, err
		}
		path = strings.TrimRight(string(data), "\x00\n")
	}

	ref, err := s.root.File(rootfs.Normalize(path))
	if err != nil {
		return -1, errors.Wrapf(err, "executable %s", path)
	}
	body, err := ref.Data()
	if err != nil {
		return -1, err
	}

	pre := rootfs.NewPreopen("/", s.root.Dir())
	if s.cfg != nil {
		if p, ok := s.cfg.RootPreopen(); ok {
			pre = p
		}
	}

	s.log.Info("spawning process",
		zap.String("executable", path),
		zap.Strings("args", spec.Args))

	return runWASI(ctx, body, runConfig{
		args:   spec.Args,
		env:    spec.Env,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		pre:    pre,
	}, s.log)
}
