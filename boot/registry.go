// Package boot implements the staged loader protocol: stage 0 recovers the
// file tree from a polyglot artifact and finds the boot module, stage 1
// validates the stage sections and settles external references, stage 2 runs
// the config program, constructs the WASI shim, and starts the system.
package boot

import (
	"context"
	"crypto/sha256"

	"github.com/pkg/errors"
)

var (
	// ErrBadFile reports an embedded file whose payload length contradicts
	// its tar header.
	ErrBadFile = errors.New("boot: embedded file size does not match its header")
	// ErrMissingStage2 reports an artifact without a stage2 section.
	ErrMissingStage2 = errors.New("boot: missing stage2 section")
	// ErrDuplicateConfig reports more than one wasi config section.
	ErrDuplicateConfig = errors.New("boot: duplicate wasi config section")
	// ErrNoBootExecutable reports a filesystem without boot/init.
	ErrNoBootExecutable = errors.New("boot: no boot executable")
	// ErrNoInitModule reports a filesystem without init.mjs.
	ErrNoInitModule = errors.New("boot: no init module")
)

// Filesystem conventions the stages look up.
const (
	BootModulePath = "boot/wah-init.wasm"
	BootInitPath   = "boot/init"
	InitModulePath = "init.mjs"
	DisplayPath    = "proc/0/display.mjs"
	ExePath        = "proc/0/exe"
	CmdlinePath    = "proc/0/cmdline"
	EnvironPath    = "proc/0/environ"
)

// Module is an opaque handle to a loaded module.
type Module interface{}

// Loader turns a module body into a loaded handle. The host provides it; the
// kernel never materialises URLs, it holds byte buffers and handles.
type Loader interface {
	Load(ctx context.Context, name string, body []byte) (Module, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, name string, body []byte) (Module, error)

func (f LoaderFunc) Load(ctx context.Context, name string, body []byte) (Module, error) {
	return f(ctx, name, body)
}

// Registry caches loaded modules under content-addressed keys and names.
type Registry struct {
	loader Loader
	byName map[string]Module
	byHash map[[sha256.Size]byte]Module
}

// NewRegistry builds a registry over the host's loader.
func NewRegistry(loader Loader) *Registry {
	return &Registry{
		loader: loader,
		byName: map[string]Module{},
		byHash: map[[sha256.Size]byte]Module{},
	}
}

// Load returns the module for body, loading it at most once per content.
func (r *Registry) Load(ctx context.Context, name string, body []byte) (Module, error) {
	hash := sha256.Sum256(body)
	if m, ok := r.byHash[hash]; ok {
		r.byName[name] = m
		return m, nil
	}
	if r.loader == nil {
		return nil, errors.Errorf("boot: no loader for module %q", name)
	}
	m, err := r.loader.Load(ctx, name, body)
	if err != nil {
		return nil, errors.Wrapf(err, "loading module %q", name)
	}
	r.byHash[hash] = m
	r.byName[name] = m
	return m, nil
}

// Lookup returns a previously loaded module by name.
func (r *Registry) Lookup(name string) (Module, bool) {
	m, ok := r.byName[name]
	return m, ok
}
