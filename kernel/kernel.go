package kernel

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wahdoc/wah/rootfs"
)

// Spawner launches one process against the root filesystem. The kernel's
// runtime supplies this; tests supply fakes.
type Spawner interface {
	Spawn(ctx context.Context, spec CreateProc, stdin, stdout, stderr *rootfs.OpenFile) (status int, err error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, spec CreateProc, stdin, stdout, stderr *rootfs.OpenFile) (int, error)

func (f SpawnerFunc) Spawn(ctx context.Context, spec CreateProc, stdin, stdout, stderr *rootfs.OpenFile) (int, error) {
	return f(ctx, spec, stdin, stdout, stderr)
}

// Kernel is the sandbox-side executor: it allocates descriptors, issues
// element commands, owns the root filesystem and the process table, and
// resolves completions arriving from the firmware.
type Kernel struct {
	port    *Port
	alloc   *Allocator
	root    *rootfs.Root
	spawner Spawner
	log     *zap.Logger

	// Strong references to outstanding operations, deleted on completion or
	// channel close; nothing here may leak pending awaits.
	pending map[Descriptor]chan Completed
	procs   map[uint64]*Process
	nextFid uint64
}

// KernelOption configures a Kernel.
type KernelOption func(*Kernel)

// WithSpawner installs the process launcher.
func WithSpawner(s Spawner) KernelOption {
	return func(k *Kernel) { k.spawner = s }
}

// WithKernelLogger routes kernel diagnostics to log.
func WithKernelLogger(log *zap.Logger) KernelOption {
	return func(k *Kernel) { k.log = log }
}

// NewKernel builds the sandbox-side executor over its port and filesystem.
func NewKernel(port *Port, root *rootfs.Root, opts ...KernelOption) *Kernel {
	k := &Kernel{
		port:    port,
		alloc:   NewAllocator(),
		root:    root,
		log:     zap.NewNop(),
		pending: map[Descriptor]chan Completed{},
		procs:   map[uint64]*Process{},
		nextFid: 1,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Root returns the kernel-owned filesystem.
func (k *Kernel) Root() *rootfs.Root { return k.root }

// Select allocates a descriptor and binds it to the first matching selector.
// Operations issued afterwards on the same descriptor apply after the
// binding, because the channel is ordered.
func (k *Kernel) Select(ctx context.Context, selectors ...Selector) (Descriptor, error) {
	ed, err := k.alloc.Alloc()
	if err != nil {
		return 0, err
	}
	err = k.port.Send(ctx, Message{ElementSelect: &ElementSelect{Ed: ed, Selectors: selectors}})
	if err != nil {
		k.alloc.Release(ed)
		return 0, err
	}
	return ed, nil
}

// Insert writes innerHTML into the bound element. Idempotent.
func (k *Kernel) Insert(ctx context.Context, ed Descriptor, innerHTML string) error {
	return k.port.Send(ctx, Message{ElementInsert: &ElementInsert{Ed: ed, InnerHTML: innerHTML}})
}

// Replace swaps the bound element's outerHTML and releases the descriptor.
func (k *Kernel) Replace(ctx context.Context, ed Descriptor, outerHTML string) error {
	err := k.port.Send(ctx, Message{ElementReplace: &ElementReplace{Ed: ed, OuterHTML: outerHTML}})
	if err == nil {
		k.alloc.Release(ed)
	}
	return err
}

// Release frees a descriptor explicitly.
func (k *Kernel) Release(ed Descriptor) {
	k.alloc.Release(ed)
}

// Exec invokes a firmware handler against the bound element, discarding the
// result.
func (k *Kernel) Exec(ctx context.Context, ed Descriptor, fn string, args ...interface{}) error {
	return k.port.Send(ctx, Message{ElementExec: &ElementExec{Ed: ed, Fn: fn, Args: args}})
}

// ExecAwait invokes a firmware handler and waits for its completed message.
func (k *Kernel) ExecAwait(ctx context.Context, ed Descriptor, fn string, args ...interface{}) (interface{}, error) {
	retEd, ch, err := k.await()
	if err != nil {
		return nil, err
	}
	err = k.port.Send(ctx, Message{ElementExec: &ElementExec{Ed: ed, Fn: fn, Args: args, RetEd: retEd}})
	if err != nil {
		k.unawait(retEd)
		return nil, err
	}
	return k.waitCompleted(ctx, retEd, ch)
}

// LoadModule posts a module body for the firmware to load and run, waiting
// for the result.
func (k *Kernel) LoadModule(ctx context.Context, body []byte, typ string, options map[string]interface{}) (interface{}, error) {
	retEd, ch, err := k.await()
	if err != nil {
		return nil, err
	}
	err = k.port.Send(ctx, Message{Module: &ModuleLoad{Module: body, Type: typ, Options: options, Ed: retEd}})
	if err != nil {
		k.unawait(retEd)
		return nil, err
	}
	return k.waitCompleted(ctx, retEd, ch)
}

func (k *Kernel) await() (Descriptor, chan Completed, error) {
	ed, err := k.alloc.Alloc()
	if err != nil {
		return 0, nil, err
	}
	ch := make(chan Completed, 1)
	k.pending[ed] = ch
	return ed, ch, nil
}

func (k *Kernel) unawait(ed Descriptor) {
	delete(k.pending, ed)
	k.alloc.Release(ed)
}

func (k *Kernel) waitCompleted(ctx context.Context, ed Descriptor, ch chan Completed) (interface{}, error) {
	defer k.unawait(ed)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c, ok := <-ch:
		if !ok {
			return nil, ErrChannelClosed
		}
		if c.Error != "" {
			return c.Result, errors.New(c.Error)
		}
		return c.Result, nil
	}
}

// PublishRunLevel announces capability readiness to the firmware.
func (k *Kernel) PublishRunLevel(ctx context.Context, level RunLevel) error {
	return k.port.Send(ctx, Message{RunLevel: &level})
}

// ReportError emits an out-of-band fault across the bridge.
func (k *Kernel) ReportError(ctx context.Context, err error) {
	_ = k.port.Send(ctx, Message{Error: map[string]interface{}{"message": err.Error()}})
}

// CreateProcess spawns a process for spec and returns its pending handle.
// The reap message posts once the process settles.
func (k *Kernel) CreateProcess(ctx context.Context, spec CreateProc) (*Process, error) {
	if k.spawner == nil {
		return nil, errors.New("kernel: no spawner installed")
	}
	if spec.Fid == 0 {
		spec.Fid = k.nextFid
		k.nextFid++
	}
	if _, exists := k.procs[spec.Fid]; exists {
		return nil, errors.Errorf("kernel: fid %d already pending", spec.Fid)
	}

	stdin, err := bindIO(k.root, spec.Stdin)
	if err != nil {
		return nil, err
	}
	stdout, err := bindIO(k.root, spec.Stdout)
	if err != nil {
		return nil, err
	}
	stderr, err := bindIO(k.root, spec.Stderr)
	if err != nil {
		return nil, err
	}

	proc := newProcess(spec.Fid)
	k.procs[spec.Fid] = proc

	status, err := k.spawner.Spawn(ctx, spec, stdin.open, stdout.open, stderr.open)
	if err != nil && err.Error() == ExitSentinel {
		// The exit sentinel is a normal terminal transition, not a failure.
		status, err = 0, nil
	}
	if err != nil {
		crash := &UserProgramCrash{Err: err}
		proc.settle(ProcCrashed, -1, crash, nil, nil)
		delete(k.procs, spec.Fid)
		k.ReportError(ctx, crash)
		return proc, crash
	}

	reap := Reap{Fid: spec.Fid, Status: status}
	if stdout.open != nil {
		reap.Stdout, _ = stdout.open.Bytes()
	}
	if stderr.open != nil {
		reap.Stderr, _ = stderr.open.Bytes()
	}

	proc.settle(ProcExited, status, nil, reap.Stdout, reap.Stderr)
	delete(k.procs, spec.Fid)

	if err := k.port.Send(ctx, Message{Reap: &reap}); err != nil {
		return proc, err
	}
	return proc, nil
}

// Run processes firmware responses until the context ends or the bridge
// closes, at which point every pending await fails.
func (k *Kernel) Run(ctx context.Context) error {
	defer k.failPending()
	for {
		m, err := k.port.Recv(ctx)
		if err != nil {
			if err == ErrChannelClosed {
				return nil
			}
			return err
		}
		if err := m.Validate(); err != nil {
			k.log.Warn("malformed bridge message", zap.Error(err))
			k.ReportError(ctx, err)
			continue
		}

		switch {
		case m.Completed != nil:
			if ch, ok := k.pending[m.Completed.Ed]; ok {
				ch <- *m.Completed
			} else {
				k.log.Warn("completed for unknown descriptor",
					zap.Uint64("ed", uint64(m.Completed.Ed)))
			}
		case m.CreateProc != nil:
			if _, err := k.CreateProcess(ctx, *m.CreateProc); err != nil {
				k.log.Warn("create-proc failed", zap.Error(err))
			}
		case m.Error != nil:
			k.log.Warn("firmware error", zap.Any("error", m.Error))
		}
	}
}

func (k *Kernel) failPending() {
	for ed, ch := range k.pending {
		close(ch)
		delete(k.pending, ed)
	}
}
