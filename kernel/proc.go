package kernel

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wahdoc/wah/rootfs"
)

// ProcState is a process's position in its lifecycle.
type ProcState int

const (
	ProcPending ProcState = iota
	ProcExited
	ProcCrashed
)

// Process is a pending-until-reaped handle: it settles exactly once, either
// exited with a status or crashed.
type Process struct {
	Fid uint64

	state  ProcState
	status int
	err    error
	stdout []byte
	stderr []byte
	done   chan struct{}
}

func newProcess(fid uint64) *Process {
	return &Process{Fid: fid, done: make(chan struct{})}
}

// settle moves the process to a terminal state. Settling twice is a
// programming error and panics.
func (p *Process) settle(state ProcState, status int, err error, stdout, stderr []byte) {
	select {
	case <-p.done:
		panic("kernel: process settled twice")
	default:
	}
	p.state, p.status, p.err = state, status, err
	p.stdout, p.stderr = stdout, stderr
	close(p.done)
}

// Wait blocks until the process settles and returns its reap.
func (p *Process) Wait(ctx context.Context) (Reap, error) {
	select {
	case <-ctx.Done():
		return Reap{}, ctx.Err()
	case <-p.done:
	}
	if p.state == ProcCrashed {
		return Reap{}, p.err
	}
	return Reap{Fid: p.Fid, Status: p.status, Stdout: p.stdout, Stderr: p.stderr}, nil
}

// State returns the current lifecycle position.
func (p *Process) State() ProcState {
	select {
	case <-p.done:
		return p.state
	default:
		return ProcPending
	}
}

// boundStream is a realised io binding.
type boundStream struct {
	open *rootfs.OpenFile // nil for the null device
	path string           // pipe path, for capture
	pipe bool
}

// bindIO realises one io binding against the root filesystem. Pipes become
// anonymous files under an io- prefixed name.
func bindIO(root *rootfs.Root, b IoBinding) (boundStream, error) {
	if err := b.Validate(); err != nil {
		return boundStream{}, err
	}
	switch {
	case b.Null != nil:
		return boundStream{}, nil
	case b.File != nil:
		open, err := root.OpenPath(*b.File)
		if errors.Is(err, rootfs.ErrNotFound) {
			var ref rootfs.FileRef
			if ref, err = root.Put(*b.File, nil); err == nil {
				open, err = root.Open(ref)
			}
		}
		if err != nil {
			return boundStream{}, err
		}
		return boundStream{open: open, path: *b.File}, nil
	case b.Pipe != nil:
		path := "io-" + uuid.NewString()
		ref, err := root.Put(path, nil)
		if err != nil {
			return boundStream{}, err
		}
		open, err := root.Open(ref)
		if err != nil {
			return boundStream{}, err
		}
		return boundStream{open: open, path: path, pipe: *b.Pipe}, nil
	}
	return boundStream{}, ErrBadIoBinding
}
