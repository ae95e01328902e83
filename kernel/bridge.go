package kernel

import (
	"context"
	"sync"
)

// Port is one end of the bridge: an ordered message channel. Sends and
// receives are FIFO; there is no shared state behind it, everything crosses
// by value or ownership handoff.
type Port struct {
	out  chan Message
	in   chan Message
	once *sync.Once
	done chan struct{}
}

// NewBridge returns the two connected ends of a bridge. The buffer bounds
// how far one side can run ahead before its sends suspend.
func NewBridge(buffer int) (kernelSide, firmwareSide *Port) {
	toFirmware := make(chan Message, buffer)
	toKernel := make(chan Message, buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	kernelSide = &Port{out: toFirmware, in: toKernel, once: once, done: done}
	firmwareSide = &Port{out: toKernel, in: toFirmware, once: once, done: done}
	return kernelSide, firmwareSide
}

// Send validates and enqueues a message.
func (p *Port) Send(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if p.Closed() {
		return ErrChannelClosed
	}
	select {
	case <-p.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- m:
		return nil
	}
}

// Recv dequeues the next message in send order.
func (p *Port) Recv(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case m, ok := <-p.in:
		if !ok {
			return Message{}, ErrChannelClosed
		}
		return m, nil
	case <-p.done:
		// Drain what was already enqueued before reporting closure.
		select {
		case m := <-p.in:
			return m, nil
		default:
			return Message{}, ErrChannelClosed
		}
	}
}

// Close tears the bridge down; both ends observe ErrChannelClosed.
func (p *Port) Close() {
	p.once.Do(func() { close(p.done) })
}

// Closed reports whether the bridge is down.
func (p *Port) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
