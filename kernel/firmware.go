package kernel

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Display is the DOM surface the firmware owns. The real implementation
// lives with the host page; tests use an in-memory fake.
type Display interface {
	ElementByID(id string) (Element, bool)
	ElementsByClassName(class string) []Element
	ElementsByTagName(tag string) []Element
}

// Element is one bound DOM element.
type Element interface {
	SetInnerHTML(html string) error
	ReplaceOuterHTML(html string) error
}

// Handler is a firmware-registered operation element-exec can invoke. The
// closed enumeration replaces constructing functions from source text.
type Handler func(ctx context.Context, el Element, args []interface{}) (interface{}, error)

// HandlerSet maps handler ids to registered handlers.
type HandlerSet map[string]Handler

// ModuleRunner loads and runs a module body posted over the bridge.
type ModuleRunner func(ctx context.Context, body []byte, typ string, options map[string]interface{}) (interface{}, error)

// Firmware is the host-side executor: it owns the display, applies element
// commands in send order, and reports completions back over the bridge. All
// state is held here explicitly; there are no ambient globals.
type Firmware struct {
	port     *Port
	display  Display
	handlers HandlerSet
	modules  ModuleRunner
	log      *zap.Logger

	// UnsafeExec permits element-exec to fall through to the unsafe handler
	// when the id is not registered.
	UnsafeExec    bool
	unsafeHandler Handler

	bound map[Descriptor][]Element
	level struct {
		boot       int
		filesystem int
		createProc int
	}
}

// FirmwareOption configures a Firmware.
type FirmwareOption func(*Firmware)

// WithHandlers registers the element-exec handler enumeration.
func WithHandlers(h HandlerSet) FirmwareOption {
	return func(f *Firmware) { f.handlers = h }
}

// WithModuleRunner registers the module command implementation.
func WithModuleRunner(r ModuleRunner) FirmwareOption {
	return func(f *Firmware) { f.modules = r }
}

// WithUnsafeExec installs the escape hatch handler for unregistered ids.
func WithUnsafeExec(h Handler) FirmwareOption {
	return func(f *Firmware) {
		f.UnsafeExec = true
		f.unsafeHandler = h
	}
}

// WithFirmwareLogger routes firmware diagnostics to log.
func WithFirmwareLogger(log *zap.Logger) FirmwareOption {
	return func(f *Firmware) { f.log = log }
}

// NewFirmware builds the host-side executor over its port and display.
func NewFirmware(port *Port, display Display, opts ...FirmwareOption) *Firmware {
	f := &Firmware{
		port:     port,
		display:  display,
		handlers: HandlerSet{},
		log:      zap.NewNop(),
		bound:    map[Descriptor][]Element{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run processes kernel commands until the context ends or the bridge closes.
// Commands bearing the same descriptor apply in send order because the loop
// is single-threaded over a FIFO channel.
func (f *Firmware) Run(ctx context.Context) error {
	for {
		m, err := f.port.Recv(ctx)
		if err != nil {
			if err == ErrChannelClosed {
				return nil
			}
			return err
		}
		if err := f.apply(ctx, m); err != nil {
			f.log.Warn("firmware command failed", zap.Error(err))
			f.postError(ctx, err)
		}
	}
}

func (f *Firmware) postError(ctx context.Context, err error) {
	_ = f.port.Send(ctx, Message{Error: map[string]interface{}{"message": err.Error()}})
}

func (f *Firmware) apply(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	switch {
	case m.ElementSelect != nil:
		return f.elementSelect(*m.ElementSelect)
	case m.ElementInsert != nil:
		return f.elementInsert(*m.ElementInsert)
	case m.ElementReplace != nil:
		return f.elementReplace(*m.ElementReplace)
	case m.ElementExec != nil:
		return f.elementExec(ctx, *m.ElementExec)
	case m.Module != nil:
		return f.runModule(ctx, *m.Module)
	case m.RunLevel != nil:
		f.applyRunLevel(*m.RunLevel)
		return nil
	case m.Error != nil:
		f.log.Warn("kernel error", zap.Any("error", m.Error))
		return nil
	case m.Reap != nil, m.CreateProc != nil, m.Completed != nil:
		// Process traffic is the kernel's to handle; nothing binds here.
		return nil
	}
	return ErrBadMessage
}

func (f *Firmware) resolve(sel Selector) []Element {
	switch {
	case sel.ByID != nil:
		if el, ok := f.display.ElementByID(*sel.ByID); ok {
			return []Element{el}
		}
	case sel.ByClassName != nil:
		els := f.display.ElementsByClassName(*sel.ByClassName)
		if len(els) > 0 && !sel.Multi {
			els = els[:1]
		}
		return els
	case sel.ByTagName != nil:
		els := f.display.ElementsByTagName(*sel.ByTagName)
		if len(els) > 0 && !sel.Multi {
			els = els[:1]
		}
		return els
	}
	return nil
}

func (f *Firmware) elementSelect(cmd ElementSelect) error {
	for _, sel := range cmd.Selectors {
		if els := f.resolve(sel); len(els) > 0 {
			f.bound[cmd.Ed] = els
			return nil
		}
	}
	return fmt.Errorf("kernel: no selector matched for ed %d", cmd.Ed)
}

func (f *Firmware) elementInsert(cmd ElementInsert) error {
	els, ok := f.bound[cmd.Ed]
	if !ok {
		return fmt.Errorf("kernel: ed %d is not bound", cmd.Ed)
	}
	for _, el := range els {
		if err := el.SetInnerHTML(cmd.InnerHTML); err != nil {
			return err
		}
	}
	return nil
}

func (f *Firmware) elementReplace(cmd ElementReplace) error {
	els, ok := f.bound[cmd.Ed]
	if !ok {
		return fmt.Errorf("kernel: ed %d is not bound", cmd.Ed)
	}
	delete(f.bound, cmd.Ed)
	for _, el := range els {
		if err := el.ReplaceOuterHTML(cmd.OuterHTML); err != nil {
			return err
		}
	}
	return nil
}

func (f *Firmware) elementExec(ctx context.Context, cmd ElementExec) error {
	els := f.bound[cmd.Ed]
	var el Element
	if len(els) > 0 {
		el = els[0]
	}

	handler, ok := f.handlers[cmd.Fn]
	if !ok {
		if !f.UnsafeExec || f.unsafeHandler == nil {
			err := fmt.Errorf("kernel: no handler registered for %q", cmd.Fn)
			if cmd.RetEd != 0 {
				return f.port.Send(ctx, Message{Completed: &Completed{Ed: cmd.RetEd, Error: err.Error()}})
			}
			return err
		}
		handler = func(ctx context.Context, el Element, args []interface{}) (interface{}, error) {
			return f.unsafeHandler(ctx, el, append([]interface{}{cmd.Fn}, args...))
		}
	}

	result, err := handler(ctx, el, cmd.Args)
	if cmd.RetEd == 0 {
		return err
	}
	completed := &Completed{Ed: cmd.RetEd, Result: result}
	if err != nil {
		completed.Error = err.Error()
	}
	return f.port.Send(ctx, Message{Completed: completed})
}

func (f *Firmware) runModule(ctx context.Context, cmd ModuleLoad) error {
	if f.modules == nil {
		return f.port.Send(ctx, Message{Completed: &Completed{
			Ed:    cmd.Ed,
			Error: "kernel: no module runner installed",
		}})
	}
	result, err := f.modules(ctx, cmd.Module, cmd.Type, cmd.Options)
	completed := &Completed{Ed: cmd.Ed, Result: result}
	if err != nil {
		completed.Error = err.Error()
	}
	return f.port.Send(ctx, Message{Completed: completed})
}

func (f *Firmware) applyRunLevel(cmd RunLevel) {
	if cmd.Boot != nil {
		f.level.boot = *cmd.Boot
	}
	if cmd.Filesystem != nil {
		f.level.filesystem = *cmd.Filesystem
	}
	if cmd.CreateProc != nil {
		f.level.createProc = *cmd.CreateProc
	}
	f.log.Info("run level",
		zap.Int("boot", f.level.boot),
		zap.Int("filesystem", f.level.filesystem),
		zap.Int("create-proc", f.level.createProc))
}

// Bound returns the elements currently bound to ed, for inspection.
func (f *Firmware) Bound(ed Descriptor) []Element {
	return f.bound[ed]
}
