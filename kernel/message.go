// Package kernel implements the bridge between the WASI-running sandbox (the
// kernel) and the DOM-owning host (the firmware): a single ordered message
// channel with a small command set, element descriptors allocated by the
// kernel, and one-shot process handles.
package kernel

import (
	"github.com/pkg/errors"
)

var (
	// ErrBadMessage reports a message with zero or more than one known key.
	ErrBadMessage = errors.New("kernel: message must carry exactly one command")
	// ErrBadIoBinding reports an io binding with zero or multiple keys.
	ErrBadIoBinding = errors.New("kernel: bad io binding")
	// ErrOutOfDescriptors reports a saturated descriptor counter.
	ErrOutOfDescriptors = errors.New("kernel: out of element descriptors")
	// ErrChannelClosed reports an operation against a closed bridge.
	ErrChannelClosed = errors.New("kernel: channel closed")
)

// UserProgramCrash wraps the failure of the launched program.
type UserProgramCrash struct {
	Err error
}

func (e *UserProgramCrash) Error() string {
	return "kernel: user program crash: " + e.Err.Error()
}

func (e *UserProgramCrash) Unwrap() error { return e.Err }

// ExitSentinel is the string a user program throws to signal a clean exit; it
// settles the process with status 0 and is not propagated as failure.
const ExitSentinel = "exit with exit code 0"

// Descriptor is a non-zero 53-bit integer naming a DOM element held by the
// firmware.
type Descriptor uint64

// Selector picks an element. Exactly one of the by-fields is set.
type Selector struct {
	ByID        *string `json:"by-id,omitempty"`
	ByClassName *string `json:"by-class-name,omitempty"`
	ByTagName   *string `json:"by-tag-name,omitempty"`
	Multi       bool    `json:"multi,omitempty"`
}

// ElementSelect binds the first matching selector to Ed; later selectors are
// fallbacks.
type ElementSelect struct {
	Ed        Descriptor `json:"ed"`
	Selectors []Selector `json:"selectors"`
}

// ElementInsert is an idempotent content write.
type ElementInsert struct {
	Ed        Descriptor `json:"ed"`
	InnerHTML string     `json:"innerHTML"`
}

// ElementReplace replaces the element and implicitly releases Ed.
type ElementReplace struct {
	Ed        Descriptor `json:"ed"`
	OuterHTML string     `json:"outerHTML"`
}

// ElementExec invokes a firmware-registered handler against the bound
// element. If RetEd is non-zero the firmware posts a completed message for
// it.
type ElementExec struct {
	Ed    Descriptor    `json:"ed"`
	Fn    string        `json:"fn"`
	Args  []interface{} `json:"args,omitempty"`
	RetEd Descriptor    `json:"ret_ed,omitempty"`
}

// IoBinding routes one of a process's standard streams. Exactly one field is
// set: a path in the root filesystem, an anonymous pipe, or the null device.
type IoBinding struct {
	File *string `json:"file,omitempty"`
	Pipe *bool   `json:"pipe,omitempty"`
	Null *bool   `json:"null,omitempty"`
}

// Validate enforces the single-key shape.
func (b IoBinding) Validate() error {
	n := 0
	if b.File != nil {
		n++
	}
	if b.Pipe != nil {
		n++
	}
	if b.Null != nil {
		n++
	}
	if n != 1 {
		return ErrBadIoBinding
	}
	return nil
}

// CreateProc asks for a process: executable (when empty, the first argument
// names it, and with no arguments proc/0/exe does), argv, environment, and
// stream bindings. Fid names the pending
// handle that reap resolves.
type CreateProc struct {
	Executable string    `json:"executable,omitempty"`
	Args       []string  `json:"args"`
	Env        []string  `json:"env"`
	Stdin      IoBinding `json:"stdin"`
	Stdout     IoBinding `json:"stdout"`
	Stderr     IoBinding `json:"stderr"`
	Fid        uint64    `json:"fid"`
}

// Reap is the one-shot resolution of a pending process handle.
type Reap struct {
	Fid    uint64 `json:"fid"`
	Status int    `json:"status"`
	Stdout []byte `json:"stdout,omitempty"`
	Stderr []byte `json:"stderr,omitempty"`
}

// ModuleLoad carries a module body the firmware loads and runs against the
// shared worker state, reporting back through completed.
type ModuleLoad struct {
	Module  []byte                 `json:"module"`
	Type    string                 `json:"type"`
	Options map[string]interface{} `json:"options,omitempty"`
	Ed      Descriptor             `json:"ed"`
}

// RunLevel publishes capability readiness. The firmware records and logs the
// levels it receives; it does not enable or refuse any command based on them.
type RunLevel struct {
	Boot       *int `json:"boot,omitempty"`
	Filesystem *int `json:"filesystem,omitempty"`
	CreateProc *int `json:"create-proc,omitempty"`
}

// Completed resolves an outstanding descriptor-bearing operation.
type Completed struct {
	Ed     Descriptor  `json:"ed"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Message is one bridge message: an object with exactly one known key.
type Message struct {
	ElementSelect  *ElementSelect         `json:"element-select,omitempty"`
	ElementInsert  *ElementInsert         `json:"element-insert,omitempty"`
	ElementReplace *ElementReplace        `json:"element-replace,omitempty"`
	ElementExec    *ElementExec           `json:"element-exec,omitempty"`
	CreateProc     *CreateProc            `json:"create-proc,omitempty"`
	Reap           *Reap                  `json:"reap,omitempty"`
	Module         *ModuleLoad            `json:"module,omitempty"`
	RunLevel       *RunLevel              `json:"run-level,omitempty"`
	Error          map[string]interface{} `json:"error,omitempty"`
	Completed      *Completed             `json:"completed,omitempty"`
}

// Validate enforces the exactly-one-key rule; violating messages are error
// signals.
func (m Message) Validate() error {
	n := 0
	for _, set := range []bool{
		m.ElementSelect != nil,
		m.ElementInsert != nil,
		m.ElementReplace != nil,
		m.ElementExec != nil,
		m.CreateProc != nil,
		m.Reap != nil,
		m.Module != nil,
		m.RunLevel != nil,
		m.Error != nil,
		m.Completed != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return ErrBadMessage
	}
	return nil
}
