package wasiconf

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wahdoc/wah/rootfs"
	"github.com/wahdoc/wah/wasm"
)

// Value is an operand table entry.
type Value = interface{}

// Builtin names one of the fixed operations in the reserved operand slots.
type Builtin uint32

// Undefined is the value of the reserved undefined slot and the result of
// skip instructions.
type Undefined struct{}

// UnsafeFunction is the result of the function opcode: a callable defined by
// source text. Nothing invokes it unless the unsafe-exec capability is set.
type UnsafeFunction struct {
	Source string
}

// Config is the configuration object at operand slot 0. FDs 0..2 are stdio;
// FD 3 is the root preopen.
type Config struct {
	Args   []string
	Env    []string
	FDs    []Value
	WASI   Value
	Module Value

	// UnsafeExec gates invoking UnsafeFunction values.
	UnsafeExec bool

	extra map[string]Value
}

// NewConfig returns a configuration with the stdio and root preopen slots
// allocated.
func NewConfig() *Config {
	return &Config{FDs: make([]Value, 4), extra: map[string]Value{}}
}

// RootPreopen returns FD 3 as a preopen, if set.
func (c *Config) RootPreopen() (*rootfs.Preopen, bool) {
	if len(c.FDs) <= 3 {
		return nil, false
	}
	p, ok := c.FDs[3].(*rootfs.Preopen)
	return p, ok
}

// Get looks up a configuration property.
func (c *Config) Get(key string) Value {
	switch key {
	case "args":
		return c.Args
	case "env":
		return c.Env
	case "fds":
		return c.FDs
	case "WASI":
		return c.WASI
	case "wasm_module":
		return c.Module
	default:
		return c.extra[key]
	}
}

// Set assigns a configuration property.
func (c *Config) Set(key string, v Value) error {
	switch key {
	case "args":
		s, err := toStringSlice(v)
		if err != nil {
			return errors.Wrap(err, "args")
		}
		c.Args = s
	case "env":
		s, err := toStringSlice(v)
		if err != nil {
			return errors.Wrap(err, "env")
		}
		c.Env = s
	case "fds":
		s, ok := v.([]Value)
		if !ok {
			return errors.Errorf("fds must be an array, got %T", v)
		}
		c.FDs = s
	case "WASI":
		c.WASI = v
	case "wasm_module":
		c.Module = v
	default:
		c.extra[key] = v
	}
	return nil
}

func toStringSlice(v Value) ([]string, error) {
	switch v := v.(type) {
	case []string:
		return v, nil
	case []Value:
		out := make([]string, len(v))
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, errors.Errorf("element %d is %T, not a string", i, e)
			}
			out[i] = s
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, errors.Errorf("%T is not a string array", v)
}

// Env is everything the evaluator runs against.
type Env struct {
	Config *Config
	Root   *rootfs.Root
	Module *wasm.Module
	Log    *zap.Logger
}

// EvalError carries the failing instruction and the partial operand table so
// the fallback path can inspect the state reached.
type EvalError struct {
	Iptr int
	Op   uint32
	Ops  []Value
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("wasiconf: instruction %d (op %d): %v", e.Iptr, e.Op, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Eval runs a config section against env and returns the final operand
// table. Evaluation is strictly sequential; the first failing instruction
// aborts and surfaces the partial table through *EvalError.
func Eval(section []byte, env Env) ([]Value, error) {
	program, err := ParseProgram(section)
	if err != nil {
		return nil, err
	}
	return program.Eval(env)
}

// Eval executes the program. See Eval on the package level.
func (p Program) Eval(env Env) ([]Value, error) {
	if env.Config == nil {
		env.Config = NewConfig()
	}
	if env.Root == nil {
		env.Root = rootfs.NewRoot()
	}
	if env.Log == nil {
		env.Log = zap.NewNop()
	}

	ops := make([]Value, ReservedSlots, ReservedSlots+16)
	ops[SlotConfiguration] = env.Config
	for i := OpSkip; i <= OpFunction; i++ {
		ops[i] = Builtin(i)
	}
	ops[SlotUndefined] = Undefined{}

	words := p.Words
	fail := func(iptr int, op uint32, err error) ([]Value, error) {
		return ops, &EvalError{Iptr: iptr, Op: op, Ops: ops, Err: err}
	}

	for iptr := 0; iptr < len(words); {
		op := words[iptr]
		if iptr+1 >= len(words) {
			return fail(iptr, op, errors.New("truncated instruction"))
		}
		argc := int(words[iptr+1])
		if iptr+2+argc > len(words) {
			return fail(iptr, op, errors.New("truncated arguments"))
		}
		args := words[iptr+2 : iptr+2+argc]
		next := iptr + 2 + argc

		arg := func(i int) (uint32, error) {
			if i >= len(args) {
				return 0, errors.Errorf("missing argument %d", i)
			}
			return args[i], nil
		}
		operand := func(i int) (Value, error) {
			slot, err := arg(i)
			if err != nil {
				return nil, err
			}
			if int(slot) >= len(ops) {
				return nil, errors.Errorf("operand slot %d not yet defined", slot)
			}
			return ops[slot], nil
		}

		var result Value
		var err error
		switch op {
		case OpSkip:
			var n uint32
			if n, err = arg(0); err == nil {
				next += int(n)
				result = Undefined{}
			}

		case OpString:
			var raw []byte
			if raw, err = p.slice(args); err == nil {
				result = string(raw)
			}

		case OpJSON:
			var raw []byte
			if raw, err = p.slice(args); err == nil {
				var v Value
				if err = json.Unmarshal(raw, &v); err == nil {
					result = v
				}
			}

		case OpConst:
			var v uint32
			if v, err = arg(0); err == nil {
				result = int64(v)
			}

		case OpArray:
			// A view over the data segment, not a copy.
			result, err = p.slice(args)

		case OpGet:
			var container, key Value
			if container, err = operand(0); err == nil {
				if key, err = operand(1); err == nil {
					result, err = index(container, key)
				}
			}

		case OpSet:
			var container, key, what Value
			if container, err = operand(0); err == nil {
				if key, err = operand(1); err == nil {
					if what, err = operand(2); err == nil {
						if err = assign(container, key, what); err == nil {
							result = what
						}
					}
				}
			}

		case OpFile:
			var what Value
			if what, err = operand(0); err == nil {
				var data []byte
				if data, err = toBytes(what); err == nil {
					result = env.Root.NewFile(data)
				}
			}

		case OpDirectory:
			var what Value
			if what, err = operand(0); err == nil {
				result, err = buildDirectory(env.Root, what)
			}

		case OpPreopenDirectory:
			var where, what Value
			if where, err = operand(0); err == nil {
				if what, err = operand(1); err == nil {
					result, err = buildPreopen(where, what)
				}
			}

		case OpPathOpen:
			result, err = pathOpen(env.Root, args, operand)

		case OpOpenFile:
			var what Value
			if what, err = operand(0); err == nil {
				result, err = openFile(env.Root, what)
			}

		case OpSection:
			var what Value
			if what, err = operand(0); err == nil {
				result, err = customSections(env.Module, what)
			}

		case OpNoop:
			result = map[string]Value{}

		case OpFunction:
			var what Value
			if what, err = operand(0); err == nil {
				src, ok := what.(string)
				if !ok {
					err = errors.Errorf("function source is %T, not a string", what)
				} else {
					result = UnsafeFunction{Source: src}
				}
			}

		default:
			err = errors.Errorf("unknown opcode %d", op)
		}

		if err != nil {
			return fail(iptr, op, err)
		}
		ops = append(ops, result)
		iptr = next
	}

	return ops, nil
}

func (p Program) slice(args []uint32) ([]byte, error) {
	if len(args) < 2 {
		return nil, errors.New("missing data pointer arguments")
	}
	ptr, size := uint64(args[0]), uint64(args[1])
	if ptr+size > uint64(len(p.Data)) {
		return nil, errors.Errorf("data range %d..%d out of bounds (%d)", ptr, ptr+size, len(p.Data))
	}
	return p.Data[ptr : ptr+size], nil
}

func toBytes(v Value) ([]byte, error) {
	switch v := v.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, errors.Errorf("%T does not hold bytes", v)
}

func toIndex(v Value) (int, bool) {
	switch v := v.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func index(container, key Value) (Value, error) {
	switch c := container.(type) {
	case *Config:
		k, ok := key.(string)
		if !ok {
			return nil, errors.Errorf("configuration key is %T, not a string", key)
		}
		return c.Get(k), nil
	case map[string]Value:
		k, ok := key.(string)
		if !ok {
			return nil, errors.Errorf("object key is %T, not a string", key)
		}
		return c[k], nil
	case []Value:
		i, ok := toIndex(key)
		if !ok || i < 0 || i >= len(c) {
			return nil, errors.Errorf("index %v out of range", key)
		}
		return c[i], nil
	case []byte:
		i, ok := toIndex(key)
		if !ok || i < 0 || i >= len(c) {
			return nil, errors.Errorf("index %v out of range", key)
		}
		return int64(c[i]), nil
	case *rootfs.Dir:
		k, ok := key.(string)
		if !ok {
			return nil, errors.Errorf("directory entry is %T, not a string", key)
		}
		n, found := c.Lookup(k)
		if !found {
			return Undefined{}, nil
		}
		return n, nil
	}
	return nil, errors.Errorf("cannot index into %T", container)
}

func assign(container, key, what Value) error {
	switch c := container.(type) {
	case *Config:
		k, ok := key.(string)
		if !ok {
			return errors.Errorf("configuration key is %T, not a string", key)
		}
		return c.Set(k, what)
	case map[string]Value:
		k, ok := key.(string)
		if !ok {
			return errors.Errorf("object key is %T, not a string", key)
		}
		c[k] = what
		return nil
	case []Value:
		i, ok := toIndex(key)
		if !ok || i < 0 || i >= len(c) {
			return errors.Errorf("index %v out of range", key)
		}
		c[i] = what
		return nil
	case *rootfs.Dir:
		k, ok := key.(string)
		if !ok {
			return errors.Errorf("directory entry is %T, not a string", key)
		}
		n, ok := what.(rootfs.Node)
		if !ok {
			return errors.Errorf("%T is not a filesystem node", what)
		}
		return c.Put(k, n)
	}
	return errors.Errorf("cannot assign into %T", container)
}

func buildDirectory(root *rootfs.Root, what Value) (*rootfs.Dir, error) {
	dir := rootfs.NewDir()
	switch m := what.(type) {
	case nil, Undefined:
		return dir, nil
	case map[string]Value:
		for name, entry := range m {
			var node rootfs.Node
			switch entry := entry.(type) {
			case rootfs.FileRef:
				node = entry
			case *rootfs.Dir:
				node = entry
			case []byte:
				node = root.NewFile(entry)
			case string:
				node = root.NewFile([]byte(entry))
			default:
				return nil, errors.Errorf("directory entry %q is %T", name, entry)
			}
			if err := dir.Put(name, node); err != nil {
				return nil, err
			}
		}
		return dir, nil
	case *rootfs.Dir:
		return m, nil
	}
	return nil, errors.Errorf("%T is not a directory mapping", what)
}

func buildPreopen(where, what Value) (*rootfs.Preopen, error) {
	path, ok := where.(string)
	if !ok {
		return nil, errors.Errorf("preopen path is %T, not a string", where)
	}
	dir, ok := what.(*rootfs.Dir)
	if !ok {
		return nil, errors.Errorf("preopen target is %T, not a directory", what)
	}
	return rootfs.NewPreopen(path, dir), nil
}

// oflagCreate mirrors the WASI O_CREAT bit of the path_open oflags operand.
const oflagCreate = 1

func pathOpen(root *rootfs.Root, args []uint32, operand func(int) (Value, error)) (Value, error) {
	if len(args) < 4 {
		return nil, errors.New("path_open takes dir, flags, path, oflags")
	}
	dirv, err := operand(0)
	if err != nil {
		return nil, err
	}
	pathv, err := operand(2)
	if err != nil {
		return nil, err
	}
	// args[1] is the WASI lookupflags operand; it only changes symlink
	// resolution, and this filesystem has no symlinks to follow.
	oflags := args[3]

	var dir *rootfs.Dir
	switch d := dirv.(type) {
	case *rootfs.Dir:
		dir = d
	case *rootfs.Preopen:
		dir = d.Dir
	default:
		return nil, errors.Errorf("cannot open within %T", dirv)
	}

	path, ok := pathv.(string)
	if !ok {
		return nil, errors.Errorf("path is %T, not a string", pathv)
	}

	node, found := dir.Lookup(path)
	if !found {
		if oflags&oflagCreate == 0 {
			return nil, errors.Wrap(rootfs.ErrNotFound, path)
		}
		ref := root.NewFile(nil)
		if err := dir.Put(path, ref); err != nil {
			return nil, err
		}
		return root.Open(ref)
	}

	ref, ok := node.(rootfs.FileRef)
	if !ok {
		return nil, errors.Wrap(rootfs.ErrIsDirectory, path)
	}
	return root.Open(ref)
}

func openFile(root *rootfs.Root, what Value) (Value, error) {
	switch f := what.(type) {
	case rootfs.FileRef:
		return root.Open(f)
	case []byte:
		return root.Open(root.NewFile(f))
	}
	return nil, errors.Errorf("%T is not a file", what)
}

func customSections(m *wasm.Module, what Value) (Value, error) {
	name, ok := what.(string)
	if !ok {
		return nil, errors.Errorf("section name is %T, not a string", what)
	}
	if m == nil {
		return []Value{}, nil
	}
	var out []Value
	for _, s := range m.Customs {
		if s.Name == name {
			out = append(out, s.Data)
		}
	}
	if out == nil {
		out = []Value{}
	}
	return out, nil
}
