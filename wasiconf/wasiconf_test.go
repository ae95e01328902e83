package wasiconf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahdoc/wah/rootfs"
)

func TestSetConfigurationSeed(t *testing.T) {
	a := NewAssembler()
	value := a.Const(42)
	key := a.String("seed")
	a.Set(SlotConfiguration, key, value)

	cfg := NewConfig()
	ops, err := Eval(a.Assemble(), Env{Config: cfg})
	require.NoError(t, err)

	assert.Equal(t, int64(42), cfg.Get("seed"))
	// Each of the three instructions pushed exactly one result.
	assert.Len(t, ops, ReservedSlots+3)
}

func TestReservedSlots(t *testing.T) {
	ops, err := Eval(nil, Env{})
	require.NoError(t, err)
	require.Len(t, ops, ReservedSlots)

	assert.IsType(t, &Config{}, ops[SlotConfiguration])
	assert.Equal(t, Builtin(OpSkip), ops[1])
	assert.Equal(t, Builtin(OpFunction), ops[15])
	assert.Nil(t, ops[16])
	assert.Equal(t, Undefined{}, ops[SlotUndefined])
}

func TestBuildFilesystem(t *testing.T) {
	a := NewAssembler()

	hello := a.Array([]byte("hi"))
	file := a.File(hello)

	dir := a.Directory(SlotUndefined)
	name := a.String("hello.txt")
	a.Set(dir, name, file)

	where := a.String("/")
	preopen := a.PreopenDirectory(where, dir)

	fds := a.String("fds")
	fdsSlot := a.Get(SlotConfiguration, fds)
	three := a.Const(3)
	a.Set(fdsSlot, three, preopen)

	cfg := NewConfig()
	root := rootfs.NewRoot()
	_, err := Eval(a.Assemble(), Env{Config: cfg, Root: root})
	require.NoError(t, err)

	pre, ok := cfg.RootPreopen()
	require.True(t, ok)
	assert.Equal(t, "/", pre.GuestPath)

	n, found := pre.Dir.Lookup("hello.txt")
	require.True(t, found)
	ref, ok := n.(rootfs.FileRef)
	require.True(t, ok)
	data, err := ref.Data()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestPathOpenAndStdio(t *testing.T) {
	a := NewAssembler()

	dir := a.Directory(SlotUndefined)
	stdinName := a.String("proc/0/fd/0")
	stdin := a.PathOpen(dir, 0, stdinName, 1)

	fds := a.Get(SlotConfiguration, a.String("fds"))
	a.Set(fds, a.Const(0), stdin)

	cfg := NewConfig()
	_, err := Eval(a.Assemble(), Env{Config: cfg})
	require.NoError(t, err)

	_, ok := cfg.FDs[0].(*rootfs.OpenFile)
	assert.True(t, ok)
}

func TestPathOpenMissingWithoutCreate(t *testing.T) {
	a := NewAssembler()
	dir := a.Directory(SlotUndefined)
	name := a.String("absent")
	a.PathOpen(dir, 0, name, 0)

	_, err := Eval(a.Assemble(), Env{})
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.ErrorIs(t, evalErr, rootfs.ErrNotFound)
}

func TestAbortSurfacesPartialOps(t *testing.T) {
	a := NewAssembler()
	a.String("first")
	a.Raw(99, 0) // unknown opcode
	a.String("never")

	ops, err := Eval(a.Assemble(), Env{})
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, uint32(99), evalErr.Op)

	// One instruction ran before the abort; its result is visible.
	require.Len(t, ops, ReservedSlots+1)
	assert.Equal(t, "first", ops[ReservedSlots])
	assert.Equal(t, ops, evalErr.Ops)
}

func TestSkipAdvancesOverWords(t *testing.T) {
	a := NewAssembler()
	a.Skip(3)
	a.Raw(0xdead, 0xbeef, 0xffff) // stepped over, never decoded
	a.String("after")

	ops, err := Eval(a.Assemble(), Env{})
	require.NoError(t, err)
	require.Len(t, ops, ReservedSlots+2)
	assert.Equal(t, Undefined{}, ops[ReservedSlots])
	assert.Equal(t, "after", ops[ReservedSlots+1])
}

func TestJSONAndNoop(t *testing.T) {
	a := NewAssembler()
	slot, err := a.JSON(map[string]interface{}{"answer": 42.0})
	require.NoError(t, err)
	a.Noop()
	key := a.String("answer")
	a.Get(slot, key)

	ops, evalErr := Eval(a.Assemble(), Env{})
	require.NoError(t, evalErr)

	obj := ops[slot].(map[string]Value)
	assert.Equal(t, 42.0, obj["answer"])
	assert.Equal(t, map[string]Value{}, ops[slot+1])
	assert.Equal(t, 42.0, ops[len(ops)-1])
}

func TestFunctionOpcode(t *testing.T) {
	a := NewAssembler()
	src := a.String("() => 1")
	a.Function(src)

	ops, err := Eval(a.Assemble(), Env{})
	require.NoError(t, err)
	assert.Equal(t, UnsafeFunction{Source: "() => 1"}, ops[len(ops)-1])
}

func TestDeterminism(t *testing.T) {
	build := func() []byte {
		a := NewAssembler()
		v := a.Const(7)
		k := a.String("n")
		a.Set(SlotConfiguration, k, v)
		a.Noop()
		return a.Assemble()
	}

	section := build()
	first, err := Eval(section, Env{})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Eval(section, Env{})
		require.NoError(t, err)
		require.Equal(t, len(first), len(again))
		assert.Equal(t, first[len(first)-1], again[len(again)-1])
	}
}

func TestInstructionCountInvariant(t *testing.T) {
	a := NewAssembler()
	a.Const(1)
	a.Const(2)
	a.String("three")
	a.Noop()

	ops, err := Eval(a.Assemble(), Env{})
	require.NoError(t, err)
	assert.Equal(t, 4, len(ops)-ReservedSlots)
}
