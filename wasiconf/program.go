// Package wasiconf assembles and evaluates the wah_wasi_config custom
// section: a static-assignment program over 32-bit little-endian words that
// constructs the WASI configuration for the launched process. There is no
// control flow beyond skip; every instruction pushes exactly one result onto
// the operand table.
package wasiconf

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Opcodes of the fixed instruction table.
const (
	OpSkip             = 1
	OpString           = 2
	OpJSON             = 3
	OpConst            = 4
	OpArray            = 5
	OpGet              = 6
	OpSet              = 7
	OpFile             = 8
	OpDirectory        = 9
	OpPreopenDirectory = 10
	OpPathOpen         = 11
	OpOpenFile         = 12
	OpSection          = 13
	OpNoop             = 14
	OpFunction         = 15
)

// ReservedSlots is the number of operand slots below the first instruction
// result: slot 0 is the configuration, 1..15 name the builtin operations,
// 16..254 are reserved, 255 is the undefined value.
const ReservedSlots = 256

// SlotConfiguration is the operand slot holding the configuration object.
const SlotConfiguration = 0

// SlotUndefined is the operand slot holding the undefined value.
const SlotUndefined = 255

// Assembler builds a config program. Emitting an instruction returns the
// operand slot its result will occupy at evaluation time.
type Assembler struct {
	words []uint32
	data  []byte
	slots int
}

// NewAssembler returns an empty program.
func NewAssembler() *Assembler {
	return &Assembler{slots: ReservedSlots}
}

func (a *Assembler) emit(op uint32, args ...uint32) int {
	a.words = append(a.words, op, uint32(len(args)))
	a.words = append(a.words, args...)
	slot := a.slots
	a.slots++
	return slot
}

func (a *Assembler) blob(b []byte) (ptr, size uint32) {
	ptr = uint32(len(a.data))
	a.data = append(a.data, b...)
	return ptr, uint32(len(b))
}

// Skip advances the program counter by n extra words, stepping over embedded
// data.
func (a *Assembler) Skip(n int) int {
	return a.emit(OpSkip, uint32(n))
}

// String pushes a UTF-8 string stored in the data segment.
func (a *Assembler) String(s string) int {
	ptr, size := a.blob([]byte(s))
	return a.emit(OpString, ptr, size)
}

// JSON pushes a JSON value stored in the data segment.
func (a *Assembler) JSON(v interface{}) (int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	ptr, size := a.blob(raw)
	return a.emit(OpJSON, ptr, size), nil
}

// Const pushes an integer.
func (a *Assembler) Const(v uint32) int {
	return a.emit(OpConst, v)
}

// Array pushes a byte slice view over the data segment.
func (a *Assembler) Array(b []byte) int {
	ptr, size := a.blob(b)
	return a.emit(OpArray, ptr, size)
}

// Get pushes ops[from][ops[idx]].
func (a *Assembler) Get(from, idx int) int {
	return a.emit(OpGet, uint32(from), uint32(idx))
}

// Set assigns ops[into][ops[idx]] = ops[what] and pushes the assigned value.
func (a *Assembler) Set(into, idx, what int) int {
	return a.emit(OpSet, uint32(into), uint32(idx), uint32(what))
}

// File pushes a file wrapping the bytes at ops[what].
func (a *Assembler) File(what int) int {
	return a.emit(OpFile, uint32(what))
}

// Directory pushes a directory over the name-to-entry mapping at ops[what].
func (a *Assembler) Directory(what int) int {
	return a.emit(OpDirectory, uint32(what))
}

// PreopenDirectory pushes a preopen rooted at ops[where] over the directory
// at ops[what].
func (a *Assembler) PreopenDirectory(where, what int) int {
	return a.emit(OpPreopenDirectory, uint32(where), uint32(what))
}

// PathOpen opens ops[path] within the directory at ops[dir] and pushes the
// open file.
func (a *Assembler) PathOpen(dir int, flags uint32, path int, oflags uint32) int {
	return a.emit(OpPathOpen, uint32(dir), flags, uint32(path), oflags)
}

// OpenFile pushes an open file around the file at ops[what].
func (a *Assembler) OpenFile(what int) int {
	return a.emit(OpOpenFile, uint32(what))
}

// Section pushes the payloads of the custom sections named ops[what].
func (a *Assembler) Section(what int) int {
	return a.emit(OpSection, uint32(what))
}

// Noop pushes an empty object.
func (a *Assembler) Noop() int {
	return a.emit(OpNoop)
}

// Function pushes a callable whose source text is ops[what]. Invoking it is
// gated behind the unsafe-exec capability.
func (a *Assembler) Function(what int) int {
	return a.emit(OpFunction, uint32(what))
}

// Raw appends pre-encoded instruction words, for programs not built through
// the typed emitters.
func (a *Assembler) Raw(words ...uint32) {
	a.words = append(a.words, words...)
}

// Assemble encodes the program: a word count, the instruction words, then
// the data segment.
func (a *Assembler) Assemble() []byte {
	out := make([]byte, 0, 4+4*len(a.words)+len(a.data))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(a.words)))
	for _, w := range a.words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return append(out, a.data...)
}

// Program is a decoded config section.
type Program struct {
	Words []uint32
	Data  []byte
}

// ParseProgram splits a config section into its instruction words and data
// segment. An empty section is the empty program.
func ParseProgram(section []byte) (Program, error) {
	if len(section) == 0 {
		return Program{}, nil
	}
	if len(section) < 4 {
		return Program{}, fmt.Errorf("wasiconf: section of %d bytes is too short", len(section))
	}
	count := binary.LittleEndian.Uint32(section)
	rest := section[4:]
	if uint64(count)*4 > uint64(len(rest)) {
		return Program{}, fmt.Errorf("wasiconf: word count %d exceeds section size", count)
	}
	words := make([]uint32, count)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(rest[4*i:])
	}
	return Program{Words: words, Data: rest[4*count:]}, nil
}
