// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/wahdoc/wah/wasm/internal/readpos"
	"github.com/wahdoc/wah/wasm/leb128"
)

var ErrInvalidMagic = errors.New("magic header not detected")

const (
	Magic   uint32 = 0x6d736100
	Version uint32 = 0x1
)

// Names of the polyglot stage sections. The loader protocol looks these up by
// exact name; CustomUnique and PrependCustomSections enforce the multiplicity
// rules, while Custom returns the first match.
const (
	SectionStage0     = "wah_polyglot_stage0"
	SectionStage1HTML = "wah_polyglot_stage1_html"
	SectionStage1     = "wah_polyglot_stage1"
	SectionStage2     = "wah_polyglot_stage2"
	SectionWASIConfig = "wah_wasi_config"
	SectionBindgen    = "wah_polyglot_wasm_bindgen"
)

// Module represents a parsed WebAssembly module:
// http://webassembly.org/docs/modules/
type Module struct {
	Version  uint32
	Sections []Section
	Customs  []*SectionCustom
}

// Custom returns the first custom section with a specific name, if it exists.
func (m *Module) Custom(name string) *SectionCustom {
	for _, s := range m.Customs {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// CustomUnique returns the custom section with the given name. It returns nil
// when the section is absent and DuplicateSectionError when it occurs more
// than once.
func (m *Module) CustomUnique(name string) (*SectionCustom, error) {
	var found *SectionCustom
	for _, s := range m.Customs {
		if s.Name != name {
			continue
		}
		if found != nil {
			return nil, DuplicateSectionError(name)
		}
		found = s
	}
	return found, nil
}

// PrependCustomSections inserts the given custom sections at the front of the
// module's section list, directly after the magic and version. A conforming
// runtime skips unknown custom sections, so the augmented module stays
// equivalent to the original.
func (m *Module) PrependCustomSections(customs ...*SectionCustom) error {
	seen := make(map[string]bool, len(m.Customs)+len(customs))
	for _, c := range m.Customs {
		seen[c.Name] = true
	}
	for _, c := range customs {
		if seen[c.Name] {
			return DuplicateSectionError(c.Name)
		}
		seen[c.Name] = true
	}

	sections := make([]Section, 0, len(m.Sections)+len(customs))
	for _, c := range customs {
		sections = append(sections, c)
	}
	m.Sections = append(sections, m.Sections...)

	prepended := make([]*SectionCustom, 0, len(m.Customs)+len(customs))
	prepended = append(prepended, customs...)
	m.Customs = append(prepended, m.Customs...)
	return nil
}

// DecodeModule decodes a WASM module.
func DecodeModule(r io.Reader) (*Module, error) {
	reader := &readpos.ReadPos{
		R:      r,
		CurPos: 0,
	}
	m := &Module{}
	magic, err := readU32(reader)
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	if m.Version, err = readU32(reader); err != nil {
		return nil, err
	}
	if m.Version != Version {
		return nil, errors.New("unknown binary version")
	}

	err = newSectionsReader(m).readSections(reader)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// MustDecode decodes a WASM module and panics on failure.
func MustDecode(r io.Reader) *Module {
	m, err := DecodeModule(r)
	if err != nil {
		panic(fmt.Errorf("decoding module: %w", err))
	}
	return m
}

// EncodeModule writes the module in binary form: magic, version, then each
// section as id, payload length, payload.
func EncodeModule(w io.Writer, m *Module) error {
	if err := writeU32(w, Magic); err != nil {
		return err
	}
	version := m.Version
	if version == 0 {
		version = Version
	}
	if err := writeU32(w, version); err != nil {
		return err
	}

	var payload bytes.Buffer
	for _, s := range m.Sections {
		payload.Reset()
		if err := s.WritePayload(&payload); err != nil {
			return err
		}
		if _, err := w.Write([]byte{byte(s.SectionID())}); err != nil {
			return err
		}
		if _, err := leb128.WriteVarUint32(w, uint32(payload.Len())); err != nil {
			return err
		}
		if _, err := w.Write(payload.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// AppendModule returns the module appended to buf in binary form.
func AppendModule(buf []byte, m *Module) ([]byte, error) {
	var b bytes.Buffer
	if err := EncodeModule(&b, m); err != nil {
		return nil, err
	}
	return append(buf, b.Bytes()...), nil
}
