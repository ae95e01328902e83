package polyglot

import (
	"bytes"
	"fmt"

	"github.com/wahdoc/wah/tar"
	"github.com/wahdoc/wah/wasm"
)

// SectionTar names the trailing custom section that carries the tar stream of
// a module-first artifact. Keeping the stream inside a custom section is what
// lets a conforming runtime accept the whole file as a module.
const SectionTar = "wah_polyglot_tar"

// wasmPrefix is the artifact's first eight bytes: magic and version.
var wasmPrefix = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// The HTML spliced into the initial header of a module-first artifact. The
// data-a attribute opened in the name field swallows the octal header fields;
// it closes in the linkname field, which then exposes the head element inside
// the sniffing window.
const (
	wrapNameHTML     = `<!DOCTYPE html><html data-a="`
	wrapLinknameHTML = `"><head><meta charset=utf-8></head>`
)

const stage0Name = wasm.SectionStage0

// lebLen returns the encoded length of v as LEB128.
func lebLen(v uint32) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

func appendLeb(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

// WrapModule builds the module-first artifact: a file that begins with the
// WebAssembly magic, carries the stage sections, and embeds the file tree as
// a tar stream whose headers sit at 512-byte aligned offsets. stages.Stage0 is
// additional stage-0 payload placed directly after the first block; together
// with the crafted first block it must fit the sniffing window.
func WrapModule(kernelWasm []byte, stages Stages, items []Item) ([]byte, error) {
	if len(stages.Stage0) > tar.BlockSize {
		return nil, fmt.Errorf("polyglot: stage0 payload of %d bytes exceeds the sniffing window", len(stages.Stage0))
	}

	m, err := wasm.DecodeModule(bytes.NewReader(kernelWasm))
	if err != nil {
		return nil, err
	}

	var customs []*wasm.SectionCustom
	if len(stages.Stage1HTML) > 0 {
		customs = append(customs, wasm.NewCustomSection(wasm.SectionStage1HTML, stages.Stage1HTML))
	}
	if len(stages.Stage1) > 0 {
		customs = append(customs, wasm.NewCustomSection(wasm.SectionStage1, stages.Stage1))
	}
	if len(stages.Stage2) > 0 {
		customs = append(customs, wasm.NewCustomSection(wasm.SectionStage2, stages.Stage2))
	}
	if len(stages.WASIConfig) > 0 {
		customs = append(customs, wasm.NewCustomSection(wasm.SectionWASIConfig, stages.WASIConfig))
	}
	if len(stages.Bindgen) > 0 {
		customs = append(customs, wasm.NewCustomSection(wasm.SectionBindgen, stages.Bindgen))
	}
	if err := m.PrependCustomSections(customs...); err != nil {
		return nil, err
	}
	if m.Custom(stage0Name) != nil {
		return nil, wasm.DuplicateSectionError(stage0Name)
	}

	var restBuf bytes.Buffer
	if err := encodeSections(&restBuf, m); err != nil {
		return nil, err
	}
	rest := restBuf.Bytes()

	// The stage-0 section covers the first block from its payload start to
	// the block end, plus the caller's extra payload. Its encoded length
	// feeds back into the prefix layout, so iterate to a fixpoint.
	extra := stages.Stage0
	sizeLeb := 1
	var payloadStart int
	for {
		payloadStart = len(wasmPrefix) + 1 + sizeLeb + 1 + len(stage0Name)
		payloadLen := (tar.BlockSize - payloadStart) + len(extra)
		sectionSize := 1 + len(stage0Name) + payloadLen
		if n := lebLen(uint32(sectionSize)); n != sizeLeb {
			sizeLeb = n
			continue
		}
		break
	}
	payloadLen := (tar.BlockSize - payloadStart) + len(extra)
	sectionSize := 1 + len(stage0Name) + payloadLen

	prefix := make([]byte, 0, payloadStart)
	prefix = append(prefix, wasmPrefix...)
	prefix = append(prefix, byte(wasm.SectionIDCustom))
	prefix = appendLeb(prefix, uint32(sectionSize))
	prefix = append(prefix, byte(len(stage0Name)))
	prefix = append(prefix, stage0Name...)

	if len(prefix)+len(wrapNameHTML) > 100 {
		return nil, fmt.Errorf("polyglot: stage0 prefix of %d bytes does not fit the name field", len(prefix)+len(wrapNameHTML))
	}

	// Build the tar stream the escapes land in.
	var engine tar.Engine
	var stream bytes.Buffer
	for _, item := range items {
		var esc tar.EscapedData
		var err error
		switch {
		case item.Entry != nil:
			esc, err = engine.EscapedBase64(*item.Entry)
		case item.External != nil:
			esc, err = engine.EscapedExternal(*item.External)
		default:
			err = fmt.Errorf("polyglot: empty pack item")
		}
		if err != nil {
			return nil, err
		}
		stream.Write(esc.Padding)
		stream.Write(esc.Header.Bytes())
		stream.Write(esc.File.Bytes())
		stream.Write(esc.Data)
	}
	eof := engine.EscapedEOF()
	stream.Write(eof.Padding)
	var zero tar.Header
	stream.Write(zero.Bytes())
	stream.Write(zero.Bytes())
	stream.Write(eof.Data)

	// Place the stream inside a trailing custom section so the module stays
	// well formed, padded so the first escape header is block aligned.
	preLen := tar.BlockSize + len(extra) + len(rest)
	tarLeb := 1
	var firstEscape, tarHdrLen int
	for {
		tarHdrLen = 1 + tarLeb + 1 + len(SectionTar)
		firstEscape = (preLen + tarHdrLen + tar.BlockSize - 1) &^ (tar.BlockSize - 1)
		tarSize := 1 + len(SectionTar) + (firstEscape - preLen - tarHdrLen) + stream.Len()
		if n := lebLen(uint32(tarSize)); n != tarLeb {
			tarLeb = n
			continue
		}
		break
	}
	tarPad := firstEscape - preLen - tarHdrLen
	tarSize := 1 + len(SectionTar) + tarPad + stream.Len()

	// Craft the first block: simultaneously the wasm prefix with the stage-0
	// section opening, an HTML head, and a tar extension header that skips
	// everything up to the first escape.
	var block0 tar.Header
	copy(block0.Name[:], prefix)
	copy(block0.Name[len(prefix):], wrapNameHTML)
	block0.Typeflag = tar.TypeExtension
	copy(block0.Linkname[:], wrapLinknameHTML)
	block0.SetSize(firstEscape - tar.BlockSize)
	block0.SetPermissionMeta()
	block0.SetChecksum()

	var out bytes.Buffer
	out.Write(block0.Bytes())
	out.Write(extra)
	out.Write(rest)
	out.WriteByte(byte(wasm.SectionIDCustom))
	appendLebTo(&out, uint32(tarSize))
	out.WriteByte(byte(len(SectionTar)))
	out.WriteString(SectionTar)
	out.Write(make([]byte, tarPad))
	out.Write(stream.Bytes())

	if got := out.Len() - stream.Len(); got != firstEscape {
		return nil, fmt.Errorf("polyglot: internal layout error, first escape at %d, expected %d", got, firstEscape)
	}

	return out.Bytes(), nil
}

func appendLebTo(buf *bytes.Buffer, v uint32) {
	buf.Write(appendLeb(nil, v))
}

// encodeSections writes the module's sections without the magic and version.
func encodeSections(out *bytes.Buffer, m *wasm.Module) error {
	var payload bytes.Buffer
	for _, s := range m.Sections {
		payload.Reset()
		if err := s.WritePayload(&payload); err != nil {
			return err
		}
		out.WriteByte(byte(s.SectionID()))
		appendLebTo(out, uint32(payload.Len()))
		out.Write(payload.Bytes())
	}
	return nil
}

// WrappedFile is a file recovered from a module-first artifact.
type WrappedFile struct {
	Header tar.Header
	Data   []byte
	// URL is set for external references; Data is then empty until stage 1
	// resolves the reference.
	URL      string
	Realsize int64
}

// Name returns the file's path from its header.
func (f *WrappedFile) Name() string {
	name := f.Header.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// ExtractWrapped walks the tar stream of a module-first artifact and returns
// the embedded files.
func ExtractWrapped(artifact []byte) ([]WrappedFile, error) {
	var d tar.Decompiler
	if _, err := d.StartOfWrapped(artifact); err != nil {
		return nil, err
	}

	var files []WrappedFile
	next := d.NextEscape
	for {
		esc, err := next(artifact)
		if err != nil {
			return nil, err
		}
		next = d.ContinueEscape

		switch esc := esc.(type) {
		case tar.EscapeEntry:
			if esc.Data.End > len(artifact) {
				return nil, tar.ErrTruncatedArchive
			}
			file := WrappedFile{Header: esc.Header}
			if url, realsize, ok := tar.ExternalRef(&esc.Header); ok {
				file.URL, file.Realsize = url, realsize
			} else if data, ok := tar.FileData(&esc.Header, artifact[esc.Data.Start:esc.Data.End]); ok {
				file.Data = data
			}
			files = append(files, file)
		case tar.EscapeEnd:
			// Raw HTML between runs carries no files; the next escape
			// starts a fresh run.
			next = d.NextEscape
		case tar.EscapeEOF:
			return files, nil
		}
	}
}
