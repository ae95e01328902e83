package polyglot

import (
	"bytes"
	"fmt"

	"github.com/wahdoc/wah/tar"
	"github.com/wahdoc/wah/wasm"
)

// Stage0Window bounds the encoded size of the prefix an HTML sniffer must be
// able to see: the wasm magic, the stage-0 custom section header, and enough
// of its payload to reach a recognisable head element.
const Stage0Window = 1024

// Stages carries the payloads of the polyglot stage sections. Stage1 and
// Stage2 are required; the others are optional.
type Stages struct {
	Stage0     []byte
	Stage1HTML []byte
	Stage1     []byte
	Stage2     []byte
	WASIConfig []byte
	Bindgen    []byte
}

// FinalizeKernel prepends the stage custom sections to the kernel module.
// The kernel is also the bootloader module: stage0 reads it from the file
// list, stage1 interprets the sections it carries.
func FinalizeKernel(kernelWasm []byte, stages Stages) ([]byte, error) {
	if len(stages.Stage1) == 0 {
		return nil, fmt.Errorf("polyglot: stage1 loader payload is required")
	}
	if len(stages.Stage2) == 0 {
		return nil, fmt.Errorf("polyglot: stage2 init payload is required")
	}

	m, err := wasm.DecodeModule(bytes.NewReader(kernelWasm))
	if err != nil {
		return nil, err
	}

	var customs []*wasm.SectionCustom
	if len(stages.Stage0) > 0 {
		customs = append(customs, wasm.NewCustomSection(wasm.SectionStage0, stages.Stage0))
	}
	if len(stages.Stage1HTML) > 0 {
		customs = append(customs, wasm.NewCustomSection(wasm.SectionStage1HTML, stages.Stage1HTML))
	}
	customs = append(customs, wasm.NewCustomSection(wasm.SectionStage1, stages.Stage1))
	customs = append(customs, wasm.NewCustomSection(wasm.SectionStage2, stages.Stage2))
	if len(stages.WASIConfig) > 0 {
		customs = append(customs, wasm.NewCustomSection(wasm.SectionWASIConfig, stages.WASIConfig))
	}
	if len(stages.Bindgen) > 0 {
		customs = append(customs, wasm.NewCustomSection(wasm.SectionBindgen, stages.Bindgen))
	}

	if err := m.PrependCustomSections(customs...); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := wasm.EncodeModule(&out, m); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Item is one element of the embedded file tree: either an inline entry or an
// external reference.
type Item struct {
	Entry    *tar.Entry
	External *tar.External
}

// PackDocument builds the HTML-carried artifact: the source document with the
// file tree spliced in as escape blocks, and the stage-0 bootstrap script
// replacing (or filling) the marked script element. The emitted text keeps
// every tar header on a 512-byte boundary.
func PackDocument(source *SourceDocument, items []Item, stage0Script []byte) ([]byte, error) {
	structure, err := source.PrepareTarStructure()
	if err != nil {
		return nil, err
	}

	var engine tar.Engine
	var out bytes.Buffer

	head := source.Text()[:structure.HTMLInsertionPoint]

	whereToInsert := structure.Insertion
	whereToEnter := structure.Stage0

	init, err := engine.StartOfFile([]byte(head), whereToInsert.Start)
	if err != nil {
		return nil, err
	}
	out.Write(init.Header.Bytes())
	out.Write(init.Extra)
	out.WriteString(source.Text()[init.Consumed:whereToInsert.Start])

	var pushed []tar.EscapedData
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
		pushed = append(pushed, esc)
	}

	for _, esc := range pushed {
		out.Write(esc.Padding)
		out.Write(esc.Header.Bytes())
		out.Write(esc.File.Bytes())
		out.Write(esc.Data)
	}

	if len(pushed) > 0 {
		eof := engine.EscapedEOF()
		out.Write(eof.Padding)
		var zero tar.Header
		out.Write(zero.Bytes())
		out.Write(zero.Bytes())
		out.Write(eof.Data)
	}

	out.WriteString(source.Text()[whereToInsert.End:whereToEnter.Start])

	if len(stage0Script) > 0 {
		out.WriteString(`<script id=` + IDTarStage0 + `>`)
		out.Write(stage0Script)
		out.WriteString(`</script>`)
	} else {
		// Keep the original script element unchanged. This might be one
		// synthesised by PrepareTarStructure.
		out.WriteString(source.Text()[whereToEnter.Start:whereToEnter.End])
	}

	out.WriteString(source.Text()[whereToEnter.End:])

	return out.Bytes(), nil
}

// Rebuild re-packs a document whose tar structure was destroyed by DOM
// editing: the recovered files go back in as fresh escape blocks.
func Rebuild(source *SourceDocument) ([]byte, error) {
	files, err := source.SplitTarContents()
	if err != nil {
		return nil, err
	}

	var items []Item
	for i := range files {
		file := &files[i]
		name := file.Name()
		if name == "" {
			continue
		}
		if _, _, external := tar.ExternalRef(&file.Header); external {
			// The reference was never inlined; there is nothing to restore.
			continue
		}
		items = append(items, Item{Entry: &tar.Entry{
			Name:       name,
			Data:       file.Content,
			Attributes: file.Attributes(),
		}})
	}

	return PackDocument(source, items, nil)
}

// Name returns the file's path from its header.
func (f *TarFile) Name() string {
	name := f.Header.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}
