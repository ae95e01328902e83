package polyglot

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahdoc/wah/tar"
	"github.com/wahdoc/wah/wasm"
)

const sourceHTML = `<!DOCTYPE html><html lang=en><head><title>wah</title><template id="WAH_POLYGLOT_HTML_PLUS_TAR_CONTENT"></template></head><body><script id="WAH_POLYGLOT_HTML_PLUS_TAR_STAGE0"></script><p>hello</p></body></html>`

func minimalWasm() []byte {
	return []byte{
		0x00, 0x61, 0x73, 0x6d,
		0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
	}
}

func testItems() []Item {
	return []Item{
		{Entry: &tar.Entry{Name: "hello.txt", Data: []byte("hi")}},
		{Entry: &tar.Entry{Name: "dir/a.bin", Data: []byte{0x01, 0x02}}},
		{Entry: &tar.Entry{Name: "boot/wah-init.wasm", Data: minimalWasm()}},
	}
}

func TestPrepareTarStructure(t *testing.T) {
	source := ParseSource(sourceHTML)
	s, err := source.PrepareTarStructure()
	require.NoError(t, err)

	assert.Equal(t, len("<!DOCTYPE html><html lang=en>"), s.HTMLInsertionPoint)
	assert.Contains(t, source.Slice(s.Insertion), IDTarContent)
	assert.Contains(t, source.Slice(s.Stage0), IDTarStage0)
	assert.Less(t, s.Insertion.End, s.Stage0.Start)
}

func TestPrepareTarStructureSynthesises(t *testing.T) {
	source := ParseSource(`<!DOCTYPE html><html><head><title>t</title></head><body><p>x</p></body></html>`)
	s, err := source.PrepareTarStructure()
	require.NoError(t, err)

	assert.Contains(t, source.Text(), IDTarContent)
	assert.Contains(t, source.Text(), IDTarStage0)
	assert.Less(t, s.Insertion.End, s.Stage0.Start)
}

func TestPrepareTarStructureNoHTML(t *testing.T) {
	_, err := ParseSource(`just text`).PrepareTarStructure()
	var missing *MissingNodeError
	require.ErrorAs(t, err, &missing)
}

func TestPackDocumentRecovers(t *testing.T) {
	packed, err := PackDocument(ParseSource(sourceHTML), testItems(), []byte("/*stage0*/"))
	require.NoError(t, err)

	// The packed document still reads as the page.
	assert.True(t, bytes.HasPrefix(packed[1:], []byte("<!DOCTYPE html>")) ||
		bytes.Contains(packed[:tar.BlockSize], []byte("<!DOCTYPE html>")))
	assert.Contains(t, string(packed), "/*stage0*/")

	// Scanning the DOM recovers every embedded file.
	files := ParseSource(string(packed)).FileElements()
	require.Len(t, files, len(testItems()))

	byName := map[string][]byte{}
	for i := range files {
		byName[files[i].Name()] = files[i].Content
	}
	assert.Equal(t, []byte("hi"), byName["hello.txt"])
	assert.Equal(t, []byte{0x01, 0x02}, byName["dir/a.bin"])
	assert.Equal(t, minimalWasm(), byName["boot/wah-init.wasm"])
}

func TestPackDocumentTarWalk(t *testing.T) {
	packed, err := PackDocument(ParseSource(sourceHTML), testItems(), nil)
	require.NoError(t, err)

	var d tar.Decompiler
	_, err = d.StartOfFile(packed)
	require.NoError(t, err)

	var names []string
	next := d.NextEscape
	for {
		esc, err := next(packed)
		require.NoError(t, err)
		next = d.ContinueEscape

		entry, ok := esc.(tar.EscapeEntry)
		if !ok {
			break
		}
		var f WrappedFile
		f.Header = entry.Header
		names = append(names, f.Name())

		data, ok := tar.FileData(&entry.Header, packed[entry.Data.Start:entry.Data.End])
		require.True(t, ok)
		size, err := entry.Header.ParseSize()
		require.NoError(t, err)
		assert.Equal(t, int(size), entry.Data.End-entry.Data.Start, "octal size matches encoded payload")
		_ = data
	}
	assert.Equal(t, []string{"hello.txt", "dir/a.bin", "boot/wah-init.wasm"}, names)
}

func TestSplitTarContentsCleansDocument(t *testing.T) {
	packed, err := PackDocument(ParseSource(sourceHTML), testItems(), []byte("/*stage0*/"))
	require.NoError(t, err)

	source := ParseSource(string(packed))
	files, err := source.SplitTarContents()
	require.NoError(t, err)
	require.Len(t, files, 3)

	cleaned := source.Text()
	assert.NotContains(t, cleaned, DataClass)
	assert.NotContains(t, cleaned, "data-a=")
	assert.Contains(t, cleaned, "<p>hello</p>")
}

func TestRebuildRoundTrip(t *testing.T) {
	packed, err := PackDocument(ParseSource(sourceHTML), testItems(), []byte("/*stage0*/"))
	require.NoError(t, err)

	// Simulate a browser save: NULs replaced by replacement characters.
	mangled := strings.ReplaceAll(string(packed), "\x00", "�")

	rebuilt, err := Rebuild(ParseSource(mangled))
	require.NoError(t, err)

	files := ParseSource(string(rebuilt)).FileElements()
	byName := map[string][]byte{}
	for i := range files {
		byName[files[i].Name()] = files[i].Content
	}
	assert.Equal(t, []byte("hi"), byName["hello.txt"])
	assert.Equal(t, minimalWasm(), byName["boot/wah-init.wasm"])
}

func TestFinalizeKernel(t *testing.T) {
	out, err := FinalizeKernel(minimalWasm(), Stages{
		Stage1: []byte("s1"),
		Stage2: []byte("s2"),
	})
	require.NoError(t, err)

	m, err := wasm.DecodeModule(bytes.NewReader(out))
	require.NoError(t, err)
	require.NotNil(t, m.Custom(wasm.SectionStage1))
	require.NotNil(t, m.Custom(wasm.SectionStage2))
	assert.Nil(t, m.Custom(wasm.SectionWASIConfig))

	_, err = FinalizeKernel(minimalWasm(), Stages{Stage1: []byte("s1")})
	require.Error(t, err)
}

func TestWrapModuleInvariants(t *testing.T) {
	kernel, err := FinalizeKernel(minimalWasm(), Stages{
		Stage1: []byte("loader"),
		Stage2: []byte("init"),
	})
	require.NoError(t, err)

	artifact, err := WrapModule(kernel, Stages{Stage0: []byte("<body>boot</body>")}, testItems())
	require.NoError(t, err)

	// (a) parses as a module with the original non-custom sections intact.
	m, err := wasm.DecodeModule(bytes.NewReader(artifact))
	require.NoError(t, err)
	orig, err := wasm.DecodeModule(bytes.NewReader(minimalWasm()))
	require.NoError(t, err)

	var rawSections [][]byte
	for _, s := range m.Sections {
		if s.SectionID() != wasm.SectionIDCustom {
			rawSections = append(rawSections, s.GetRawSection().Bytes)
		}
	}
	require.Len(t, rawSections, 3)
	for i, s := range orig.Sections {
		assert.Equal(t, s.GetRawSection().Bytes, rawSections[i])
	}
	require.NotNil(t, m.Custom(wasm.SectionStage0))
	require.NotNil(t, m.Custom(SectionTar))

	// (b) the tar walk recovers the file tree byte for byte.
	files, err := ExtractWrapped(artifact)
	require.NoError(t, err)
	require.Len(t, files, 3)
	byName := map[string][]byte{}
	for i := range files {
		byName[files[i].Name()] = files[i].Data
	}
	assert.Equal(t, []byte("hi"), byName["hello.txt"])
	assert.Equal(t, minimalWasm(), byName["boot/wah-init.wasm"])

	// (c) the prefix reads as HTML within the sniffing window.
	window := artifact[:Stage0Window]
	assert.Contains(t, string(window), "<!DOCTYPE html>")
	assert.Contains(t, string(window), "<head>")
	assert.Contains(t, string(window), "<body>boot</body>")

	// The first eight bytes are the wasm magic and version.
	assert.Equal(t, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, artifact[:8])
}

func TestWrapModuleExternal(t *testing.T) {
	items := []Item{
		{External: &tar.External{Name: "asset", Realsize: 16, Reference: "https://example/asset"}},
	}
	artifact, err := WrapModule(minimalWasm(), Stages{}, items)
	require.NoError(t, err)

	files, err := ExtractWrapped(artifact)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "https://example/asset", files[0].URL)
	assert.Equal(t, int64(16), files[0].Realsize)
	assert.Empty(t, files[0].Data)
}

func TestWrapModuleStage0Window(t *testing.T) {
	_, err := WrapModule(minimalWasm(), Stages{Stage0: make([]byte, tar.BlockSize+1)}, nil)
	require.Error(t, err)
}
