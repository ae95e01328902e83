package tar

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderAttributesRoundTrip(t *testing.T) {
	attrs := Attributes{
		Mtime:    time.Unix(1234, 0).UTC(),
		Uname:    "alice",
		Gname:    "bob",
		Devmajor: 42,
		Devminor: 24,
	}

	var header Header
	require.NoError(t, header.SetAttributes(attrs))
	header.SetChecksum()

	after := header.ParseAttributes()
	assert.Equal(t, attrs.Mtime, after.Mtime)
	assert.Equal(t, attrs.Uname, after.Uname)
	assert.Equal(t, attrs.Gname, after.Gname)
	assert.Equal(t, attrs.Devmajor, after.Devmajor)
	assert.Equal(t, attrs.Devminor, after.Devminor)
}

func TestHeaderSizeField(t *testing.T) {
	var h Header
	h.SetSize(21)
	size, err := h.ParseSize()
	require.NoError(t, err)
	assert.Equal(t, int64(21), size)

	copy(h.Size[:], "0000000q\x00")
	_, err = h.ParseSize()
	assert.Equal(t, ErrBadHeader, err)

	var zero Header
	size, err = zero.ParseSize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestCheckAttributeSafe(t *testing.T) {
	assert.NoError(t, CheckAttributeSafe("boot/wah-init.wasm"))
	assert.Equal(t, ErrNameNotASCII, CheckAttributeSafe("h\xc3\xa9llo"))
	assert.Equal(t, ErrNameHasHTMLEscapes, CheckAttributeSafe(`a"b`))
}

func TestHeaderBlockRoundTrip(t *testing.T) {
	var h Header
	copy(h.Name[:], "dir/a.bin")
	h.Typeflag = TypeExtension
	h.SetSize(4)
	h.SetPermissionMeta()
	h.SetChecksum()

	b := h.Bytes()
	require.Len(t, b, BlockSize)

	var again Header
	require.NoError(t, again.SetFromBytes(b))
	assert.Equal(t, h, again)

	var short Header
	assert.Equal(t, ErrTruncatedArchive, short.SetFromBytes(b[:100]))
}

// buildStream assembles a full polyglot stream around the given head and
// entries, the way the packer lays one out.
func buildStream(t *testing.T, head string, entryOffset int, tail string, entries []Entry, externals []External) []byte {
	t.Helper()

	var e Engine
	var out bytes.Buffer

	init, err := e.StartOfFile([]byte(head), entryOffset)
	require.NoError(t, err)
	out.Write(init.Header.Bytes())
	out.Write(init.Extra)
	out.WriteString(tail)

	for _, entry := range entries {
		esc, err := e.EscapedBase64(entry)
		require.NoError(t, err)
		out.Write(esc.Padding)
		out.Write(esc.Header.Bytes())
		out.Write(esc.File.Bytes())
		out.Write(esc.Data)
	}
	for _, ext := range externals {
		esc, err := e.EscapedExternal(ext)
		require.NoError(t, err)
		out.Write(esc.Padding)
		out.Write(esc.Header.Bytes())
		out.Write(esc.File.Bytes())
		out.Write(esc.Data)
	}

	eof := e.EscapedEOF()
	out.Write(eof.Padding)
	out.Write(zeroBlock[:])
	out.Write(zeroBlock[:])
	out.Write(eof.Data)

	return out.Bytes()
}

func TestEngineDecompilerRoundTrip(t *testing.T) {
	head := "<!DOCTYPE html><html lang=en>"
	entries := []Entry{
		{Name: "hello.txt", Data: []byte("hi")},
		{Name: "dir/a.bin", Data: []byte{0x01, 0x02}},
		{Name: "boot/wah-init.wasm", Data: bytes.Repeat([]byte{0xAB}, 700)},
	}
	tail := "<head></head>"
	stream := buildStream(t, head, len(head)+len(tail), tail, entries, nil)

	var d Decompiler
	initial, err := d.StartOfFile(stream)
	require.NoError(t, err)
	assert.Less(t, initial.Header.Start, initial.Header.End)
	assert.Less(t, initial.Continues.Start, initial.Continues.End)

	var got []Entry
	next := d.NextEscape
	for {
		esc, err := next(stream)
		require.NoError(t, err)
		next = d.ContinueEscape

		entry, ok := esc.(EscapeEntry)
		if !ok {
			_, isEOF := esc.(EscapeEOF)
			require.True(t, isEOF)
			break
		}

		data, ok := FileData(&entry.Header, stream[entry.Data.Start:entry.Data.End])
		require.True(t, ok)
		got = append(got, Entry{Name: cstr(entry.Header.Name[:]), Data: data})
	}

	require.Len(t, got, len(entries))
	for i, want := range entries {
		assert.Equal(t, want.Name, got[i].Name)
		assert.Equal(t, want.Data, got[i].Data)
	}
}

func TestHeadersBlockAligned(t *testing.T) {
	head := "<!doctype html><html>"
	entries := []Entry{
		{Name: "a", Data: []byte("x")},
		{Name: "b", Data: bytes.Repeat([]byte("y"), 513)},
	}
	stream := buildStream(t, head, len(head), "", entries, nil)

	// Walk the stream again, checking that every escape's data range starts
	// right after two aligned header blocks.
	var d Decompiler
	_, err := d.StartOfFile(stream)
	require.NoError(t, err)

	next := d.NextEscape
	for {
		esc, err := next(stream)
		require.NoError(t, err)
		next = d.ContinueEscape

		entry, ok := esc.(EscapeEntry)
		if !ok {
			break
		}
		require.Equal(t, 0, (entry.Data.Start)%BlockSize, "payload starts at a block boundary")
	}
}

func TestExternalEntries(t *testing.T) {
	externals := []External{{
		Name:      "assets/logo.bin",
		Realsize:  16,
		Reference: "https://example/asset",
	}}
	head := "<!doctype html><html>"
	stream := buildStream(t, head, len(head), "", nil, externals)

	var d Decompiler
	_, err := d.StartOfFile(stream)
	require.NoError(t, err)

	esc, err := d.NextEscape(stream)
	require.NoError(t, err)
	entry, ok := esc.(EscapeEntry)
	require.True(t, ok)

	_, inline := FileData(&entry.Header, nil)
	assert.False(t, inline)

	url, realsize, ok := ExternalRef(&entry.Header)
	require.True(t, ok)
	assert.Equal(t, "https://example/asset", url)
	assert.Equal(t, int64(16), realsize)
}

func TestDecompilerTruncated(t *testing.T) {
	var d Decompiler
	_, err := d.StartOfFile(make([]byte, 100))
	assert.Equal(t, ErrTruncatedArchive, err)

	head := "<!doctype html><html>"
	stream := buildStream(t, head, len(head), "", []Entry{{Name: "a", Data: []byte("x")}}, nil)

	var d2 Decompiler
	_, err = d2.StartOfFile(stream)
	require.NoError(t, err)
	_, err = d2.NextEscape(stream[:BlockSize+64])
	assert.Equal(t, ErrTruncatedArchive, err)
}

func TestEngineNameChecks(t *testing.T) {
	var e Engine
	_, err := e.EscapedBase64(Entry{Name: `bad"name`, Data: nil})
	assert.Equal(t, ErrNameHasHTMLEscapes, err)

	long := make([]byte, 95)
	for i := range long {
		long[i] = 'n'
	}
	_, err = e.EscapedBase64(Entry{Name: string(long), Data: nil})
	assert.Error(t, err)
}

func TestStartOfFileAddsDoctype(t *testing.T) {
	var e Engine
	init, err := e.StartOfFile([]byte("<html>"), 6)
	require.NoError(t, err)

	name := init.Header.Name
	assert.Equal(t, byte(0), name[0])
	assert.Contains(t, string(name[1:]), "<!DOCTYPE html>")
	assert.Contains(t, string(name[1:]), ` data-a="`)
}
