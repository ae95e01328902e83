package tar

import (
	"bytes"

	"github.com/wahdoc/wah/b64"
)

// Range is a half-open byte range into the source document.
type Range struct {
	Start int
	End   int
}

// ParsedInitial locates the pieces of the initial escape: the original HTML
// head inside the first header block and where the document continues.
type ParsedInitial struct {
	Header    Range
	Continues Range
}

// Escape is one step of walking the escape blocks: an embedded entry, the end
// of a run of escapes, or the archive EOF sentinel.
type Escape interface {
	isEscape()
}

// EscapeEntry is an embedded file: its header and the range of its encoded
// payload.
type EscapeEntry struct {
	Header Header
	Data   Range
}

// EscapeEnd marks the end of a run of escape blocks; HTMLData is raw document
// content that follows before the next run.
type EscapeEnd struct {
	HTMLData Range
}

// EscapeEOF marks the archive EOF sentinel pair. End is the offset just past
// it.
type EscapeEOF struct {
	End int
}

func (EscapeEntry) isEscape() {}
func (EscapeEnd) isEscape()   {}
func (EscapeEOF) isEscape()   {}

// Decompiler walks a polyglot tar stream written by the Engine and splits it
// back into its constituent parts.
type Decompiler struct {
	len int64
}

// StartOfFile parses the initial escape header at the start of data.
func (d *Decompiler) StartOfFile(data []byte) (ParsedInitial, error) {
	if len(data) < BlockSize {
		return ParsedInitial{}, ErrTruncatedArchive
	}

	var this Header
	if err := this.SetFromBytes(data[:BlockSize]); err != nil {
		return ParsedInitial{}, err
	}
	if this.Typeflag != TypeExtension {
		return ParsedInitial{}, ErrNotAStart
	}

	size, err := this.ParseSize()
	if err != nil {
		return ParsedInitial{}, err
	}
	d.len += BlockSize
	d.len += size

	// We ended the original header data before its closing tag and then
	// appended the attribute introducer to it.
	nul := bytes.IndexByte(this.Name[1:], 0)
	if nul < 0 {
		return ParsedInitial{}, ErrNotAStart
	}
	endOfOriginalHeader := nul
	if endOfOriginalHeader <= len(dataEscape) {
		return ParsedInitial{}, ErrNotAStart
	}

	// Now find where the closing tag is. Which is part of the original data
	// since we skipped it otherwise.
	continues := bytes.IndexByte(data[BlockSize:], '>')
	if continues < 0 {
		return ParsedInitial{}, ErrNotAStart
	}

	return ParsedInitial{
		Header:    Range{1, 1 + endOfOriginalHeader - len(dataEscape)},
		Continues: Range{BlockSize + continues, int(d.len)},
	}, nil
}

// StartOfWrapped parses the initial header of a module-first artifact: a
// block whose name field carries the WebAssembly magic and whose size field
// swallows the rest of the module, leaving the walk at the first escape
// header. It returns the parsed header.
func (d *Decompiler) StartOfWrapped(data []byte) (Header, error) {
	if len(data) < BlockSize {
		return Header{}, ErrTruncatedArchive
	}

	var this Header
	if err := this.SetFromBytes(data[:BlockSize]); err != nil {
		return Header{}, err
	}
	if this.Typeflag != TypeExtension {
		return Header{}, ErrNotAStart
	}
	if !bytes.HasPrefix(this.Magic[:], []byte("ustar")) {
		return Header{}, ErrNotAStart
	}

	size, err := this.ParseSize()
	if err != nil {
		return Header{}, err
	}
	d.len += BlockSize
	d.len += size
	return this, nil
}

// NextEscape parses the next escape block pair starting a new run.
func (d *Decompiler) NextEscape(data []byte) (Escape, error) {
	return d.nextDoubleHeader(data)
}

// ContinueEscape parses the next escape inside a run; on EOF it also consumes
// the terminator emitted outside any header.
func (d *Decompiler) ContinueEscape(data []byte) (Escape, error) {
	esc, err := d.nextDoubleHeader(data)
	if err != nil {
		return nil, err
	}

	if eof, ok := esc.(EscapeEOF); ok {
		if len(data) < eof.End+len(terminator) || string(data[eof.End:eof.End+len(terminator)]) != terminator {
			return nil, ErrNotAnExpectedEscape
		}
		eof.End += len(terminator)
		d.len += int64(len(terminator))
		return eof, nil
	}

	return esc, nil
}

// FileData decodes the payload of an entry. Extension and external headers
// carry no inline data.
func FileData(header *Header, data []byte) ([]byte, bool) {
	if header.Typeflag == TypeExtension {
		// This isn't a file, this is a header!
		return nil, false
	}
	if header.Typeflag == TypeExternal {
		// The file was outlined from the document; see ExternalRef.
		return nil, false
	}
	return b64.Decode(data), true
}

// ExternalRef extracts the URL and real size of an external entry.
func ExternalRef(header *Header) (url string, realsize int64, ok bool) {
	if header.Typeflag != TypeExternal {
		return "", 0, false
	}
	url = cstr(header.Linkname[1:])
	realsize, err := parseOctal(header.Prefix[realsizeOffset : realsizeOffset+12])
	if err != nil {
		return "", 0, false
	}
	return url, realsize, true
}

func (d *Decompiler) nextDoubleHeader(data []byte) (Escape, error) {
	d.padToFit()

	if int64(len(data)) < d.len+BlockSize {
		return nil, ErrTruncatedArchive
	}
	rest := data[d.len:]

	var extension Header
	if err := extension.SetFromBytes(rest[:BlockSize]); err != nil {
		return nil, err
	}

	if bytes.HasSuffix(extension.Prefix[:], []byte(terminator)) {
		size, err := extension.ParseSize()
		if err != nil {
			return nil, err
		}
		d.len += BlockSize
		start := int(d.len)
		d.len += size
		return EscapeEnd{HTMLData: Range{start, int(d.len)}}, nil
	}

	if len(rest) < 2*BlockSize {
		return nil, ErrTruncatedArchive
	}

	var file Header
	if err := file.SetFromBytes(rest[BlockSize : 2*BlockSize]); err != nil {
		return nil, err
	}

	// Now check what we are dealing with.
	if extension.IsZero() && file.IsZero() {
		d.len += 2 * BlockSize
		return EscapeEOF{End: int(d.len)}, nil
	}

	size, err := file.ParseSize()
	if err != nil {
		return nil, err
	}

	d.len += 2 * BlockSize
	fileStart := int(d.len)
	// Followed by the data.
	d.len += size
	fileEnd := int(d.len)

	if extension.Typeflag != TypeExtension {
		return nil, ErrNotAnExpectedEscape
	}
	if extSize, err := extension.ParseSize(); err != nil {
		return nil, err
	} else if extSize != 0 {
		return nil, ErrNotAnExpectedEscape
	}

	return EscapeEntry{Header: file, Data: Range{fileStart, fileEnd}}, nil
}

func (d *Decompiler) padToFit() {
	d.len += (-d.len) & (BlockSize - 1)
}
