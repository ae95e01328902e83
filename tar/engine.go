package tar

import (
	"fmt"

	"github.com/wahdoc/wah/b64"
)

// How the escape blocks read to the two parsers:
//
// Every extension header begins with a NUL byte, so a tar reader sees an
// unnamed 'x' header and skips its fixed-width fields, while the browser sees
// the markup written into the name field. The markup opens a data-a attribute
// that swallows the rest of the header block; the end of the block's prefix
// closes it and opens data-wahtml_id, which takes in the file name of the
// following file header. That header exposes its remaining bytes under
// data-b and opens the element text that carries the base64 payload.

const (
	// dataEscape folds the document head into the initial header's name.
	dataEscape = ` data-a="`
	// commentIntroducer closes the initial tag and comments out the head
	// bytes that the tar view treats as extension payload.
	commentIntroducer = ` comment=">`

	// startName opens the first escape block.
	startName = "\x00<noscript type=none class=\"wah_polyglot_data\" data-a=\""
	// contName closes the previous block and opens the next one.
	contName = "\x00</noscript><noscript type=none class=\"wah_polyglot_data\" data-a=\""

	idIntroducer  = `" data-wahtml_id="`
	idEndCont     = `" data-b="`
	dataStart     = `">`
	terminator    = "</noscript>"
	sentinelStart = "\x00</noscript><noscript type=none>"
	sentinelEnd   = "\x00</noscript>"
)

// Entry is an inline file to embed. Data is raw; the engine re-encodes it.
type Entry struct {
	Name       string
	Data       []byte
	Attributes Attributes
}

// External is a reference to data stored outside the document. The file
// materialises at load time with the fetched bytes.
type External struct {
	Name       string
	Realsize   int64
	Reference  string
	Attributes Attributes
}

// InitialEscape is the mangled HTML prefix reinterpreted as a tar header.
type InitialEscape struct {
	// Header describes the start of the HTML to a tar reader.
	Header Header
	// Consumed is how much of the source HTML the header swallowed.
	Consumed int
	// Extra is payload the engine adds after the header.
	Extra []byte
}

// EscapedData is one embedded file: padding to the block boundary, the
// extension header that transitions into tar semantics, the file header that
// closes the HTML tag, and the encoded payload.
type EscapedData struct {
	Padding []byte
	Header  Header
	File    Header
	Data    []byte
}

// EscapedSentinel ends a run of escape blocks while skipping raw HTML bytes.
type EscapedSentinel struct {
	Padding []byte
	Header  Header
}

var zeroBlock [BlockSize]byte

// Engine turns files into polyglot tar escape blocks, tracking the output
// offset so every header lands on a block boundary.
type Engine struct {
	len       int64
	isEscaped bool
}

// StartOfFile mangles the HTML prefix such that it parses as a tar header.
// Must not modify HTML semantics. entryOffset is the byte offset in the
// source at which embedded data will be inserted.
func (e *Engine) StartOfFile(htmlHead []byte, entryOffset int) (InitialEscape, error) {
	consumed := len(htmlHead)
	head := doctypeSafeHead(htmlHead)

	if len(head) >= 100-len(dataEscape) {
		return InitialEscape{}, fmt.Errorf("tar: html head of %d bytes does not fit the name field", len(head))
	}
	if len(head) == 0 || head[len(head)-1] != '>' {
		return InitialEscape{}, ErrNotAStart
	}
	if entryOffset < consumed {
		return InitialEscape{}, fmt.Errorf("tar: insertion point %d before end of head", entryOffset)
	}

	allExceptClose := len(head) - 1

	var this Header
	copy(this.Name[1:], head[:allExceptClose])
	copy(this.Name[1+allExceptClose:], dataEscape)
	this.Typeflag = TypeExtension

	tailLen := entryOffset - consumed
	// As payload of this extra header, we mark the HTML content as a comment
	// and also close off the tag itself. Technically, a newline is required
	// but really we only care about not having the data interpreted. So
	// having the decompression think it is truncated is fine.
	extra := fmt.Sprintf("%010d%s", len(commentIntroducer)+tailLen, commentIntroducer)

	this.SetSize(len(extra) + tailLen)
	this.SetPermissionMeta()
	this.SetChecksum()

	e.len += BlockSize
	e.len += int64(len(extra))
	e.len += int64(tailLen)

	return InitialEscape{
		Header: this,
		// Extra refers to all the data we are adding. Which isn't anything yet.
		Extra:    []byte(extra),
		Consumed: consumed,
	}, nil
}

// doctypeSafeHead prepends a doctype declaration unless the head already
// carries one. A parser will only reliably recognize the document if the
// doctype precedes any other element, and the tar view puts a NUL byte in
// front of everything else.
func doctypeSafeHead(head []byte) []byte {
	lower := make([]byte, len(head))
	for i, c := range head {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	if contains(lower, []byte("<!doctype")) {
		return head
	}
	owned := make([]byte, 0, 15+len(head))
	owned = append(owned, []byte("<!DOCTYPE html>")...)
	return append(owned, head...)
}

func contains(haystack, needle []byte) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// EscapedBase64 embeds an inline entry, re-encoding its data.
func (e *Engine) EscapedBase64(entry Entry) (EscapedData, error) {
	data := b64.Encode(entry.Data)
	return e.continueQualified(entry.Name, data, func(_, file *Header) error {
		return file.SetAttributes(entry.Attributes)
	})
}

// realsizeOffset is where the octal real size of an external entry sits
// inside the prefix field (byte 452 of the header).
const realsizeOffset = 452 - 345

// EscapedExternal inserts a link to external data.
func (e *Engine) EscapedExternal(ext External) (EscapedData, error) {
	if err := CheckAttributeSafe(ext.Reference); err != nil {
		return EscapedData{}, err
	}
	if len(ext.Reference) >= 99 {
		return EscapedData{}, fmt.Errorf("tar: external reference of %d bytes does not fit the linkname field", len(ext.Reference))
	}
	return e.continueQualified(ext.Name, nil, func(_, file *Header) error {
		if err := file.SetAttributes(ext.Attributes); err != nil {
			return err
		}
		copy(file.Linkname[1:], ext.Reference)
		file.Typeflag = TypeExternal
		copy(file.Prefix[realsizeOffset:realsizeOffset+11], fmt.Sprintf("%011o", ext.Realsize))
		return nil
	})
}

func (e *Engine) continueQualified(name string, data []byte, hook func(this, file *Header) error) (EscapedData, error) {
	if err := CheckAttributeSafe(name); err != nil {
		return EscapedData{}, err
	}
	if len(name)+1+len(idEndCont) > 100 {
		return EscapedData{}, fmt.Errorf("tar: file name of %d bytes does not fit the name field", len(name))
	}

	padding := e.padToFit()

	start := contName
	if !e.isEscaped {
		e.isEscaped = true
		start = startName
	}

	var this Header
	copy(this.Name[:], start)
	this.Typeflag = TypeExtension
	this.SetSize(0)
	this.SetPermissionMeta()
	copy(this.Prefix[len(this.Prefix)-len(idIntroducer):], idIntroducer)
	e.len += BlockSize

	var file Header
	copy(file.Name[:], name)

	// The closing quotation for the attribute covering the file name goes at
	// the very end of the name field. The tar view is unaffected (the NUL
	// terminator is already in place) but the wrapping of the rest of the
	// header then aligns consistently; the attribute covering it closes in
	// the last standard field, prefix.
	contPlace := file.Name[len(name)+1:]
	copy(contPlace[len(contPlace)-len(idEndCont):], idEndCont)
	copy(file.Prefix[len(file.Prefix)-len(dataStart):], dataStart)

	file.SetSize(len(data))
	file.SetPermissionMeta()

	if err := hook(&this, &file); err != nil {
		return EscapedData{}, err
	}

	this.SetChecksum()
	file.SetChecksum()
	e.len += BlockSize

	// Followed by the data.
	e.len += int64(len(data))

	return EscapedData{
		Padding: padding,
		Header:  this,
		File:    file,
		Data:    data,
	}, nil
}

// EscapedEnd ends a sequence of escaped data, with a particular skip of raw
// HTML bytes to follow until the next escape blocks.
func (e *Engine) EscapedEnd(skip int) (EscapedSentinel, error) {
	if !e.isEscaped {
		return EscapedSentinel{}, ErrNotAnExpectedEscape
	}
	padding := e.padToFit()

	var this Header
	copy(this.Name[:], sentinelStart)
	this.SetSize(skip)
	copy(this.Prefix[len(this.Prefix)-len(sentinelEnd):], sentinelEnd)
	this.SetPermissionMeta()
	this.SetChecksum()

	e.isEscaped = false
	e.len += BlockSize
	e.len += int64(skip)

	return EscapedSentinel{Padding: padding, Header: this}, nil
}

// EscapedEOF ends the stream with a tar EOF marker: the sentinel pair of two
// zero headers, closing the open escape element if there is one.
func (e *Engine) EscapedEOF() EscapedData {
	padding := e.padToFit()

	var data []byte
	if e.isEscaped {
		data = []byte(terminator)
		e.isEscaped = false
	}

	e.len += 2 * BlockSize
	e.len += int64(len(data))

	return EscapedData{Padding: padding, Data: data}
}

func (e *Engine) padToFit() []byte {
	pad := (-e.len) & (BlockSize - 1)
	e.len += pad
	return zeroBlock[:pad]
}
