// Package tar emits and parses the polyglot flavor of pax-extended ustar:
// every header block is 512 bytes, every data payload is base64 text padded
// to the next block boundary, and the bytes of extension headers double as
// HTML markup that a browser parses while a tar reader skips fixed-width
// fields. See the engine for the escape layout.
package tar

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// BlockSize is the tar block length; every header sits at a multiple of it.
const BlockSize = 512

var (
	// ErrBadHeader reports a numeric header field holding non-octal bytes.
	ErrBadHeader = errors.New("tar: bad octal field in header")
	// ErrTruncatedArchive reports a header expected at a block boundary that
	// is shorter than a full block.
	ErrTruncatedArchive = errors.New("tar: truncated archive")
	// ErrNotAStart reports bytes that do not begin a polyglot tar stream.
	ErrNotAStart = errors.New("tar: this does not look like a tar+html header")
	// ErrNotAnExpectedEscape reports an escape sequence ending in an
	// unexpected way.
	ErrNotAnExpectedEscape = errors.New("tar: the escape ends in an unexpected way")
	// ErrNameNotASCII reports a file name with non-ASCII bytes.
	ErrNameNotASCII = errors.New("tar: file names must be ASCII")
	// ErrNameHasHTMLEscapes reports a file name that cannot sit unescaped in
	// an HTML attribute.
	ErrNameHasHTMLEscapes = errors.New("tar: file names must not contain characters that can go unescaped in HTML attributes")
)

// Typeflags used by the polyglot stream. TypeExternal repurposes the sparse
// flag: linkname holds a URL and the payload is fetched at load time.
const (
	TypeExtension = 'x'
	TypeExternal  = 'S'
)

// Header is a ustar header block. Field offsets follow the ustar layout; the
// final 12 bytes of the block are padding.
type Header struct {
	Name     [100]byte /*   0 */
	Mode     [8]byte   /* 100 */
	UID      [8]byte   /* 108 */
	GID      [8]byte   /* 116 */
	Size     [12]byte  /* 124 */
	Mtime    [12]byte  /* 136 */
	Chksum   [8]byte   /* 148 */
	Typeflag byte      /* 156 */
	Linkname [100]byte /* 157 */
	Magic    [6]byte   /* 257 */
	Version  [2]byte   /* 263 */
	Uname    [32]byte  /* 265 */
	Gname    [32]byte  /* 297 */
	Devmajor [8]byte   /* 329 */
	Devminor [8]byte   /* 337 */
	Prefix   [155]byte /* 345 */
	/* 500 */
}

// Bytes returns the 512-byte block encoding of the header.
func (h *Header) Bytes() []byte {
	b := make([]byte, BlockSize)
	n := 0
	n += copy(b[n:], h.Name[:])
	n += copy(b[n:], h.Mode[:])
	n += copy(b[n:], h.UID[:])
	n += copy(b[n:], h.GID[:])
	n += copy(b[n:], h.Size[:])
	n += copy(b[n:], h.Mtime[:])
	n += copy(b[n:], h.Chksum[:])
	b[n] = h.Typeflag
	n++
	n += copy(b[n:], h.Linkname[:])
	n += copy(b[n:], h.Magic[:])
	n += copy(b[n:], h.Version[:])
	n += copy(b[n:], h.Uname[:])
	n += copy(b[n:], h.Gname[:])
	n += copy(b[n:], h.Devmajor[:])
	n += copy(b[n:], h.Devminor[:])
	copy(b[n:], h.Prefix[:])
	return b
}

// SetFromBytes assigns every header field from a 512-byte block.
func (h *Header) SetFromBytes(b []byte) error {
	if len(b) < BlockSize {
		return ErrTruncatedArchive
	}
	n := 0
	n += copy(h.Name[:], b[n:])
	n += copy(h.Mode[:], b[n:])
	n += copy(h.UID[:], b[n:])
	n += copy(h.GID[:], b[n:])
	n += copy(h.Size[:], b[n:])
	n += copy(h.Mtime[:], b[n:])
	n += copy(h.Chksum[:], b[n:])
	h.Typeflag = b[n]
	n++
	n += copy(h.Linkname[:], b[n:])
	n += copy(h.Magic[:], b[n:])
	n += copy(h.Version[:], b[n:])
	n += copy(h.Uname[:], b[n:])
	n += copy(h.Gname[:], b[n:])
	n += copy(h.Devmajor[:], b[n:])
	n += copy(h.Devminor[:], b[n:])
	copy(h.Prefix[:], b[n:])
	return nil
}

// IsZero reports whether every byte of the header block is zero.
func (h *Header) IsZero() bool {
	for _, b := range h.Bytes() {
		if b != 0 {
			return false
		}
	}
	return true
}

// SetPermissionMeta fills the permission and identity fields with the fixed
// values every generated entry carries.
func (h *Header) SetPermissionMeta() {
	copy(h.Mode[:], "0000644\x00")
	// The usual id for nobody, 65534, in octal is 177776.
	copy(h.UID[:], "0177776\x00")
	copy(h.GID[:], "0177776\x00")
	copy(h.Mtime[:], "14707041774\x00")
	// Standard ustar magic, not an old style GNU header.
	copy(h.Magic[:], "ustar\x00")
	copy(h.Version[:], "  ")
	copy(h.Uname[:], "nobody\x00")
	copy(h.Gname[:], "nobody\x00")
}

// SetChecksum computes the ustar checksum with the checksum field itself
// counted as spaces.
func (h *Header) SetChecksum() {
	for i := range h.Chksum {
		h.Chksum[i] = ' '
	}
	var acc uint32
	for _, b := range h.Bytes() {
		acc += uint32(b)
	}
	copy(h.Chksum[:], fmt.Sprintf("%06o\x00 ", acc))
}

// SetSize writes the payload length as an 11-digit octal field. This is
// numeric, so it can not contain a closing quote.
func (h *Header) SetSize(size int) {
	copy(h.Size[:], fmt.Sprintf("%011o\x00", size))
}

// ParseSize parses the octal size field. A leading NUL reads as zero.
func (h *Header) ParseSize() (int64, error) {
	if h.Size[0] == 0 {
		return 0, nil
	}
	return parseOctal(h.Size[:])
}

func parseOctal(field []byte) (int64, error) {
	s := cstr(field)
	if len(s) == 0 {
		return 0, ErrBadHeader
	}
	var v int64
	for _, c := range []byte(s) {
		if c < '0' || c > '7' {
			return 0, ErrBadHeader
		}
		v = v<<3 | int64(c-'0')
	}
	return v, nil
}

// cstr returns the bytes of field up to the first NUL, as a string.
func cstr(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// Attributes are the user-controlled metadata fields of an entry.
type Attributes struct {
	Mtime    time.Time
	Uname    string
	Gname    string
	Devmajor uint16
	Devminor uint16
}

// SetAttributes writes attrs into the header. Names must satisfy
// CheckAttributeSafe; the zero Mtime leaves the field untouched.
func (h *Header) SetAttributes(attrs Attributes) error {
	if !attrs.Mtime.IsZero() {
		secs := attrs.Mtime.Unix()
		if secs < 0 {
			secs = 0
		}
		copy(h.Mtime[:], fmt.Sprintf("%011o\x00", secs))
	}

	if attrs.Uname != "" {
		if err := CheckAttributeSafe(attrs.Uname); err != nil {
			return err
		}
		if len(attrs.Uname) >= len(h.Uname)-1 {
			return ErrNameHasHTMLEscapes
		}
		copy(h.Uname[:], attrs.Uname)
		h.Uname[len(attrs.Uname)] = 0
	}

	if attrs.Gname != "" {
		if err := CheckAttributeSafe(attrs.Gname); err != nil {
			return err
		}
		if len(attrs.Gname) >= len(h.Gname)-1 {
			return ErrNameHasHTMLEscapes
		}
		copy(h.Gname[:], attrs.Gname)
		h.Gname[len(attrs.Gname)] = 0
	}

	copy(h.Devmajor[:], fmt.Sprintf("%o\x00", attrs.Devmajor))
	copy(h.Devminor[:], fmt.Sprintf("%o\x00", attrs.Devminor))
	return nil
}

// ParseAttributes extracts the metadata fields from an existing header.
// Fields that do not parse read as their zero value.
func (h *Header) ParseAttributes() Attributes {
	var attrs Attributes
	if secs, err := parseOctal(h.Mtime[:]); err == nil {
		attrs.Mtime = time.Unix(secs, 0).UTC()
	}
	attrs.Uname = cstr(h.Uname[:])
	attrs.Gname = cstr(h.Gname[:])
	if v, err := parseOctal(h.Devmajor[:]); err == nil {
		attrs.Devmajor = uint16(v)
	}
	if v, err := parseOctal(h.Devminor[:]); err == nil {
		attrs.Devminor = uint16(v)
	}
	return attrs
}

// CheckAttributeSafe reports whether name can be embedded verbatim in an HTML
// attribute position of a header block.
func CheckAttributeSafe(name string) error {
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return ErrNameNotASCII
		}
		if name[i] == '"' {
			return ErrNameHasHTMLEscapes
		}
	}
	return nil
}
