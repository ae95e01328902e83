// Package b64 implements the byte-exact base64 codec used for polyglot file
// payloads. Encoding is the standard alphabet with padding; decoding is
// deliberately tolerant, because the payload may have passed through an HTML
// serializer that inserted line breaks or replaced bytes it did not like.
package b64

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// TrailingTrimBound caps how far DecodeText scans backwards for the end of
// the base64 run, keeping the trim O(1) on large payloads.
const TrailingTrimBound = 2048

// table maps alphabet bytes to their 6-bit values and '=' to 64. Every other
// byte maps to 0.
var table [256]byte

// member marks bytes of the alphabet proper, without '='.
var member [256]bool

func init() {
	for i, c := range []byte(alphabet) {
		table[c] = byte(i)
		member[c] = true
	}
	table['='] = 64
}

// Encode returns the standard padded base64 encoding of src.
func Encode(src []byte) []byte {
	n := len(src)
	dst := make([]byte, 0, (n+2)/3*4)

	i := 0
	for ; i+3 <= n; i += 3 {
		v := uint32(src[i])<<16 | uint32(src[i+1])<<8 | uint32(src[i+2])
		dst = append(dst, alphabet[v>>18&63], alphabet[v>>12&63], alphabet[v>>6&63], alphabet[v&63])
	}
	switch n - i {
	case 1:
		v := uint32(src[i]) << 16
		dst = append(dst, alphabet[v>>18&63], alphabet[v>>12&63], '=', '=')
	case 2:
		v := uint32(src[i])<<16 | uint32(src[i+1])<<8
		dst = append(dst, alphabet[v>>18&63], alphabet[v>>12&63], alphabet[v>>6&63], '=')
	}
	return dst
}

// Decode decodes src, ignoring ASCII whitespace, treating bytes outside the
// alphabet as zero, and tolerating up to three '=' of trailing padding.
func Decode(src []byte) []byte {
	buf := src
	for _, c := range src {
		if isSpace(c) {
			buf = nil
			break
		}
	}
	if buf == nil {
		buf = make([]byte, 0, len(src))
		for _, c := range src {
			if !isSpace(c) {
				buf = append(buf, c)
			}
		}
	}

	n := len(buf)
	pad := 0
	for i := n - 1; i >= 0 && pad < 3; i-- {
		if buf[i] != '=' {
			break
		}
		pad++
	}

	dst := make([]byte, 0, n/4*3)
	i := 0
	for ; i+4 <= n; i += 4 {
		v := uint32(table[buf[i]]&63)<<18 | uint32(table[buf[i+1]]&63)<<12 |
			uint32(table[buf[i+2]]&63)<<6 | uint32(table[buf[i+3]]&63)
		dst = append(dst, byte(v>>16), byte(v>>8), byte(v))
	}
	switch n - i {
	case 2:
		v := uint32(table[buf[i]]&63)<<18 | uint32(table[buf[i+1]]&63)<<12
		dst = append(dst, byte(v>>16))
	case 3:
		v := uint32(table[buf[i]]&63)<<18 | uint32(table[buf[i+1]]&63)<<12 | uint32(table[buf[i+2]]&63)<<6
		dst = append(dst, byte(v>>16), byte(v>>8))
	}

	if pad > len(dst) {
		pad = len(dst)
	}
	return dst[:len(dst)-pad]
}

// DecodeText decodes the text content of a polyglot data element: leading
// non-alphabet characters are skipped, and a bounded run of trailing padding
// or non-alphabet characters is trimmed before decoding.
func DecodeText(src []byte) []byte {
	start := 0
	for start < len(src) && !member[src[start]] {
		start++
	}

	end := len(src)
	limit := end - TrailingTrimBound
	if limit < start {
		limit = start
	}
	for end > limit {
		c := src[end-1]
		if member[c] || c == '=' {
			break
		}
		end--
	}

	return Decode(src[start:end])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
