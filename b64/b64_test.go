package b64

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKnown(t *testing.T) {
	assert.Equal(t, []byte{0x41, 0x42, 0x43}, Decode([]byte("QUJD")))
	assert.Equal(t, []byte{0x41}, Decode([]byte("QQ==")))
	assert.Equal(t, []byte{}, Decode(nil))
	assert.Equal(t, []byte{}, Decode([]byte("")))
}

func TestEncodeKnown(t *testing.T) {
	assert.Equal(t, "QUJD", string(Encode([]byte("ABC"))))
	assert.Equal(t, "QQ==", string(Encode([]byte("A"))))
	assert.Equal(t, "QUI=", string(Encode([]byte("AB"))))
	assert.Equal(t, "", string(Encode(nil)))
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		b := make([]byte, r.Intn(257))
		r.Read(b)
		require.Equal(t, b, Decode(Encode(b)), "length %d", len(b))
	}
}

func TestDecodeIgnoresWhitespace(t *testing.T) {
	// A browser that saved the page may have folded the payload.
	assert.Equal(t, []byte("ABC"), Decode([]byte("QU\r\nJD")))
	assert.Equal(t, []byte("hello world"), Decode([]byte("aGVsbG8\n gd29ybGQ=")))
}

func TestDecodeText(t *testing.T) {
	// Leading NULs from the tar view, trailing NUL padding to the 512
	// boundary.
	payload := append([]byte{0, 0, 0}, Encode([]byte("payload"))...)
	payload = append(payload, bytes.Repeat([]byte{0}, 100)...)
	assert.Equal(t, []byte("payload"), DecodeText(payload))
}

func TestDecodeTextKeepsPadding(t *testing.T) {
	text := append([]byte{0}, Encode([]byte("A"))...)
	text = append(text, 0, 0)
	assert.Equal(t, []byte("A"), DecodeText(text))
}

func TestDecodeTextTrimBound(t *testing.T) {
	// Garbage runs longer than the bound are not scanned past; the base64
	// run itself still decodes when the garbage fits the bound.
	text := append(Encode([]byte("bounded")), bytes.Repeat([]byte{0}, TrailingTrimBound)...)
	assert.Equal(t, []byte("bounded"), DecodeText(text))
}

func TestDecodeLongInput(t *testing.T) {
	data := []byte(strings.Repeat("wah polyglot ", 4096))
	require.Equal(t, data, Decode(Encode(data)))
}
