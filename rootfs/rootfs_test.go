package rootfs

import (
	"io"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a/b", Normalize("/a/b"))
	assert.Equal(t, "a/b", Normalize("a//b/"))
	assert.Equal(t, "b", Normalize("a/../b"))
	assert.Equal(t, "", Normalize("/"))
	assert.Equal(t, "", Normalize("."))
}

func TestPutLookup(t *testing.T) {
	r := NewRoot()
	ref, err := r.Put("boot/wah-init.wasm", []byte{1, 2, 3})
	require.NoError(t, err)

	got, err := r.File("/boot/wah-init.wasm")
	require.NoError(t, err)
	data, err := got.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, ref, got)

	_, err = r.File("boot")
	assert.Equal(t, ErrIsDirectory, err)
	_, err = r.File("nope")
	assert.Equal(t, ErrNotFound, err)
}

func TestReplaceInPlace(t *testing.T) {
	r := NewRoot()
	ref, err := r.Put("f", []byte("one"))
	require.NoError(t, err)

	require.NoError(t, r.Replace(ref, []byte("two")))

	// Every handle, including the directory's, observes the new content.
	again, err := r.File("f")
	require.NoError(t, err)
	data, err := again.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

func TestFreeDetectsReuse(t *testing.T) {
	r := NewRoot()
	old, err := r.Put("f", []byte("one"))
	require.NoError(t, err)

	require.NoError(t, r.Free(old))

	// The slot is reused for the next file; the stale handle must not
	// resolve to it.
	fresh := r.NewFile([]byte("other"))
	assert.Equal(t, fresh.index, old.index)

	_, err = old.Data()
	assert.Equal(t, ErrStaleFile, err)
	assert.Equal(t, ErrStaleFile, r.Free(old))

	data, err := fresh.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), data)
}

func TestOpenTableAppendOnly(t *testing.T) {
	r := NewRoot()
	ref, err := r.Put("f", []byte("data"))
	require.NoError(t, err)

	a, err := r.Open(ref)
	require.NoError(t, err)
	b, err := r.Open(ref)
	require.NoError(t, err)

	require.Len(t, r.Opens(), 2)
	assert.Same(t, a, r.Opens()[0])
	assert.Same(t, b, r.Opens()[1])
}

func TestOpenFileReadWrite(t *testing.T) {
	r := NewRoot()
	ref, err := r.Put("log", nil)
	require.NoError(t, err)

	o, err := r.Open(ref)
	require.NoError(t, err)

	_, err = o.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = o.Write([]byte("world"))
	require.NoError(t, err)

	data, err := o.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	in, err := r.Put("in", []byte("stdin text"))
	require.NoError(t, err)
	of, err := r.Open(in)
	require.NoError(t, err)
	all, err := io.ReadAll(of)
	require.NoError(t, err)
	assert.Equal(t, "stdin text", string(all))
}

func TestPreopenFS(t *testing.T) {
	r := NewRoot()
	_, err := r.Put("hello.txt", []byte("hi"))
	require.NoError(t, err)
	_, err = r.Put("dir/a.bin", []byte{0x01, 0x02})
	require.NoError(t, err)

	pre := NewPreopen("/", r.Dir())
	fsys := pre.FS()

	require.NoError(t, fstest.TestFS(fsys, "hello.txt", "dir/a.bin"))

	data, err := fs.ReadFile(fsys, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	entries, err := fs.ReadDir(fsys, "dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.bin", entries[0].Name())
	assert.False(t, entries[0].IsDir())
}

func TestWalk(t *testing.T) {
	r := NewRoot()
	for _, p := range []string{"a", "d/b", "d/c"} {
		_, err := r.Put(p, []byte(p))
		require.NoError(t, err)
	}

	var seen []string
	r.Dir().Walk(func(p string, ref FileRef) {
		seen = append(seen, p)
	})
	assert.Equal(t, []string{"a", "d/b", "d/c"}, seen)
}
