// Package rootfs holds the in-memory filesystem the config evaluator builds
// and the sandbox hands to the launched process. File bodies live in an arena
// indexed by stable handles with generation counters; directories map names
// to entries; the open-file table is append-only. A Preopen exposes a
// directory as an io/fs.FS for the WASI shim.
package rootfs

import (
	"errors"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

var (
	// ErrStaleFile reports a file handle whose slot was replaced since the
	// handle was taken.
	ErrStaleFile = errors.New("rootfs: stale file handle")
	// ErrNotFound reports a missing path.
	ErrNotFound = errors.New("rootfs: file not found")
	// ErrIsDirectory reports a directory where a file was expected.
	ErrIsDirectory = errors.New("rootfs: is a directory")
	// ErrNotDirectory reports a file where a directory was expected.
	ErrNotDirectory = errors.New("rootfs: not a directory")
)

// Root owns the arena of file bodies and the directory tree over them.
type Root struct {
	files []slot
	free  []int
	dir   *Dir
	opens []*OpenFile
}

type slot struct {
	data []byte
	gen  uint32
}

// FileRef is a handle to a file body in the arena: an index plus a generation
// counter that detects replacement.
type FileRef struct {
	root  *Root
	index int
	gen   uint32
}

// Node is a directory entry: either a *Dir or a FileRef.
type Node interface{ isNode() }

func (*Dir) isNode()    {}
func (FileRef) isNode() {}

// Dir maps entry names to nodes.
type Dir struct {
	entries map[string]Node
}

// NewRoot returns an empty filesystem.
func NewRoot() *Root {
	return &Root{dir: NewDir()}
}

// NewDir returns an empty directory.
func NewDir() *Dir {
	return &Dir{entries: make(map[string]Node)}
}

// Dir returns the root directory.
func (r *Root) Dir() *Dir { return r.dir }

// NewFile stores data in the arena and returns its handle. Freed slots are
// reused; their bumped generation keeps old handles from resolving.
func (r *Root) NewFile(data []byte) FileRef {
	if n := len(r.free); n > 0 {
		index := r.free[n-1]
		r.free = r.free[:n-1]
		r.files[index].data = data
		return FileRef{root: r, index: index, gen: r.files[index].gen}
	}
	r.files = append(r.files, slot{data: data})
	return FileRef{root: r, index: len(r.files) - 1}
}

// Replace swaps the body of an existing slot in place. Every live handle to
// the slot observes the new content.
func (r *Root) Replace(ref FileRef, data []byte) error {
	if err := ref.check(); err != nil {
		return err
	}
	r.files[ref.index].data = data
	return nil
}

// Free releases a slot for reuse. The caller must not free a file while any
// descriptor still refers to it; handles held anyway read as stale.
func (r *Root) Free(ref FileRef) error {
	if err := ref.check(); err != nil {
		return err
	}
	r.files[ref.index].data = nil
	r.files[ref.index].gen++
	r.free = append(r.free, ref.index)
	return nil
}

func (f FileRef) check() error {
	if f.root == nil || f.index >= len(f.root.files) {
		return ErrNotFound
	}
	if f.root.files[f.index].gen != f.gen {
		return ErrStaleFile
	}
	return nil
}

// Data returns the file body. It fails on a stale handle.
func (f FileRef) Data() ([]byte, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.root.files[f.index].data, nil
}

// Size returns the body length, or 0 for a stale handle.
func (f FileRef) Size() int64 {
	data, err := f.Data()
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// Normalize turns p into the canonical entry path: '/'-separated, cleaned,
// no leading slash.
func Normalize(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// Put stores data under p, creating intermediate directories.
func (r *Root) Put(p string, data []byte) (FileRef, error) {
	ref := r.NewFile(data)
	if err := r.dir.Put(p, ref); err != nil {
		return FileRef{}, err
	}
	return ref, nil
}

// Lookup resolves p against the root directory.
func (r *Root) Lookup(p string) (Node, bool) {
	return r.dir.Lookup(p)
}

// File resolves p to a file handle.
func (r *Root) File(p string) (FileRef, error) {
	n, ok := r.Lookup(p)
	if !ok {
		return FileRef{}, ErrNotFound
	}
	ref, ok := n.(FileRef)
	if !ok {
		return FileRef{}, ErrIsDirectory
	}
	return ref, nil
}

// Put stores node under p relative to d, creating intermediate directories.
func (d *Dir) Put(p string, node Node) error {
	p = Normalize(p)
	if p == "" {
		return ErrIsDirectory
	}
	parts := strings.Split(p, "/")
	cur := d
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur.entries[part]
		if !ok {
			child := NewDir()
			cur.entries[part] = child
			cur = child
			continue
		}
		child, ok := next.(*Dir)
		if !ok {
			return ErrNotDirectory
		}
		cur = child
	}
	cur.entries[parts[len(parts)-1]] = node
	return nil
}

// Mkdir creates the directory p, including parents.
func (d *Dir) Mkdir(p string) (*Dir, error) {
	p = Normalize(p)
	if p == "" {
		return d, nil
	}
	cur := d
	for _, part := range strings.Split(p, "/") {
		next, ok := cur.entries[part]
		if !ok {
			child := NewDir()
			cur.entries[part] = child
			cur = child
			continue
		}
		child, ok := next.(*Dir)
		if !ok {
			return nil, ErrNotDirectory
		}
		cur = child
	}
	return cur, nil
}

// Lookup resolves p relative to d.
func (d *Dir) Lookup(p string) (Node, bool) {
	p = Normalize(p)
	if p == "" {
		return d, true
	}
	var cur Node = d
	for _, part := range strings.Split(p, "/") {
		dir, ok := cur.(*Dir)
		if !ok {
			return nil, false
		}
		next, ok := dir.entries[part]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Names returns the entry names of d in sorted order.
func (d *Dir) Names() []string {
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Walk visits every file under d with its normalised path.
func (d *Dir) Walk(visit func(p string, ref FileRef)) {
	var rec func(prefix string, dir *Dir)
	rec = func(prefix string, dir *Dir) {
		for _, name := range dir.Names() {
			switch n := dir.entries[name].(type) {
			case *Dir:
				rec(prefix+name+"/", n)
			case FileRef:
				visit(prefix+name, n)
			}
		}
	}
	rec("", d)
}

// OpenFile is a positioned handle over a file body. Indices into the open
// table are never reused within a process lifetime.
type OpenFile struct {
	ref FileRef
	pos int64
}

// Open appends a handle for ref to the open table.
func (r *Root) Open(ref FileRef) (*OpenFile, error) {
	if err := ref.check(); err != nil {
		return nil, err
	}
	of := &OpenFile{ref: ref}
	r.opens = append(r.opens, of)
	return of, nil
}

// OpenPath opens the file at p.
func (r *Root) OpenPath(p string) (*OpenFile, error) {
	ref, err := r.File(p)
	if err != nil {
		return nil, err
	}
	return r.Open(ref)
}

// Opens returns the open-file table.
func (r *Root) Opens() []*OpenFile { return r.opens }

// Ref returns the underlying file handle.
func (o *OpenFile) Ref() FileRef { return o.ref }

func (o *OpenFile) Read(p []byte) (int, error) {
	data, err := o.ref.Data()
	if err != nil {
		return 0, err
	}
	if o.pos >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[o.pos:])
	o.pos += int64(n)
	return n, nil
}

// Write appends to the file body in place.
func (o *OpenFile) Write(p []byte) (int, error) {
	data, err := o.ref.Data()
	if err != nil {
		return 0, err
	}
	grown := append(data[:len(data):len(data)], p...)
	if err := o.ref.root.Replace(o.ref, grown); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Bytes returns the current body.
func (o *OpenFile) Bytes() ([]byte, error) {
	return o.ref.Data()
}

// Preopen is a directory made available to a WASI program under a fixed
// descriptor and guest path.
type Preopen struct {
	GuestPath string
	Dir       *Dir
}

// NewPreopen binds dir to the given guest path.
func NewPreopen(guestPath string, dir *Dir) *Preopen {
	return &Preopen{GuestPath: guestPath, Dir: dir}
}

// FS returns the preopen as an io/fs.FS rooted at its directory.
func (p *Preopen) FS() fs.FS {
	return dirFS{dir: p.Dir}
}

type dirFS struct {
	dir *Dir
}

func (f dirFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	n, ok := f.dir.Lookup(name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	base := path.Base("/" + name)
	switch n := n.(type) {
	case *Dir:
		return &dirHandle{name: base, dir: n}, nil
	case FileRef:
		data, err := n.Data()
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		return &fileHandle{name: base, data: data}, nil
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
}

type fileHandle struct {
	name string
	data []byte
	pos  int64
}

func (h *fileHandle) Stat() (fs.FileInfo, error) {
	return fileInfo{name: h.name, size: int64(len(h.data))}, nil
}

func (h *fileHandle) Read(p []byte) (int, error) {
	if h.pos >= int64(len(h.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.data[h.pos:])
	h.pos += int64(n)
	return n, nil
}

func (h *fileHandle) Close() error { return nil }

type dirHandle struct {
	name string
	dir  *Dir
	pos  int
}

func (h *dirHandle) Stat() (fs.FileInfo, error) {
	return fileInfo{name: h.name, dir: true}, nil
}

func (h *dirHandle) Read([]byte) (int, error) {
	return 0, ErrIsDirectory
}

func (h *dirHandle) Close() error { return nil }

func (h *dirHandle) ReadDir(n int) ([]fs.DirEntry, error) {
	names := h.dir.Names()
	if h.pos >= len(names) {
		if n <= 0 {
			return nil, nil
		}
		return nil, io.EOF
	}
	rest := names[h.pos:]
	if n > 0 && n < len(rest) {
		rest = rest[:n]
	}
	h.pos += len(rest)

	out := make([]fs.DirEntry, 0, len(rest))
	for _, name := range rest {
		switch e := h.dir.entries[name].(type) {
		case *Dir:
			out = append(out, dirEntry{fileInfo{name: name, dir: true}})
		case FileRef:
			out = append(out, dirEntry{fileInfo{name: name, size: e.Size()}})
		}
	}
	return out, nil
}

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (i fileInfo) Name() string { return i.name }
func (i fileInfo) Size() int64  { return i.size }
func (i fileInfo) Mode() fs.FileMode {
	if i.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}
func (i fileInfo) ModTime() time.Time { return time.Time{} }
func (i fileInfo) IsDir() bool        { return i.dir }
func (i fileInfo) Sys() interface{}   { return nil }

type dirEntry struct {
	info fileInfo
}

func (e dirEntry) Name() string               { return e.info.name }
func (e dirEntry) IsDir() bool                { return e.info.dir }
func (e dirEntry) Type() fs.FileMode          { return e.info.Mode().Type() }
func (e dirEntry) Info() (fs.FileInfo, error) { return e.info, nil }
