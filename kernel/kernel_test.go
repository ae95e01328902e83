package kernel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahdoc/wah/rootfs"
)

// fakeElement records the operations applied to it.
type fakeElement struct {
	id    string
	inner []string
	outer []string
}

func (e *fakeElement) SetInnerHTML(html string) error {
	e.inner = append(e.inner, html)
	return nil
}

func (e *fakeElement) ReplaceOuterHTML(html string) error {
	e.outer = append(e.outer, html)
	return nil
}

// fakeDisplay is an in-memory stand-in for the DOM surface.
type fakeDisplay struct {
	byID map[string]*fakeElement
}

func newFakeDisplay(ids ...string) *fakeDisplay {
	d := &fakeDisplay{byID: map[string]*fakeElement{}}
	for _, id := range ids {
		d.byID[id] = &fakeElement{id: id}
	}
	return d
}

func (d *fakeDisplay) ElementByID(id string) (Element, bool) {
	el, ok := d.byID[id]
	return el, ok
}

func (d *fakeDisplay) ElementsByClassName(string) []Element { return nil }
func (d *fakeDisplay) ElementsByTagName(string) []Element   { return nil }

func strptr(s string) *string { return &s }
func intptr(i int) *int       { return &i }
func boolptr(b bool) *bool    { return &b }

func TestMessageSingleKey(t *testing.T) {
	assert.Equal(t, ErrBadMessage, Message{}.Validate())
	assert.NoError(t, Message{RunLevel: &RunLevel{Boot: intptr(1)}}.Validate())
	assert.Equal(t, ErrBadMessage, Message{
		RunLevel: &RunLevel{},
		Reap:     &Reap{},
	}.Validate())
}

func TestIoBindingSingleKey(t *testing.T) {
	assert.Equal(t, ErrBadIoBinding, IoBinding{}.Validate())
	assert.NoError(t, IoBinding{Null: boolptr(true)}.Validate())
	assert.Equal(t, ErrBadIoBinding, IoBinding{
		Null: boolptr(true),
		Pipe: boolptr(true),
	}.Validate())
}

func TestAllocatorUnique(t *testing.T) {
	a := NewAllocator()

	ed, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, Descriptor(1), ed)

	r := rand.New(rand.NewSource(7))
	live := map[Descriptor]bool{ed: true}
	for i := 0; i < 2000; i++ {
		if r.Intn(3) == 0 && len(live) > 0 {
			for ed := range live {
				a.Release(ed)
				delete(live, ed)
				break
			}
			continue
		}
		ed, err := a.Alloc()
		require.NoError(t, err)
		require.False(t, live[ed], "descriptor %d already live", ed)
		require.NotZero(t, ed)
		live[ed] = true
	}
}

func TestAllocatorReusesReleased(t *testing.T) {
	a := NewAllocator()
	first, _ := a.Alloc()
	second, _ := a.Alloc()
	a.Release(first)

	third, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, first, third, "freed descriptor is handed out again")
	assert.True(t, a.Live(second))
}

func TestAllocatorSaturation(t *testing.T) {
	a := NewAllocator()
	a.next = MaxDescriptor
	_, err := a.Alloc()
	assert.Equal(t, ErrOutOfDescriptors, err)
}

func TestSelectInsertOrdering(t *testing.T) {
	// S5: the insert applies to the element bound by the select even though
	// the firmware processes both asynchronously.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kp, fp := NewBridge(16)
	display := newFakeDisplay("x")
	fw := NewFirmware(fp, display)
	k := NewKernel(kp, rootfs.NewRoot())

	done := make(chan error, 1)
	go func() { done <- fw.Run(ctx) }()

	ed, err := k.Select(ctx, Selector{ByID: strptr("x")})
	require.NoError(t, err)
	assert.Equal(t, Descriptor(1), ed)
	require.NoError(t, k.Insert(ctx, ed, "<p/>"))

	kp.Close()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"<p/>"}, display.byID["x"].inner)
}

func TestSelectFallbackSelectors(t *testing.T) {
	ctx := context.Background()
	kp, fp := NewBridge(16)
	display := newFakeDisplay("real")
	fw := NewFirmware(fp, display)
	k := NewKernel(kp, rootfs.NewRoot())

	ed, err := k.Select(ctx,
		Selector{ByID: strptr("missing")},
		Selector{ByID: strptr("real")})
	require.NoError(t, err)

	m, err := fp.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, fw.apply(ctx, m))

	require.Len(t, fw.Bound(ed), 1)
}

func TestReplaceReleasesDescriptor(t *testing.T) {
	ctx := context.Background()
	kp, fp := NewBridge(16)
	display := newFakeDisplay("x")
	fw := NewFirmware(fp, display)
	k := NewKernel(kp, rootfs.NewRoot())

	ed, err := k.Select(ctx, Selector{ByID: strptr("x")})
	require.NoError(t, err)
	require.NoError(t, k.Replace(ctx, ed, "<div/>"))

	for i := 0; i < 2; i++ {
		m, err := fp.Recv(ctx)
		require.NoError(t, err)
		require.NoError(t, fw.apply(ctx, m))
	}

	assert.Empty(t, fw.Bound(ed))
	assert.False(t, k.alloc.Live(ed))

	again, err := k.Select(ctx, Selector{ByID: strptr("x")})
	require.NoError(t, err)
	assert.Equal(t, ed, again, "released descriptor is reused")
}

func TestExecAwaitRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kp, fp := NewBridge(16)
	display := newFakeDisplay("x")
	fw := NewFirmware(fp, display, WithHandlers(HandlerSet{
		"text-content": func(_ context.Context, el Element, args []interface{}) (interface{}, error) {
			return "content of " + display.byID["x"].id, nil
		},
	}))
	k := NewKernel(kp, rootfs.NewRoot())

	go fw.Run(ctx)
	go k.Run(ctx)

	ed, err := k.Select(ctx, Selector{ByID: strptr("x")})
	require.NoError(t, err)

	result, err := k.ExecAwait(ctx, ed, "text-content")
	require.NoError(t, err)
	assert.Equal(t, "content of x", result)

	_, err = k.ExecAwait(ctx, ed, "unregistered")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestUnsafeExecGate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kp, fp := NewBridge(16)
	display := newFakeDisplay("x")
	fw := NewFirmware(fp, display, WithUnsafeExec(
		func(_ context.Context, _ Element, args []interface{}) (interface{}, error) {
			return fmt.Sprintf("evaluated %v", args[0]), nil
		}))
	k := NewKernel(kp, rootfs.NewRoot())

	go fw.Run(ctx)
	go k.Run(ctx)

	ed, err := k.Select(ctx, Selector{ByID: strptr("x")})
	require.NoError(t, err)

	result, err := k.ExecAwait(ctx, ed, "() => 1")
	require.NoError(t, err)
	assert.Equal(t, "evaluated () => 1", result)
}

func TestCreateProcessReap(t *testing.T) {
	ctx := context.Background()
	kp, fp := NewBridge(16)
	root := rootfs.NewRoot()
	_, err := root.Put("hello.txt", []byte("hi"))
	require.NoError(t, err)

	k := NewKernel(kp, root, WithSpawner(SpawnerFunc(
		func(ctx context.Context, spec CreateProc, stdin, stdout, stderr *rootfs.OpenFile) (int, error) {
			// The program copies hello.txt to stdout.
			data, err := root.File("hello.txt")
			if err != nil {
				return -1, err
			}
			body, err := data.Data()
			if err != nil {
				return -1, err
			}
			if _, err := stdout.Write(body); err != nil {
				return -1, err
			}
			return 0, nil
		})))

	proc, err := k.CreateProcess(ctx, CreateProc{
		Args:   []string{"cat", "hello.txt"},
		Stdin:  IoBinding{Null: boolptr(true)},
		Stdout: IoBinding{Pipe: boolptr(true)},
		Stderr: IoBinding{Null: boolptr(true)},
	})
	require.NoError(t, err)

	reap, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reap.Status)
	assert.Equal(t, "hi", string(reap.Stdout))

	m, err := fp.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.Reap)
	assert.Equal(t, reap.Fid, m.Reap.Fid)
	assert.Equal(t, "hi", string(m.Reap.Stdout))
}

func TestExitSentinelSettlesZero(t *testing.T) {
	ctx := context.Background()
	kp, fp := NewBridge(16)
	k := NewKernel(kp, rootfs.NewRoot(), WithSpawner(SpawnerFunc(
		func(context.Context, CreateProc, *rootfs.OpenFile, *rootfs.OpenFile, *rootfs.OpenFile) (int, error) {
			return -1, errors.New(ExitSentinel)
		})))

	proc, err := k.CreateProcess(ctx, CreateProc{
		Stdin:  IoBinding{Null: boolptr(true)},
		Stdout: IoBinding{Null: boolptr(true)},
		Stderr: IoBinding{Null: boolptr(true)},
	})
	require.NoError(t, err)

	reap, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reap.Status)
	assert.Equal(t, ProcExited, proc.State())

	m, err := fp.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.Reap)
	assert.Equal(t, 0, m.Reap.Status)
}

func TestCrashReportsError(t *testing.T) {
	ctx := context.Background()
	kp, fp := NewBridge(16)
	k := NewKernel(kp, rootfs.NewRoot(), WithSpawner(SpawnerFunc(
		func(context.Context, CreateProc, *rootfs.OpenFile, *rootfs.OpenFile, *rootfs.OpenFile) (int, error) {
			return -1, errors.New("segfault")
		})))

	proc, err := k.CreateProcess(ctx, CreateProc{
		Stdin:  IoBinding{Null: boolptr(true)},
		Stdout: IoBinding{Null: boolptr(true)},
		Stderr: IoBinding{Null: boolptr(true)},
	})
	var crash *UserProgramCrash
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, ProcCrashed, proc.State())

	// The fault crossed the bridge before any fallback.
	m, err := fp.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.Error)
	assert.Contains(t, m.Error["message"], "segfault")
}

func TestBindIOPipePath(t *testing.T) {
	root := rootfs.NewRoot()
	bound, err := bindIO(root, IoBinding{Pipe: boolptr(true)})
	require.NoError(t, err)
	require.NotNil(t, bound.open)
	assert.True(t, strings.HasPrefix(bound.path, "io-"))

	_, err = root.File(bound.path)
	require.NoError(t, err, "pipe file is visible in the filesystem")

	_, err = bindIO(root, IoBinding{})
	assert.Equal(t, ErrBadIoBinding, err)
}

func TestBridgeFIFO(t *testing.T) {
	ctx := context.Background()
	kp, fp := NewBridge(64)

	for i := 0; i < 50; i++ {
		require.NoError(t, kp.Send(ctx, Message{ElementInsert: &ElementInsert{
			Ed:        Descriptor(1),
			InnerHTML: fmt.Sprint(i),
		}}))
	}
	for i := 0; i < 50; i++ {
		m, err := fp.Recv(ctx)
		require.NoError(t, err)
		require.NotNil(t, m.ElementInsert)
		assert.Equal(t, fmt.Sprint(i), m.ElementInsert.InnerHTML)
	}
}

func TestBridgeClose(t *testing.T) {
	ctx := context.Background()
	kp, fp := NewBridge(4)
	kp.Close()

	require.Equal(t, ErrChannelClosed, kp.Send(ctx, Message{Reap: &Reap{}}))
	_, err := fp.Recv(ctx)
	require.Equal(t, ErrChannelClosed, err)
}
