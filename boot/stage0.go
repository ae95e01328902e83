package boot

import (
	"bytes"
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wahdoc/wah/b64"
	"github.com/wahdoc/wah/kernel"
	"github.com/wahdoc/wah/polyglot"
	"github.com/wahdoc/wah/rootfs"
	"github.com/wahdoc/wah/tar"
	"github.com/wahdoc/wah/wasiconf"
	"github.com/wahdoc/wah/wasm"
)

// FileEntry is one recovered file: its tar header and either inline data or
// an unresolved external reference.
type FileEntry struct {
	Header   tar.Header
	Data     []byte
	URL      string
	Realsize int64
}

// Name returns the entry's path.
func (e *FileEntry) Name() string {
	name := e.Header.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// Resolved reports whether the entry's bytes are inline.
func (e *FileEntry) Resolved() bool { return e.URL == "" }

// Fallback renders the rescue view when a later stage fails: the current
// configuration and filesystem stay inspectable.
type Fallback func(ctx context.Context, cfg *wasiconf.Config, root *rootfs.Root, cause error)

// Host carries the capabilities the loader protocol runs against.
type Host struct {
	Log      *zap.Logger
	Registry *Registry
	Client   *http.Client

	Display    kernel.Display
	Handlers   kernel.HandlerSet
	UnsafeExec bool

	// ClearStage0Error clears the document's stage0_error slot; it runs when
	// stage 0 terminates quietly.
	ClearStage0Error func()

	FallbackShell Fallback
}

func (h *Host) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *Host) client() *http.Client {
	if h.Client == nil {
		return http.DefaultClient
	}
	return h.Client
}

// rawModule is the handle the default loader produces: the body itself.
type rawModule struct {
	Name string
	Body []byte
}

func (h *Host) registry() *Registry {
	if h.Registry == nil {
		h.Registry = NewRegistry(LoaderFunc(
			func(_ context.Context, name string, body []byte) (Module, error) {
				return rawModule{Name: name, Body: body}, nil
			}))
	}
	return h.Registry
}

func (h *Host) fallback(ctx context.Context, cfg *wasiconf.Config, root *rootfs.Root, cause error) {
	if h.FallbackShell != nil {
		h.FallbackShell(ctx, cfg, root, cause)
		return
	}
	RescueShell(h.log())(ctx, cfg, root, cause)
}

// LoadDocument boots from an HTML-carried artifact: the DOM scan recovers
// the file entries.
func (h *Host) LoadDocument(ctx context.Context, document string) error {
	source := polyglot.ParseSource(document).WithLogger(h.log())

	var entries []FileEntry
	for _, f := range source.FileElements() {
		entry := FileEntry{Header: f.Header, Data: f.Content}
		if url, realsize, ok := tar.ExternalRef(&f.Header); ok {
			entry.URL, entry.Realsize = url, realsize
		} else if err := checkSize(&entry); err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	return h.stage0(ctx, entries)
}

// LoadArtifact boots from a module-first artifact: the tar walk recovers the
// file entries.
func (h *Host) LoadArtifact(ctx context.Context, artifact []byte) error {
	files, err := polyglot.ExtractWrapped(artifact)
	if err != nil {
		return err
	}

	var entries []FileEntry
	for i := range files {
		entry := FileEntry{
			Header:   files[i].Header,
			Data:     files[i].Data,
			URL:      files[i].URL,
			Realsize: files[i].Realsize,
		}
		if entry.URL == "" {
			if err := checkSize(&entry); err != nil {
				return err
			}
		}
		entries = append(entries, entry)
	}

	return h.stage0(ctx, entries)
}

// checkSize enforces the size-field invariant: the header's octal size names
// the encoded payload length, so re-encoding the recovered bytes must match.
func checkSize(entry *FileEntry) error {
	declared, err := entry.Header.ParseSize()
	if err != nil {
		return err
	}
	if int64(len(b64.Encode(entry.Data))) != declared {
		return errors.Wrap(ErrBadFile, entry.Name())
	}
	return nil
}

// stage0 assembles the entries, looks up the boot module, and hands off to
// stage 1. A missing boot file terminates quietly after clearing the
// document's error indicator.
func (h *Host) stage0(ctx context.Context, entries []FileEntry) error {
	var boot *FileEntry
	for i := range entries {
		if entries[i].Name() == BootModulePath {
			boot = &entries[i]
			break
		}
	}

	if boot == nil || !boot.Resolved() {
		h.log().Info("no boot module, terminating quietly",
			zap.String("path", BootModulePath))
		if h.ClearStage0Error != nil {
			h.ClearStage0Error()
		}
		return nil
	}

	module, err := wasm.DecodeModule(bytes.NewReader(boot.Data))
	if err != nil {
		return errors.Wrap(err, "compiling boot module")
	}

	stage1, err := module.CustomUnique(wasm.SectionStage1)
	if err != nil {
		return err
	}
	if stage1 == nil {
		return errors.Errorf("boot: boot module carries no %s section", wasm.SectionStage1)
	}
	if _, err := h.registry().Load(ctx, wasm.SectionStage1, stage1.Data); err != nil {
		return err
	}

	return h.stage1(ctx, boot.Data, module, entries)
}
