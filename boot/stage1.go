package boot

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wahdoc/wah/wasm"
)

// stage1 validates the stage2 section, settles every external reference, and
// hands the now fully inline tree to stage 2.
func (h *Host) stage1(ctx context.Context, bootWasm []byte, module *wasm.Module, entries []FileEntry) error {
	stage2, err := module.CustomUnique(wasm.SectionStage2)
	if err != nil {
		return err
	}
	if stage2 == nil {
		return ErrMissingStage2
	}
	if _, err := h.registry().Load(ctx, wasm.SectionStage2, stage2.Data); err != nil {
		return err
	}

	// Every fetch settles before the handoff; a failure aborts the boot.
	for i := range entries {
		if entries[i].Resolved() {
			continue
		}
		data, err := h.fetch(ctx, entries[i].URL)
		if err != nil {
			return errors.Wrapf(err, "resolving %s", entries[i].Name())
		}
		if entries[i].Realsize >= 0 && int64(len(data)) != entries[i].Realsize {
			h.log().Warn("external reference size differs from header",
				zap.String("name", entries[i].Name()),
				zap.Int64("declared", entries[i].Realsize),
				zap.Int("fetched", len(data)))
		}
		entries[i].Data = data
		entries[i].URL = ""
	}

	return h.stage2(ctx, bootWasm, module, entries)
}

func (h *Host) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching %s: status %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
