package boot

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wahdoc/wah/rootfs"
	"github.com/wahdoc/wah/wasiconf"
)

// RescueShell is the default fallback: it renders a minimal rescue view
// listing the current filesystem so the state stays inspectable.
func RescueShell(log *zap.Logger) Fallback {
	return func(_ context.Context, cfg *wasiconf.Config, root *rootfs.Root, cause error) {
		log.Error("dropping to rescue shell", zap.Error(cause))
		fmt.Print(RenderRescueView(cfg, root, cause))
	}
}

// RenderRescueView formats the rescue listing.
func RenderRescueView(cfg *wasiconf.Config, root *rootfs.Root, cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "wah rescue shell\n\nboot failed: %v\n\n", cause)

	if cfg != nil {
		fmt.Fprintf(&b, "args: %q\nenv: %q\n", cfg.Args, cfg.Env)
		for i, fd := range cfg.FDs {
			fmt.Fprintf(&b, "fd %d: %T\n", i, fd)
		}
		b.WriteString("\n")
	}

	b.WriteString("filesystem:\n")
	if root != nil {
		n := 0
		root.Dir().Walk(func(p string, ref rootfs.FileRef) {
			fmt.Fprintf(&b, "  %8d  %s\n", ref.Size(), p)
			n++
		})
		if n == 0 {
			b.WriteString("  (empty)\n")
		}
	}
	return b.String()
}
