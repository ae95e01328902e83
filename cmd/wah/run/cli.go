// Package run implements `wah run`: boot a polyglot artifact headlessly,
// with a terminal-backed display surface.
package run

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wahdoc/wah/boot"
	"github.com/wahdoc/wah/kernel"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// termDisplay is the headless display surface: element content renders to
// the terminal.
type termDisplay struct{}

type termElement struct {
	id string
}

func (termDisplay) ElementByID(id string) (kernel.Element, bool) {
	return &termElement{id: id}, true
}

func (termDisplay) ElementsByClassName(class string) []kernel.Element {
	return []kernel.Element{&termElement{id: "." + class}}
}

func (termDisplay) ElementsByTagName(tag string) []kernel.Element {
	return []kernel.Element{&termElement{id: "<" + tag + ">"}}
}

func (e *termElement) SetInnerHTML(html string) error {
	fmt.Printf("[%s] %s\n", e.id, html)
	return nil
}

func (e *termElement) ReplaceOuterHTML(html string) error {
	fmt.Printf("[%s] replaced: %s\n", e.id, html)
	return nil
}

// Command returns the run subcommand.
func Command() *cobra.Command {
	var unsafeExec bool
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run <artifact>",
		Short: "boot a polyglot artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zap.NewNop()
			if verbose {
				var err error
				if log, err = zap.NewDevelopment(); err != nil {
					return err
				}
				defer log.Sync()
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			host := &boot.Host{
				Log:        log,
				Display:    termDisplay{},
				UnsafeExec: unsafeExec,
			}

			ctx := cmd.Context()
			if bytes.HasPrefix(raw, wasmMagic) {
				return host.LoadArtifact(ctx, raw)
			}
			return host.LoadDocument(ctx, string(raw))
		},
	}

	cmd.Flags().BoolVar(&unsafeExec, "unsafe-exec", false, "permit element-exec to run unregistered handler sources")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log the boot protocol")
	return cmd
}
