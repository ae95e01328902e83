// Package rebuild implements `wah rebuild`: restore the tar structure of a
// document that was modified as a DOM, for example by a browser's save-page.
package rebuild

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wahdoc/wah/polyglot"
)

// Command returns the rebuild subcommand.
func Command() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "rebuild <file>",
		Short: "re-pack a DOM-mangled polyglot document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()

			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			doc := polyglot.ParseSource(string(source)).WithLogger(log)
			rebuilt, err := polyglot.Rebuild(doc)
			if err != nil {
				return err
			}

			if out == "" {
				_, err = os.Stdout.Write(rebuilt)
				return err
			}
			return os.WriteFile(out, rebuilt, 0o644)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "file to write the rebuilt document to (default stdout)")
	return cmd
}
