// Package extract implements `wah extract`: list or unpack the file tree of
// a polyglot artifact, or recover the carried page.
package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jszwec/csvutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wahdoc/wah/polyglot"
	"github.com/wahdoc/wah/tar"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

type extractedFile struct {
	name string
	data []byte
	url  string
}

// dumpCSV writes the file listing as a CSV table.
func dumpCSV(w io.Writer, files []extractedFile) error {
	type row struct {
		Name     string `csv:"name"`
		Size     int    `csv:"size"`
		External string `csv:"external"`
	}

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	encoder := csvutil.NewEncoder(csvWriter)
	for _, f := range files {
		if err := encoder.Encode(row{
			Name:     f.name,
			Size:     len(f.data),
			External: f.url,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Command returns the extract subcommand.
func Command() *cobra.Command {
	var outDir string
	var htmlOut string
	var asCSV bool

	cmd := &cobra.Command{
		Use:   "extract <artifact>",
		Short: "list or unpack the embedded file tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var files []extractedFile
			if bytes.HasPrefix(raw, wasmMagic) {
				wrapped, err := polyglot.ExtractWrapped(raw)
				if err != nil {
					return err
				}
				for i := range wrapped {
					files = append(files, extractedFile{
						name: wrapped[i].Name(),
						data: wrapped[i].Data,
						url:  wrapped[i].URL,
					})
				}
			} else {
				doc := polyglot.ParseSource(string(raw)).WithLogger(log)
				recovered := doc.FileElements()
				for i := range recovered {
					f := extractedFile{name: recovered[i].Name(), data: recovered[i].Content}
					if url, _, ok := tar.ExternalRef(&recovered[i].Header); ok {
						f.url = url
					}
					files = append(files, f)
				}

				if htmlOut != "" {
					if _, err := doc.SplitTarContents(); err != nil {
						return err
					}
					if err := os.WriteFile(htmlOut, []byte(doc.Text()), 0o644); err != nil {
						return err
					}
				}
			}

			if asCSV && outDir == "" {
				return dumpCSV(os.Stdout, files)
			}

			for _, f := range files {
				switch {
				case outDir == "" && f.url != "":
					fmt.Printf("%8s  %s -> %s\n", "external", f.name, f.url)
				case outDir == "":
					fmt.Printf("%8d  %s\n", len(f.data), f.name)
				case f.url != "":
					log.Warn("skipping unresolved external reference",
						zap.String("name", f.name), zap.String("url", f.url))
				default:
					dest := filepath.Join(outDir, filepath.FromSlash(f.name))
					if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
						return err
					}
					if err := os.WriteFile(dest, f.data, 0o644); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out-dir", "C", "", "directory to write the files into (default: list only)")
	cmd.Flags().StringVar(&htmlOut, "html", "", "also recover the unpacked page to this path (document artifacts only)")
	cmd.Flags().BoolVar(&asCSV, "csv", false, "emit the listing as CSV")
	return cmd
}
