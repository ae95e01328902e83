// Package build implements `wah build`: turn a project configuration into a
// single polyglot artifact.
package build

import (
	_ "embed"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wahdoc/wah/boot"
	"github.com/wahdoc/wah/polyglot"
	"github.com/wahdoc/wah/project"
	"github.com/wahdoc/wah/tar"
)

//go:embed stage0.js
var stage0Script []byte

//go:embed stage1.js
var stage1Script []byte

// Command returns the build subcommand.
func Command() *cobra.Command {
	var projectPath string
	var out string
	var wrap bool
	var configPath string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "build a polyglot artifact from a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()

			proj, err := project.Load(projectPath)
			if err != nil {
				return err
			}

			stage2, err := runBuild(&proj.Machine.Stage2)
			if err != nil {
				return errors.Wrap(err, "building stage2")
			}
			kernel, err := runBuild(&proj.Machine.Stage3)
			if err != nil {
				return errors.Wrap(err, "building stage3 kernel")
			}

			stages := polyglot.Stages{
				Stage1: stage1Script,
				Stage2: stage2,
			}
			if configPath != "" {
				if stages.WASIConfig, err = os.ReadFile(configPath); err != nil {
					return err
				}
			}

			bootable, err := polyglot.FinalizeKernel(kernel, stages)
			if err != nil {
				return err
			}

			items := []polyglot.Item{
				{Entry: &tar.Entry{Name: boot.BootInitPath, Data: bootable}},
				{Entry: &tar.Entry{Name: boot.BootModulePath, Data: bootable}},
			}
			if proj.Document.Root != "" {
				rooted, err := rootItems(proj.Document.Root)
				if err != nil {
					return err
				}
				items = append(items, rooted...)
			}

			var artifact []byte
			if wrap {
				artifact, err = polyglot.WrapModule(bootable, polyglot.Stages{}, items)
			} else {
				source, rerr := os.ReadFile(proj.Document.IndexHTML)
				if rerr != nil {
					return rerr
				}
				doc := polyglot.ParseSource(string(source)).WithLogger(log)
				artifact, err = polyglot.PackDocument(doc, items, stage0Script)
			}
			if err != nil {
				return err
			}

			if out == "" {
				out = "wah.html"
				if wrap {
					out = "wah.wasm"
				}
			}
			log.Info("writing artifact",
				zap.String("path", out),
				zap.Int("bytes", len(artifact)))
			return os.WriteFile(out, artifact, 0o644)
		},
	}

	cmd.Flags().StringVar(&projectPath, "project", "", "path of the configuration file")
	cmd.Flags().StringVarP(&out, "out", "o", "", "file to write the artifact to")
	cmd.Flags().BoolVar(&wrap, "wrap", false, "emit the module-first artifact instead of the document")
	cmd.Flags().StringVar(&configPath, "config", "", "assembled wasi config section to embed")

	return cmd
}

// runBuild produces one stage payload per its flavor: a file is read, a node
// build runs its script, a rust build runs cargo against the wasm target.
func runBuild(b *project.Build) ([]byte, error) {
	switch b.Flavor {
	case project.FlavorFile:
		return os.ReadFile(b.Path)

	case project.FlavorNode:
		cmd := exec.Command("node", b.Script)
		cmd.Dir = b.Workdir
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return nil, err
		}
		return os.ReadFile(filepath.Join(b.Workdir, "out.js"))

	case project.FlavorRust:
		cmd := exec.Command("cargo", "build",
			"-p", b.Package,
			"--target", "wasm32-wasip1", "--release",
			"--bin", b.Bin)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return nil, err
		}
		return os.ReadFile(filepath.Join("target", "wasm32-wasip1", "release", b.Bin+".wasm"))
	}
	return nil, errors.Errorf("unknown build flavor %q", b.Flavor)
}

// rootItems walks the root directory into pack items.
func rootItems(root string) ([]polyglot.Item, error) {
	var items []polyglot.Item
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		items = append(items, polyglot.Item{Entry: &tar.Entry{
			Name:       filepath.ToSlash(rel),
			Data:       data,
			Attributes: tar.Attributes{Mtime: info.ModTime()},
		}})
		return nil
	})
	return items, err
}
