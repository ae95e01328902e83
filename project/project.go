// Package project loads the build configuration file that describes a wah
// document: the page it embeds, the root filesystem, and how the stage
// payloads are produced.
package project

import (
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// DefaultFile is the configuration file name looked up next to the build.
const DefaultFile = "WahDocument.toml"

// Project is the merged tool input configuration.
type Project struct {
	Document Document `toml:"Document"`
	Machine  Machine  `toml:"Machine"`
}

// Document describes the page and the file tree to embed.
type Document struct {
	IndexHTML string `toml:"index-html"`
	Root      string `toml:"root"`
}

// Machine describes how the stage payloads are built or located.
type Machine struct {
	Stage2 Build `toml:"stage2"`
	Stage3 Build `toml:"stage3"`
}

// Build flavors.
const (
	FlavorFile = "file"
	FlavorNode = "node"
	FlavorRust = "rust"
)

// Build is one stage's build description. Which fields apply depends on the
// flavor: file uses Path, node uses Workdir and Script, rust uses Package
// and Bin.
type Build struct {
	Flavor  string `toml:"flavor"`
	Path    string `toml:"path"`
	Workdir string `toml:"workdir"`
	Script  string `toml:"build"`
	Package string `toml:"package"`
	Bin     string `toml:"bin"`
}

func (b *Build) validate(stage string, allowed ...string) error {
	for _, f := range allowed {
		if b.Flavor == f {
			return nil
		}
	}
	return errors.Errorf("project: %s flavor %q is not one of %v", stage, b.Flavor, allowed)
}

// Load reads the configuration at path and resolves every relative path
// against the file's directory.
func Load(path string) (*Project, error) {
	if path == "" {
		path = DefaultFile
	}

	var p Project
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	if err := p.Machine.Stage2.validate("stage2", FlavorFile, FlavorNode); err != nil {
		return nil, err
	}
	if err := p.Machine.Stage3.validate("stage3", FlavorFile, FlavorRust); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	p.Document.absolutePaths(dir)
	p.Machine.absolutePaths(dir)
	return &p, nil
}

func (d *Document) absolutePaths(base string) {
	d.IndexHTML = join(base, d.IndexHTML)
	d.Root = join(base, d.Root)
}

func (m *Machine) absolutePaths(base string) {
	absoluteBuild(&m.Stage2, base)
	absoluteBuild(&m.Stage3, base)
}

func absoluteBuild(b *Build, base string) {
	b.Path = join(base, b.Path)
	b.Workdir = join(base, b.Workdir)
	b.Script = join(base, b.Script)
}

func join(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
