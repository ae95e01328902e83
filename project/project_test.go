package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[Document]
index-html = "page/index.html"
root = "fs"

[Machine.stage2]
flavor = "file"
path = "stage2.js"

[Machine.stage3]
flavor = "file"
path = "kernel.wasm"
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "page/index.html"), p.Document.IndexHTML)
	assert.Equal(t, filepath.Join(dir, "fs"), p.Document.Root)
	assert.Equal(t, FlavorFile, p.Machine.Stage2.Flavor)
	assert.Equal(t, filepath.Join(dir, "stage2.js"), p.Machine.Stage2.Path)
	assert.Equal(t, filepath.Join(dir, "kernel.wasm"), p.Machine.Stage3.Path)
}

func TestLoadRejectsUnknownFlavor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	bad := `
[Document]
index-html = "index.html"

[Machine.stage2]
flavor = "python"

[Machine.stage3]
flavor = "file"
path = "kernel.wasm"
`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "python")
}
