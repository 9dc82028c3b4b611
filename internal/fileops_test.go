package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	content := []byte("ten bytes!")
	assert.NoError(t, os.WriteFile(src, content, 0o644))

	dst := filepath.Join(dir, "nested", "dst.txt")
	n, err := CopyFile(src, dst)
	assert.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	got, err := os.ReadFile(dst)
	assert.NoError(t, err)
	assert.Equal(t, content, got)

	// No partial file left behind after the commit rename.
	_, err = os.Stat(dst + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := CopyFile(filepath.Join(dir, "missing"), filepath.Join(dir, "dst"))
	assert.Error(t, err)
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(src, "data", "deep"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("aa"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(src, "data", "deep", "leaf.txt"), []byte("bbbb"), 0o644))

	dst := filepath.Join(t.TempDir(), "copy")
	total, err := CopyTree(src, dst)
	assert.NoError(t, err)
	assert.Equal(t, int64(6), total)

	got, err := os.ReadFile(filepath.Join(dst, "data", "deep", "leaf.txt"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("bbbb"), got)
}

func TestPathSize(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("123"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), []byte("4567"), 0o644))

	total, err := PathSize(dir)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), total)

	single, err := PathSize(filepath.Join(dir, "a"))
	assert.NoError(t, err)
	assert.Equal(t, int64(3), single)
}

func TestUniqueStagingName(t *testing.T) {
	dir := t.TempDir()
	a := UniqueStagingName(dir, "pkg.tar")
	b := UniqueStagingName(dir, "pkg.tar")
	assert.NotEqual(t, a, b)
	assert.Equal(t, dir, filepath.Dir(a))
}
