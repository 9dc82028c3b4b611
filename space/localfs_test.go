package space

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

func newTestLocalFS(t *testing.T) (*localFS, string) {
	root := t.TempDir()
	sp := &meta.Space{UUID: "sp-fs", AccessProtocol: meta.ProtocolFS, Path: root}
	b, err := New(sp, nil)
	require.NoError(t, err)
	return b.(*localFS), root
}

func TestLocalFSCapabilities(t *testing.T) {
	b, _ := newTestLocalFS(t)
	caps := b.Capabilities()
	assert.Equal(t, CanBrowse|CanRead|CanWrite|CanDelete, caps)
}

func TestLocalFSRoundTrip(t *testing.T) {
	b, root := newTestLocalFS(t)
	ctx := context.Background()

	staged := filepath.Join(t.TempDir(), "bag.tar")
	require.NoError(t, os.WriteFile(staged, []byte("ten bytes!"), 0o644))

	assert.NoError(t, b.MoveFromStorageService(ctx, staged, "aips/6e/bag.tar", nil))
	_, err := os.Stat(filepath.Join(root, "aips", "6e", "bag.tar"))
	assert.NoError(t, err)

	res, err := b.Browse(ctx, "aips/6e")
	assert.NoError(t, err)
	assert.Equal(t, []string{"bag.tar"}, res.Entries)
	assert.Empty(t, res.Directories)
	assert.Equal(t, int64(10), res.Properties["bag.tar"].Size)

	fetched := filepath.Join(t.TempDir(), "fetched.tar")
	assert.NoError(t, b.MoveToStorageService(ctx, "aips/6e/bag.tar", fetched))
	got, err := os.ReadFile(fetched)
	assert.NoError(t, err)
	assert.Equal(t, []byte("ten bytes!"), got)

	assert.NoError(t, b.DeletePath(ctx, "aips/6e"))
	_, err = b.Browse(ctx, "aips/6e")
	assert.ErrorIs(t, err, internal.ErrNotFound)

	// Deleting again is not an error.
	assert.NoError(t, b.DeletePath(ctx, "aips/6e"))
}

func TestLocalFSBrowseListsDirectories(t *testing.T) {
	b, root := newTestLocalFS(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "top", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top", "file.txt"), []byte("x"), 0o644))

	res, err := b.Browse(context.Background(), "top")
	assert.NoError(t, err)
	assert.Equal(t, []string{"file.txt", "sub"}, res.Entries)
	assert.Equal(t, []string{"sub"}, res.Directories)
}

func TestLocalFSMoveTree(t *testing.T) {
	b, root := newTestLocalFS(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "data", "payload.txt"), []byte("tree"), 0o644))

	assert.NoError(t, b.MoveFromStorageService(ctx, src, "backlog/bag", nil))
	got, err := os.ReadFile(filepath.Join(root, "backlog", "bag", "data", "payload.txt"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("tree"), got)
}

func TestLocalFSRejectsEscapingPaths(t *testing.T) {
	b, _ := newTestLocalFS(t)
	ctx := context.Background()

	_, err := b.Browse(ctx, "../outside")
	assert.Error(t, err)
	assert.Error(t, b.DeletePath(ctx, "../../etc"))
}

func TestLocalFSMoveToMissingSource(t *testing.T) {
	b, _ := newTestLocalFS(t)
	err := b.MoveToStorageService(context.Background(), "nope/bag.tar", filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, internal.ErrNotFound)
}
