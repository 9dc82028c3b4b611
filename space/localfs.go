package space

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

// localFS serves Spaces on a locally mounted filesystem (including NFS
// and similar mounts).
type localFS struct {
	unsupported
	root string
}

func newLocalFS(sp *meta.Space) *localFS {
	return &localFS{root: sp.Path}
}

func (l *localFS) Capabilities() Capability {
	return CanBrowse | CanRead | CanWrite | CanDelete
}

func (l *localFS) abs(relPath string) (string, error) {
	rel, err := cleanRel(relPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(rel)), nil
}

func (l *localFS) Browse(ctx context.Context, relPath string) (*BrowseResult, error) {
	dir, err := l.abs(relPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, internal.ErrNotFound
		}
		return nil, internal.NewBackendError("browse", err)
	}
	res := &BrowseResult{Properties: make(map[string]EntryProps)}
	for _, e := range entries {
		res.Entries = append(res.Entries, e.Name())
		if e.IsDir() {
			res.Directories = append(res.Directories, e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		res.Properties[e.Name()] = EntryProps{Size: info.Size(), Timestamp: info.ModTime()}
	}
	sort.Strings(res.Entries)
	sort.Strings(res.Directories)
	return res, nil
}

func (l *localFS) MoveToStorageService(ctx context.Context, relPath, destAbs string) error {
	src, err := l.abs(relPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return internal.ErrNotFound
		}
		return internal.NewBackendError("move_to_storage_service", err)
	}
	if info.IsDir() {
		_, err = internal.CopyTree(src, destAbs)
	} else {
		_, err = internal.CopyFile(src, destAbs)
	}
	return internal.NewBackendError("move_to_storage_service", err)
}

func (l *localFS) MoveFromStorageService(ctx context.Context, srcAbs, relPath string, pkg *meta.Package) error {
	dst, err := l.abs(relPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(srcAbs)
	if err != nil {
		return internal.NewBackendError("move_from_storage_service", err)
	}
	if info.IsDir() {
		_, err = internal.CopyTree(srcAbs, dst)
	} else {
		_, err = internal.CopyFile(srcAbs, dst)
	}
	return internal.NewBackendError("move_from_storage_service", err)
}

func (l *localFS) DeletePath(ctx context.Context, relPath string) error {
	target, err := l.abs(relPath)
	if err != nil {
		return err
	}
	// RemoveAll returns nil for missing paths, which gives us the
	// required idempotency for free.
	if err := os.RemoveAll(target); err != nil {
		return internal.NewBackendError("delete_path", err)
	}
	return nil
}
