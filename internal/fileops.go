package internal

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const dirPerm = 0o755

// EnsureDir creates path (and parents) if it does not exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// UniqueStagingName returns a collision-free name inside dir. The staging
// directory is shared by unrelated concurrent operations, so fixed names
// are never safe.
func UniqueStagingName(dir, base string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s", base, uuid.NewString()))
}

// CopyFile copies src to dst, creating intermediate directories. The data
// lands under a ".part" suffix first and is renamed into place only after
// a successful sync, so a remote failure never leaves a partial file at a
// path that looks complete.
func CopyFile(src, dst string) (int64, error) {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to copy to %s: %w", tmp, err)
	}
	if err = out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err = out.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to commit %s: %w", dst, err)
	}
	return n, nil
}

// CopyTree recursively copies the directory rooted at src to dst and
// returns the total number of bytes copied. Regular files only; anything
// else in the tree is skipped.
func CopyTree(src, dst string) (int64, error) {
	var total int64
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return EnsureDir(target)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		n, err := CopyFile(path, target)
		total += n
		return err
	})
	if err != nil {
		return total, fmt.Errorf("failed to copy tree %s: %w", src, err)
	}
	return total, nil
}

// PathSize returns the size of a file, or the cumulative size of all
// regular files under a directory.
func PathSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
