package lifecycle

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/openarchive/stors/internal"
)

// tarFamily reports whether the file name looks like a tar archive the
// service can unpack itself.
func tarFamily(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".tar") ||
		strings.HasSuffix(lower, ".tar.gz") ||
		strings.HasSuffix(lower, ".tgz")
}

// extractTar unpacks a tar or tar.gz archive under destDir. Entries that
// would land outside destDir are rejected.
func extractTar(srcAbs, destDir string) error {
	f, err := os.Open(srcAbs)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	lower := strings.ToLower(srcAbs)
	if strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", srcAbs, err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes the extraction root", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err = internal.EnsureDir(target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err = internal.EnsureDir(filepath.Dir(target)); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err = io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err = out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and devices never appear in bags; skip them.
			logger.Warnf("skipping archive entry %s with type %d", hdr.Name, hdr.Typeflag)
		}
	}
}
