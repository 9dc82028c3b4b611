package space

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

// encryptedFS is a local filesystem Space whose package files are sealed
// at rest. Files are encrypted chunk-wise with XChaCha20-Poly1305 under
// a keyfile; the key fingerprint is recorded on every package stored
// here so operators can tell which key a package needs.
type encryptedFS struct {
	*localFS
	aead        func() ([]byte, error) // returns the raw key
	fingerprint string
	staging     string
}

const (
	sealMagic     = "STORSENC"
	sealChunkSize = 4 << 20
)

func newEncryptedFS(sp *meta.Space, conf *internal.Config) (*encryptedFS, error) {
	keyPath := sp.GPG.KeyPath
	if keyPath == "" && conf != nil {
		// Spaces without their own keyfile use the service-wide one.
		keyPath = conf.GPGKeyPath
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read encryption key: %w", err)
	}
	if len(key) < chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key too short: need %d bytes", chacha20poly1305.KeySize)
	}
	sum := sha256.Sum256(key)
	return &encryptedFS{
		localFS:     newLocalFS(sp),
		aead:        func() ([]byte, error) { return key[:chacha20poly1305.KeySize], nil },
		fingerprint: hex.EncodeToString(sum[:]),
		staging:     sp.StagingPath,
	}, nil
}

// KeyFingerprint identifies the key sealing this Space's packages.
func (e *encryptedFS) KeyFingerprint() string { return e.fingerprint }

func (e *encryptedFS) MoveFromStorageService(ctx context.Context, srcAbs, relPath string, pkg *meta.Package) error {
	if err := e.localFS.MoveFromStorageService(ctx, srcAbs, relPath, pkg); err != nil {
		return err
	}
	dst, err := e.abs(relPath)
	if err != nil {
		return err
	}
	if err := e.sealPath(dst); err != nil {
		return internal.NewBackendError("move_from_storage_service", err)
	}
	if pkg != nil {
		if err := pkg.MiscAttributes.Set("encryption", "chacha20poly1305"); err != nil {
			return err
		}
	}
	return nil
}

func (e *encryptedFS) MoveToStorageService(ctx context.Context, relPath, destAbs string) error {
	if err := e.localFS.MoveToStorageService(ctx, relPath, destAbs); err != nil {
		return err
	}
	if err := e.openPath(destAbs); err != nil {
		return internal.NewBackendError("move_to_storage_service", err)
	}
	return nil
}

func (e *encryptedFS) sealPath(p string) error {
	return e.walkRegular(p, e.sealFile)
}

func (e *encryptedFS) openPath(p string) error {
	return e.walkRegular(p, e.openFile)
}

func (e *encryptedFS) walkRegular(p string, fn func(string) error) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fn(p)
	}
	return filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			return fn(path)
		}
		return nil
	})
}

// sealFile rewrites p in place: magic header then, per chunk, a random
// 24-byte nonce, the big-endian ciphertext length, and the ciphertext.
func (e *encryptedFS) sealFile(p string) error {
	key, err := e.aead()
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	in, err := os.Open(p)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := internal.UniqueStagingName(filepath.Dir(p), filepath.Base(p)+".seal")
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err = out.Write([]byte(sealMagic)); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	buf := make([]byte, sealChunkSize)
	for {
		n, rerr := io.ReadFull(in, buf)
		if n > 0 {
			nonce := make([]byte, chacha20poly1305.NonceSizeX)
			if _, err = rand.Read(nonce); err != nil {
				break
			}
			ct := aead.Seal(nil, nonce, buf[:n], nil)
			if _, err = out.Write(nonce); err != nil {
				break
			}
			if err = binary.Write(out, binary.BigEndian, uint32(len(ct))); err != nil {
				break
			}
			if _, err = out.Write(ct); err != nil {
				break
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	in.Close()
	return os.Rename(tmp, p)
}

func (e *encryptedFS) openFile(p string) error {
	key, err := e.aead()
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	in, err := os.Open(p)
	if err != nil {
		return err
	}
	defer in.Close()
	magic := make([]byte, len(sealMagic))
	if _, err = io.ReadFull(in, magic); err != nil || string(magic) != sealMagic {
		// Not sealed; leave the file as-is.
		return nil
	}
	tmp := internal.UniqueStagingName(filepath.Dir(p), filepath.Base(p)+".open")
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	for {
		if _, rerr := io.ReadFull(in, nonce); rerr == io.EOF {
			break
		} else if rerr != nil {
			err = rerr
			break
		}
		var clen uint32
		if err = binary.Read(in, binary.BigEndian, &clen); err != nil {
			break
		}
		ct := make([]byte, clen)
		if _, err = io.ReadFull(in, ct); err != nil {
			break
		}
		var pt []byte
		if pt, err = aead.Open(nil, nonce, ct, nil); err != nil {
			err = fmt.Errorf("failed to unseal %s: %w", p, err)
			break
		}
		if _, err = out.Write(pt); err != nil {
			break
		}
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	in.Close()
	return os.Rename(tmp, p)
}
