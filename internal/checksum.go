package internal

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// DefaultChecksumAlgorithm is used whenever a package does not declare one.
const DefaultChecksumAlgorithm = "sha256"

// NewHasher returns a hash for the named algorithm. Names follow bag
// manifest conventions (manifest-sha256.txt etc.).
func NewHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// ChecksumFile computes the hex digest of the file at path.
func ChecksumFile(path, algorithm string) (string, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for checksumming: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes computes the hex digest of data.
func ChecksumBytes(data []byte, algorithm string) (string, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
