package data

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"regexp"
)

// ErrBadRef is returned for malformed blob references.
var ErrBadRef = errors.New("bad blob reference")

var refPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Blobs is a content-addressed file store. The reference for a blob is
// the hex sha256 of its bytes, so stores are idempotent.
type Blobs struct {
	dir string
}

// NewBlobs creates the blob directory if needed.
func NewBlobs(dir string) (*Blobs, error) {
	if dir == "" {
		dir = "./data/blobs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Blobs{dir: dir}, nil
}

// Store writes bytes and returns their reference.
func (b *Blobs) Store(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	ref := hex.EncodeToString(sum[:])

	path := filepath.Join(b.dir, ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", err
	}
	return ref, nil
}

// Fetch reads the bytes for a reference.
func (b *Blobs) Fetch(ref string) ([]byte, error) {
	if !refPattern.MatchString(ref) {
		return nil, ErrBadRef
	}
	content, err := os.ReadFile(filepath.Join(b.dir, ref))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return content, err
}
