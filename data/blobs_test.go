package data

import (
	"bytes"
	"errors"
	"testing"
)

func TestBlobStoreFetch(t *testing.T) {
	b, err := NewBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobs: %v", err)
	}

	content := []byte("a small audio clip")
	ref, err := b.Store(content)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(ref) != 64 {
		t.Fatalf("ref %q is not a sha256 hex digest", ref)
	}

	// Same bytes, same ref.
	ref2, err := b.Store(content)
	if err != nil {
		t.Fatalf("Store again: %v", err)
	}
	if ref2 != ref {
		t.Errorf("Store not idempotent: %s vs %s", ref, ref2)
	}

	got, err := b.Fetch(ref)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Fetch = %q, want %q", got, content)
	}
}

func TestBlobFetchErrors(t *testing.T) {
	b, err := NewBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobs: %v", err)
	}

	if _, err := b.Fetch("../../etc/passwd"); !errors.Is(err, ErrBadRef) {
		t.Errorf("Fetch(traversal) error = %v, want ErrBadRef", err)
	}

	missing := "0000000000000000000000000000000000000000000000000000000000000000"
	if _, err := b.Fetch(missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch(missing) error = %v, want ErrNotFound", err)
	}
}
