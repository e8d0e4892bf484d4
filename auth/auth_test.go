package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndResolve(t *testing.T) {
	p := NewProvider("test-secret", time.Hour)

	want := Identity{ID: "u1", DisplayName: "Ada", AvatarRef: "/blobs/abc"}
	token, err := p.Issue(want)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("Issue returned empty token")
	}

	got, err := p.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Errorf("Resolve = %+v, want %+v", got, want)
	}
}

func TestResolveEmptyCredentials(t *testing.T) {
	p := NewProvider("test-secret", time.Hour)

	if _, err := p.Resolve(""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Resolve(\"\") error = %v, want ErrUnauthenticated", err)
	}
}

func TestResolveGarbage(t *testing.T) {
	p := NewProvider("test-secret", time.Hour)

	if _, err := p.Resolve("not.a.token"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Resolve(garbage) error = %v, want ErrUnauthenticated", err)
	}
}

func TestResolveWrongSecret(t *testing.T) {
	issuer := NewProvider("secret-a", time.Hour)
	verifier := NewProvider("secret-b", time.Hour)

	token, err := issuer.Issue(Identity{ID: "u1", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := verifier.Resolve(token); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Resolve with wrong secret error = %v, want ErrUnauthenticated", err)
	}
}

func TestResolveExpired(t *testing.T) {
	p := NewProvider("test-secret", -time.Minute)

	token, err := p.Issue(Identity{ID: "u1", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := p.Resolve(token); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Resolve expired error = %v, want ErrUnauthenticated", err)
	}
}
