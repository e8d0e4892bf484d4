package data

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"loci.chat/auth"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := auth.Identity{ID: "u1", DisplayName: "Ada", AvatarRef: "/blobs/abc"}
	if err := s.SaveIdentity(ctx, want); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}

	got, err := s.GetIdentity(ctx, "u1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got != want {
		t.Errorf("GetIdentity = %+v, want %+v", got, want)
	}
}

func TestIdentityUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveIdentity(ctx, auth.Identity{ID: "u1", DisplayName: "Ada"}); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}
	if err := s.SaveIdentity(ctx, auth.Identity{ID: "u1", DisplayName: "Ada L."}); err != nil {
		t.Fatalf("SaveIdentity update: %v", err)
	}

	got, err := s.GetIdentity(ctx, "u1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.DisplayName != "Ada L." {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Ada L.")
	}
}

func TestGetIdentityMissing(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetIdentity(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetIdentity(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPushSubscriptions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub := &PushSubscription{IdentityID: "u1", Room: "gcpuzg", Endpoint: "https://push.example/ep1"}
	sub.Keys.P256dh = "p"
	sub.Keys.Auth = "a"
	if err := s.SavePushSubscription(ctx, sub); err != nil {
		t.Fatalf("SavePushSubscription: %v", err)
	}

	subs, err := s.PushSubscriptionsForRoom(ctx, "gcpuzg")
	if err != nil {
		t.Fatalf("PushSubscriptionsForRoom: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/ep1" {
		t.Fatalf("PushSubscriptionsForRoom = %+v", subs)
	}

	// Re-subscribing moves the identity to the new room.
	sub.Room = "dr5ru7"
	if err := s.SavePushSubscription(ctx, sub); err != nil {
		t.Fatalf("SavePushSubscription again: %v", err)
	}
	subs, _ = s.PushSubscriptionsForRoom(ctx, "gcpuzg")
	if len(subs) != 0 {
		t.Errorf("old room still has %d subscriptions", len(subs))
	}

	if err := s.DeletePushSubscription(ctx, "u1"); err != nil {
		t.Fatalf("DeletePushSubscription: %v", err)
	}
	subs, _ = s.PushSubscriptionsForRoom(ctx, "dr5ru7")
	if len(subs) != 0 {
		t.Errorf("subscription still present after delete")
	}
}
