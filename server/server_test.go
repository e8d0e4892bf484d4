package server

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"loci.chat/spatial"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s := New(zerolog.Nop(), opts...)
	t.Cleanup(s.Close)
	return s
}

func TestRoomsCreatedLazily(t *testing.T) {
	s := newTestServer(t)

	if s.Rooms() != 0 {
		t.Fatalf("Rooms = %d on fresh server", s.Rooms())
	}

	r1 := s.Room("gcpuzg")
	r2 := s.Room("gcpuzg")
	if r1 != r2 {
		t.Error("same key produced different rooms")
	}
	if s.Rooms() != 1 {
		t.Errorf("Rooms = %d, want 1", s.Rooms())
	}

	s.Room("business:cafe-42")
	if s.Rooms() != 2 {
		t.Errorf("Rooms = %d, want 2", s.Rooms())
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	s := newTestServer(t)

	a := s.Room("gcpuzg")
	b := s.Room("dr5ru7")

	ca, cb := &fakeConn{}, &fakeConn{}
	if err := a.Admit(ident("u1"), spatial.Position{}, ca); err != nil {
		t.Fatalf("Admit a: %v", err)
	}
	if err := b.Admit(ident("u2"), spatial.Position{}, cb); err != nil {
		t.Fatalf("Admit b: %v", err)
	}

	a.Publish(ca, textMessage("m1", "only in a"))

	for _, msg := range messagesOf(cb) {
		if msg.ID == "m1" {
			t.Error("message crossed rooms")
		}
	}
	if len(b.History()) != 1 { // just u2's join
		t.Errorf("room b history = %d entries", len(b.History()))
	}
}

func TestSweepEvictsIdleRooms(t *testing.T) {
	s := newTestServer(t, WithKeepAlive(time.Minute))

	room := s.Room("gcpuzg")
	conn := &fakeConn{}
	if err := room.Admit(ident("u1"), spatial.Position{}, conn); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	// Occupied rooms survive any sweep.
	s.sweep(time.Now().Add(time.Hour))
	if _, ok := s.Lookup("gcpuzg"); !ok {
		t.Fatal("occupied room evicted")
	}

	room.Remove(conn)

	// Empty but inside the keep-alive window.
	s.sweep(time.Now().Add(30 * time.Second))
	if _, ok := s.Lookup("gcpuzg"); !ok {
		t.Fatal("room evicted before keep-alive elapsed")
	}

	// Past the window.
	s.sweep(time.Now().Add(2 * time.Minute))
	if _, ok := s.Lookup("gcpuzg"); ok {
		t.Fatal("idle room not evicted")
	}

	// A new connection simply recreates the room.
	fresh := s.Room("gcpuzg")
	if err := fresh.Admit(ident("u1"), spatial.Position{}, &fakeConn{}); err != nil {
		t.Fatalf("Admit after eviction: %v", err)
	}
}

func TestArenaAdmitRetriesEvictedRoom(t *testing.T) {
	s := newTestServer(t)

	// Stop the room behind the arena's back to simulate the janitor race.
	room := s.Room("gcpuzg")
	s.mtx.Lock()
	delete(s.rooms, "gcpuzg")
	s.mtx.Unlock()
	room.Stop()

	got, err := s.Admit("gcpuzg", ident("u1"), spatial.Position{}, &fakeConn{})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if got == room {
		t.Error("Admit returned the stopped room")
	}
	if got.Sessions() != 1 {
		t.Errorf("Sessions = %d, want 1", got.Sessions())
	}
}

func TestPublishHookSeesConnected(t *testing.T) {
	type call struct {
		room      string
		id        string
		connected []string
	}
	calls := make(chan call, 1)

	s := newTestServer(t, WithPublishHook(func(roomID string, msg *Message, connected []string) {
		calls <- call{room: roomID, id: msg.ID, connected: connected}
	}))

	room := s.Room("gcpuzg")
	conn := &fakeConn{}
	if err := room.Admit(ident("u1"), spatial.Position{}, conn); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	room.Publish(conn, textMessage("m1", "hi"))

	select {
	case got := <-calls:
		if got.room != "gcpuzg" || got.id != "m1" {
			t.Errorf("hook got %+v", got)
		}
		if len(got.connected) != 1 || got.connected[0] != "u1" {
			t.Errorf("hook connected = %v, want [u1]", got.connected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish hook not invoked")
	}
}
