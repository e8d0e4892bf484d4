package server

import (
	"errors"

	"loci.chat/auth"
	"loci.chat/spatial"
)

// ErrSlowConsumer is returned by a Conn whose outbound buffer is full.
// The room treats it the same as a disconnect.
var ErrSlowConsumer = errors.New("slow consumer")

// Conn is one live duplex connection as the room sees it. Send must not
// block: implementations enqueue and report failure instead of stalling
// the broadcast.
type Conn interface {
	Send(*Event) error
	Close()
}

// Session pairs an identity with a live connection inside one room.
// Owned exclusively by the room actor that admitted it.
type Session struct {
	Identity auth.Identity
	Position spatial.Position
	conn     Conn
}

// View returns the session's presence entry.
func (s *Session) View() SessionView {
	return SessionView{Identity: s.Identity, Position: s.Position}
}
