package server

import (
	"time"

	"github.com/google/uuid"

	"loci.chat/auth"
	"loci.chat/spatial"
)

// Kind classifies a message.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindAudio  Kind = "audio"
	KindSystem Kind = "system"
)

// Valid reports whether the kind is one we accept from clients.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio:
		return true
	}
	return false
}

// Metadata is a link preview scraped from a URL in a text message.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Image       string `json:"image,omitempty"`
	Url         string `json:"url,omitempty"`
	Site        string `json:"site,omitempty"`
}

// Message is one chat entry. Ids are assigned by the sender and never
// regenerated here; only system notices get server-assigned ids.
type Message struct {
	ID        string        `json:"id"`
	Author    auth.Identity `json:"author"`
	Content   string        `json:"content"`
	Kind      Kind          `json:"kind"`
	CreatedAt time.Time     `json:"created_at"`
	// Duration in seconds, audio messages only.
	Duration float64   `json:"duration,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// NewSystemMessage creates a server-originated notice (joins, leaves).
func NewSystemMessage(text string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Content:   text,
		Kind:      KindSystem,
		CreatedAt: time.Now(),
	}
}

// SessionView is the per-session slice of a presence broadcast.
type SessionView struct {
	Identity auth.Identity    `json:"identity"`
	Position spatial.Position `json:"position"`
}

// Event types. The envelope is a closed union; unrecognized types are
// dropped at the boundary rather than sniffed.
const (
	EventHistory        = "history"
	EventPresence       = "presence"
	EventMessage        = "message"
	EventPresenceUpdate = "presence-update"
)

// Event is the wire envelope, one JSON object per event.
type Event struct {
	Type     string            `json:"type"`
	Messages []*Message        `json:"messages,omitempty"`
	Sessions []SessionView     `json:"sessions,omitempty"`
	Message  *Message          `json:"message,omitempty"`
	Position *spatial.Position `json:"position,omitempty"`
}
