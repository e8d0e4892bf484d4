package client

import (
	"sync"

	"loci.chat/server"
)

// Transcript is the visible message log for the current room. Merging
// is idempotent by message id: the optimistic local copy and the server
// echo collapse into one entry no matter which lands first.
type Transcript struct {
	mu    sync.RWMutex
	order []*server.Message
	index map[string]int
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{index: make(map[string]int)}
}

// Merge adds a message unless its id is already present. Returns true
// when the message was new.
func (t *Transcript) Merge(msg *server.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[msg.ID]; ok {
		return false
	}
	t.index[msg.ID] = len(t.order)
	t.order = append(t.order, msg)
	return true
}

// Messages returns the entries in arrival order.
func (t *Transcript) Messages() []*server.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*server.Message, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of visible entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Reset clears the transcript, used when switching rooms.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = nil
	t.index = make(map[string]int)
}
