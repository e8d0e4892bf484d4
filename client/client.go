// Package client maintains one duplex connection to one room at a time:
// an explicit state machine that survives network flaps and room
// switches without duplicating or dropping visible messages.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loci.chat/auth"
	"loci.chat/server"
	"loci.chat/spatial"
)

// State of the connection machine. No state is terminal; the machine
// recovers unless Close is called.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var (
	// ErrQueueFull is surfaced to the user when the pending queue hits
	// its bound during an outage.
	ErrQueueFull = errors.New("pending queue full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

const (
	// DefaultMaxPending bounds messages queued while offline.
	DefaultMaxPending = 32

	// DefaultBackoff is the fixed delay before a reconnect attempt.
	DefaultBackoff = 3 * time.Second

	// DefaultPositionDebounce coalesces position-only presence updates.
	DefaultPositionDebounce = 5 * time.Second
)

// EventConn is one live connection to a room.
type EventConn interface {
	ReadEvent() (*server.Event, error)
	WriteEvent(*server.Event) error
	Close() error
}

// Dialer opens a connection to a room key.
type Dialer interface {
	Dial(ctx context.Context, room string) (EventConn, error)
}

// Options configures a Manager.
type Options struct {
	Dialer   Dialer
	Identity auth.Identity

	MaxPending       int
	Backoff          time.Duration
	PositionDebounce time.Duration

	// OnEvent observes every event after it is merged.
	OnEvent func(*server.Event)
	// OnState observes state transitions.
	OnState func(State)

	Logger zerolog.Logger
}

// Manager owns the connection state machine, the pending queue and the
// visible transcript. One manager serves one room relationship at a
// time; switching rooms tears the old connection down cleanly.
type Manager struct {
	opts Options

	mu         sync.Mutex
	state      State
	room       string // persisted room key, empty until first accepted
	conn       EventConn
	gen        int  // bumped on every teardown; stale callbacks no-op
	flushing   bool // reconnect flush in flight; new sends queue behind it
	pending    []*server.Message
	transcript *Transcript
	reconnect  *time.Timer

	position      spatial.Position
	hasPosition   bool
	lastPresence  time.Time
	presenceTimer *time.Timer

	closed bool
}

// New creates a manager in the disconnected state.
func New(opts Options) *Manager {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.PositionDebounce <= 0 {
		opts.PositionDebounce = DefaultPositionDebounce
	}
	return &Manager{
		opts:       opts,
		state:      StateDisconnected,
		transcript: NewTranscript(),
	}
}

// State returns the current machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Room returns the persisted room key, empty if none accepted yet.
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Transcript returns the visible message log.
func (m *Manager) Transcript() *Transcript {
	return m.transcript
}

// Pending returns the number of queued unsent messages.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// SetPosition records the client's movement. The first position adopts
// the spatial room and connects; afterwards a changed cell does NOT
// switch rooms (GPS jitter near a cell edge must not flap the
// connection) until the caller explicitly accepts a key via SwitchRoom.
// While connected, position-only updates are debounced.
func (m *Manager) SetPosition(pos spatial.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.position = pos
	m.hasPosition = true

	if m.room == "" {
		m.switchLocked(spatial.RoomFromPosition(pos))
		return
	}

	if m.state == StateConnected {
		m.schedulePresenceLocked()
	}
}

// SwitchRoom explicitly accepts a new room key: the prior connection is
// torn down with no reconnect attempt, any pending timer for the old key
// is cancelled, and a connection to the new key is opened.
func (m *Manager) SwitchRoom(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || key == "" || key == m.room {
		return
	}
	m.switchLocked(key)
}

// SwitchToBusiness connects to a business room.
func (m *Manager) SwitchToBusiness(id string) {
	m.SwitchRoom(spatial.RoomFromBusiness(id))
}

// SwitchToPosition re-resolves the spatial room for a position and
// accepts it. This is the explicit act that updates the persisted key.
func (m *Manager) SwitchToPosition(pos spatial.Position) {
	m.mu.Lock()
	m.position = pos
	m.hasPosition = true
	m.mu.Unlock()
	m.SwitchRoom(spatial.RoomFromPosition(pos))
}

// Send submits a message. Connected: transmitted immediately.
// Otherwise queued (bounded) for the flush on reconnect. Either way the
// message lands in the transcript at once as the optimistic copy; the
// server echo merges by id into a no-op.
func (m *Manager) Send(content string, kind server.Kind, duration float64) (*server.Message, error) {
	msg := &server.Message{
		ID:        NewMessageID(),
		Author:    m.opts.Identity,
		Content:   content,
		Kind:      kind,
		CreatedAt: time.Now(),
	}
	if kind == server.KindAudio {
		msg.Duration = duration
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	if m.state != StateConnected || m.flushing {
		if len(m.pending) >= m.opts.MaxPending {
			m.mu.Unlock()
			return nil, ErrQueueFull
		}
		m.pending = append(m.pending, msg)
		m.transcript.Merge(msg)
		m.mu.Unlock()
		return msg, nil
	}

	conn := m.conn
	gen := m.gen
	m.transcript.Merge(msg)
	m.mu.Unlock()

	if err := conn.WriteEvent(&server.Event{Type: server.EventMessage, Message: msg}); err != nil {
		// Not delivered: queue it for the flush and drive recovery.
		m.mu.Lock()
		if !m.closed && gen == m.gen {
			if len(m.pending) < m.opts.MaxPending {
				m.pending = append(m.pending, msg)
			}
		}
		m.mu.Unlock()
		m.transportError(gen)
	}
	return msg, nil
}

// Close shuts the machine down cleanly. No reconnect is scheduled.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.teardownLocked()
	m.setStateLocked(StateDisconnected)
}

// switchLocked tears down any current connection and dials the new key.
// The transcript belongs to one room, so it resets with the switch.
func (m *Manager) switchLocked(key string) {
	m.teardownLocked()
	if m.room != "" {
		m.transcript.Reset()
	}
	m.room = key
	m.connectLocked()
}

// teardownLocked invalidates the current generation: closes the
// connection and cancels the reconnect and presence timers.
func (m *Manager) teardownLocked() {
	m.gen++
	m.flushing = false
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.presenceTimer != nil {
		m.presenceTimer.Stop()
		m.presenceTimer = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.opts.OnState != nil {
		go m.opts.OnState(s)
	}
}

func (m *Manager) connectLocked() {
	m.setStateLocked(StateConnecting)
	go m.dial(m.gen, m.room)
}

func (m *Manager) dial(gen int, room string) {
	conn, err := m.opts.Dialer.Dial(context.Background(), room)

	m.mu.Lock()
	if m.closed || gen != m.gen || m.room != room {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.opts.Logger.Debug().Err(err).Str("room", room).Msg("dial failed")
		m.setStateLocked(StateError)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.conn = conn
	// Sends stay queued until the presence update and the backlog have
	// gone out, so nothing submitted mid-flush jumps the line.
	m.flushing = true
	m.setStateLocked(StateConnected)

	var presence *server.Event
	if m.hasPosition {
		pos := m.position
		presence = &server.Event{Type: server.EventPresenceUpdate, Position: &pos}
		m.lastPresence = time.Now()
	}
	m.mu.Unlock()

	go m.readLoop(gen, conn)

	// Identity+position first, then the queue in submission order.
	if presence != nil {
		if err := conn.WriteEvent(presence); err != nil {
			m.transportError(gen)
			return
		}
	}

	for {
		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return
		}
		if len(m.pending) == 0 {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		queued := m.pending
		m.pending = nil
		m.mu.Unlock()

		for i, msg := range queued {
			if err := conn.WriteEvent(&server.Event{Type: server.EventMessage, Message: msg}); err != nil {
				m.requeue(gen, queued[i:])
				m.transportError(gen)
				return
			}
		}
	}
}

// requeue puts unflushed messages back at the head of the queue.
func (m *Manager) requeue(gen int, msgs []*server.Message) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		return
	}
	m.pending = append(append([]*server.Message{}, msgs...), m.pending...)
}

func (m *Manager) readLoop(gen int, conn EventConn) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			m.transportError(gen)
			return
		}
		m.handleEvent(gen, ev)
	}
}

// handleEvent merges what affects the transcript and forwards the event.
// Events read off a superseded connection are dropped, as are unknown
// types. The merge happens under the lock: a room switch between the
// staleness check and the merge would otherwise leak an old-room message
// into the freshly reset transcript.
func (m *Manager) handleEvent(gen int, ev *server.Event) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}

	switch ev.Type {
	case server.EventHistory:
		for _, msg := range ev.Messages {
			m.transcript.Merge(msg)
		}
	case server.EventMessage:
		if ev.Message != nil {
			m.transcript.Merge(ev.Message)
		}
	case server.EventPresence:
		// presence carries no transcript state
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.opts.OnEvent != nil {
		m.opts.OnEvent(ev)
	}
}

// transportError moves the machine to error and schedules exactly one
// reconnect. Stale generations (already superseded by a switch or a
// newer error) are ignored.
func (m *Manager) transportError(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		return
	}

	m.teardownLocked()
	m.setStateLocked(StateError)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the single reconnect timer. A second
// error while the timer is pending must not arm another.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnect != nil {
		return
	}
	gen := m.gen
	m.reconnect = time.AfterFunc(m.opts.Backoff, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.gen || m.state == StateConnected {
			return
		}
		m.reconnect = nil
		m.connectLocked()
	})
}

// schedulePresenceLocked sends a presence update now if outside the
// debounce window, otherwise arms one trailing send.
func (m *Manager) schedulePresenceLocked() {
	if time.Since(m.lastPresence) >= m.opts.PositionDebounce {
		m.sendPresenceLocked()
		return
	}
	if m.presenceTimer != nil {
		return
	}
	gen := m.gen
	delay := m.opts.PositionDebounce - time.Since(m.lastPresence)
	m.presenceTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.gen || m.state != StateConnected {
			return
		}
		m.presenceTimer = nil
		m.sendPresenceLocked()
	})
}

func (m *Manager) sendPresenceLocked() {
	conn := m.conn
	if conn == nil {
		return
	}
	pos := m.position
	m.lastPresence = time.Now()
	gen := m.gen
	go func() {
		if err := conn.WriteEvent(&server.Event{Type: server.EventPresenceUpdate, Position: &pos}); err != nil {
			m.transportError(gen)
		}
	}()
}
