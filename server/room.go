package server

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"loci.chat/auth"
	"loci.chat/spatial"
)

// ErrRoomClosed is returned when an operation races with room eviction.
// Callers re-resolve the room and retry.
var ErrRoomClosed = errors.New("room closed")

// DefaultHistorySize is the number of messages retained for replay.
const DefaultHistorySize = 20

// Room serializes all state mutation for one room key onto a single
// goroutine. Sessions and history are owned by that goroutine alone;
// every operation below is an op posted to its inbox.
type Room struct {
	ID string

	ops  chan func(*roomState)
	done chan struct{}

	historySize int
	meta        *MetadataCache
	onPublish   PublishHook
	log         zerolog.Logger

	// sessionCount and emptySince let the janitor test for idleness
	// without posting an op.
	sessionCount atomic.Int64
	emptySince   atomic.Int64
}

type roomState struct {
	sessions map[string]*Session // identity id -> session
	conns    map[Conn]string     // live handle -> identity id
	history  []*Message
}

func newRoomState() *roomState {
	return &roomState{
		sessions: make(map[string]*Session),
		conns:    make(map[Conn]string),
	}
}

// PublishHook observes accepted messages, e.g. for push notification.
// Called off the actor goroutine with the connected identity ids at the
// time of publish.
type PublishHook func(roomID string, msg *Message, connected []string)

// NewRoom creates the room and starts its actor goroutine.
func NewRoom(id string, historySize int, meta *MetadataCache, onPublish PublishHook, log zerolog.Logger) *Room {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	r := &Room{
		ID:          id,
		ops:         make(chan func(*roomState), 64),
		done:        make(chan struct{}),
		historySize: historySize,
		meta:        meta,
		onPublish:   onPublish,
		log:         log.With().Str("room", id).Logger(),
	}
	r.emptySince.Store(time.Now().UnixNano())
	go r.run()
	return r
}

func (r *Room) run() {
	st := newRoomState()
	for {
		if r.loop(st) {
			return
		}
		// A panic inside an op is not allowed to take down other rooms.
		// The actor restarts with empty state; connected clients are cut
		// and reconnect into the fresh room.
		r.log.Warn().Msg("room actor restarted with empty state")
		for conn := range st.conns {
			conn.Close()
		}
		sessionsConnected.Sub(float64(len(st.sessions)))
		st = newRoomState()
		r.sessionCount.Store(0)
		r.emptySince.Store(time.Now().UnixNano())
	}
}

func (r *Room) loop(st *roomState) (stopped bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("room op panicked")
		}
	}()

	for {
		select {
		case op := <-r.ops:
			op(st)
		case <-r.done:
			for conn := range st.conns {
				conn.Close()
			}
			return true
		}
	}
}

// Stop shuts the actor down and closes every connection.
func (r *Room) Stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// do posts an op and waits for it to run.
func (r *Room) do(op func(*roomState)) error {
	ran := make(chan struct{})
	wrapped := func(st *roomState) {
		defer close(ran)
		op(st)
	}

	select {
	case r.ops <- wrapped:
	case <-r.done:
		return ErrRoomClosed
	}

	select {
	case <-ran:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

// Admit adds a session for the identity. A reconnecting identity replaces
// its previous session: the stale handle is closed without a departure
// notice so a fast flap never shows as "left / joined". The new handle
// receives the history snapshot (oldest first) then a presence listing
// before any later broadcast can interleave.
func (r *Room) Admit(identity auth.Identity, pos spatial.Position, conn Conn) error {
	if identity.ID == "" {
		return auth.ErrUnauthenticated
	}

	return r.do(func(st *roomState) {
		if prior, ok := st.sessions[identity.ID]; ok {
			delete(st.conns, prior.conn)
			prior.conn.Close()

			sess := &Session{Identity: identity, Position: pos, conn: conn}
			st.sessions[identity.ID] = sess
			st.conns[conn] = identity.ID

			if !r.sendSnapshot(st, conn) {
				return
			}
			r.deliver(st, &Event{Type: EventPresence, Sessions: r.views(st)})
			return
		}

		sess := &Session{Identity: identity, Position: pos, conn: conn}
		st.sessions[identity.ID] = sess
		st.conns[conn] = identity.ID
		r.sessionCount.Store(int64(len(st.sessions)))
		sessionsConnected.Inc()

		if !r.sendSnapshot(st, conn) {
			return
		}

		joined := NewSystemMessage(fmt.Sprintf("%s joined", identity.DisplayName))
		r.append(st, joined)
		r.deliver(st, &Event{Type: EventMessage, Message: joined})
		r.deliver(st, &Event{Type: EventPresence, Sessions: r.views(st)})
	})
}

// Remove drops the session owning the handle. A handle superseded by a
// newer reconnect is stale and ignored, so a late-closing old socket
// cannot evict the fresh session.
func (r *Room) Remove(conn Conn) {
	_ = r.do(func(st *roomState) {
		r.remove(st, conn)
	})
}

// Publish appends the sender's message to history and fans it out to all
// sessions, the sender included: the echo is the authoritative copy.
func (r *Room) Publish(conn Conn, msg *Message) {
	_ = r.do(func(st *roomState) {
		id, ok := st.conns[conn]
		if !ok {
			return // stale handle
		}
		if msg == nil || msg.ID == "" || !msg.Kind.Valid() {
			return
		}
		if msg.Kind != KindAudio {
			msg.Duration = 0
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		msg.Author = st.sessions[id].Identity
		msg.Metadata = nil

		r.append(st, msg)
		messagesPublished.Inc()
		r.deliver(st, &Event{Type: EventMessage, Message: msg})

		if r.meta != nil && msg.Kind == KindText {
			go r.meta.Unfurl(msg.ID, msg.Content)
		}
		if r.onPublish != nil {
			connected := make([]string, 0, len(st.sessions))
			for sid := range st.sessions {
				connected = append(connected, sid)
			}
			go r.onPublish(r.ID, msg, connected)
		}
	})
}

// UpdatePresence stores the session's new position and re-broadcasts the
// presence listing. History is untouched.
func (r *Room) UpdatePresence(conn Conn, pos spatial.Position) {
	_ = r.do(func(st *roomState) {
		id, ok := st.conns[conn]
		if !ok {
			return // stale handle
		}
		st.sessions[id].Position = pos
		r.deliver(st, &Event{Type: EventPresence, Sessions: r.views(st)})
	})
}

// History returns a copy of the retained messages, oldest first.
func (r *Room) History() []*Message {
	var out []*Message
	_ = r.do(func(st *roomState) {
		out = r.snapshotHistory(st)
	})
	return out
}

// Presences returns the identity ids currently connected.
func (r *Room) Presences() []string {
	var ids []string
	_ = r.do(func(st *roomState) {
		for id := range st.sessions {
			ids = append(ids, id)
		}
	})
	return ids
}

// Sessions reports the current session count without posting an op.
func (r *Room) Sessions() int {
	return int(r.sessionCount.Load())
}

// EmptySince returns when the room last became empty, zero if occupied.
func (r *Room) EmptySince() time.Time {
	if r.sessionCount.Load() > 0 {
		return time.Time{}
	}
	return time.Unix(0, r.emptySince.Load())
}

func (r *Room) remove(st *roomState, conn Conn) {
	id, ok := st.conns[conn]
	if !ok {
		return // already superseded or removed
	}
	sess := st.sessions[id]
	if sess == nil || sess.conn != conn {
		delete(st.conns, conn)
		return
	}

	delete(st.conns, conn)
	delete(st.sessions, id)
	conn.Close()
	r.sessionCount.Store(int64(len(st.sessions)))
	sessionsConnected.Dec()
	if len(st.sessions) == 0 {
		r.emptySince.Store(time.Now().UnixNano())
	}

	left := NewSystemMessage(fmt.Sprintf("%s left", sess.Identity.DisplayName))
	r.append(st, left)
	r.deliver(st, &Event{Type: EventMessage, Message: left})
	r.deliver(st, &Event{Type: EventPresence, Sessions: r.views(st)})
}

func (r *Room) append(st *roomState, msg *Message) {
	st.history = append(st.history, msg)
	if len(st.history) > r.historySize {
		st.history = st.history[1:]
	}
}

// deliver broadcasts best-effort per recipient. A failed recipient is
// treated as disconnected and removed, which may cascade further
// deliveries; each failure shrinks the session set so this terminates.
func (r *Room) deliver(st *roomState, ev *Event) {
	var failed []Conn
	for _, sess := range st.sessions {
		if err := sess.conn.Send(ev); err != nil {
			failed = append(failed, sess.conn)
		}
	}
	for _, conn := range failed {
		broadcastDrops.Inc()
		r.remove(st, conn)
	}
}

// sendSnapshot hands the new connection its point-in-time view. On
// failure the connection is evicted without a leave notice, since its
// join was never announced either.
func (r *Room) sendSnapshot(st *roomState, conn Conn) bool {
	history := &Event{Type: EventHistory, Messages: r.snapshotHistory(st)}
	presence := &Event{Type: EventPresence, Sessions: r.views(st)}
	if err := conn.Send(history); err != nil {
		r.evictSilently(st, conn)
		return false
	}
	if err := conn.Send(presence); err != nil {
		r.evictSilently(st, conn)
		return false
	}
	return true
}

func (r *Room) evictSilently(st *roomState, conn Conn) {
	id, ok := st.conns[conn]
	if !ok {
		return
	}
	delete(st.conns, conn)
	delete(st.sessions, id)
	conn.Close()
	r.sessionCount.Store(int64(len(st.sessions)))
	sessionsConnected.Dec()
	if len(st.sessions) == 0 {
		r.emptySince.Store(time.Now().UnixNano())
	}
}

func (r *Room) snapshotHistory(st *roomState) []*Message {
	out := make([]*Message, 0, len(st.history))
	for _, msg := range st.history {
		if r.meta != nil && msg.Metadata == nil {
			if g := r.meta.Get(msg.ID); g != nil {
				withMeta := *msg
				withMeta.Metadata = g
				out = append(out, &withMeta)
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

func (r *Room) views(st *roomState) []SessionView {
	views := make([]SessionView, 0, len(st.sessions))
	for _, sess := range st.sessions {
		views = append(views, sess.View())
	}
	return views
}
