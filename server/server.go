// Package server implements the room coordination core: an arena of
// per-room actors, the websocket transport that feeds them, and the
// HTTP surface around both.
//
// Each room is a spatial cell (geohash) or a business, and is fully
// isolated from every other room. Room state is memory only; history is
// a bounded replay window, not a log.
package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loci.chat/auth"
	"loci.chat/spatial"
)

// DefaultKeepAlive is how long an empty room lingers before eviction.
const DefaultKeepAlive = 5 * time.Minute

// Server is the room arena. Rooms are created lazily on first admit and
// evicted by the janitor once empty past the keep-alive window.
type Server struct {
	log         zerolog.Logger
	historySize int
	keepAlive   time.Duration
	meta        *MetadataCache
	onPublish   PublishHook

	mtx   sync.RWMutex
	rooms map[string]*Room

	stop chan struct{}
	once sync.Once
}

// Option configures the server.
type Option func(*Server)

// WithHistorySize overrides the per-room history bound.
func WithHistorySize(n int) Option {
	return func(s *Server) { s.historySize = n }
}

// WithKeepAlive overrides how long empty rooms are retained.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// WithMetadataCache attaches a link-preview cache shared across rooms.
func WithMetadataCache(meta *MetadataCache) Option {
	return func(s *Server) { s.meta = meta }
}

// WithPublishHook observes every accepted message.
func WithPublishHook(hook PublishHook) Option {
	return func(s *Server) { s.onPublish = hook }
}

// New creates the arena and starts the janitor.
func New(log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		log:         log,
		historySize: DefaultHistorySize,
		keepAlive:   DefaultKeepAlive,
		rooms:       make(map[string]*Room),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.janitor()
	return s
}

// Room returns the actor for a key, creating it if needed.
func (s *Server) Room(id string) *Room {
	s.mtx.RLock()
	room, ok := s.rooms[id]
	s.mtx.RUnlock()
	if ok {
		return room
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if room, ok = s.rooms[id]; ok {
		return room
	}
	room = NewRoom(id, s.historySize, s.meta, s.onPublish, s.log)
	s.rooms[id] = room
	roomsActive.Inc()
	s.log.Debug().Str("room", id).Msg("room created")
	return room
}

// Admit resolves the room for a key and admits the session, retrying if
// the janitor evicts the room between lookup and admit.
func (s *Server) Admit(roomID string, identity auth.Identity, pos spatial.Position, conn Conn) (*Room, error) {
	for attempt := 0; attempt < 3; attempt++ {
		room := s.Room(roomID)
		err := room.Admit(identity, pos, conn)
		if err == ErrRoomClosed {
			continue
		}
		return room, err
	}
	return nil, ErrRoomClosed
}

// Lookup returns an existing room without creating one.
func (s *Server) Lookup(id string) (*Room, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	room, ok := s.rooms[id]
	return room, ok
}

// Rooms returns the number of resident rooms.
func (s *Server) Rooms() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.rooms)
}

// Close stops the janitor and every room actor.
func (s *Server) Close() {
	s.once.Do(func() { close(s.stop) })

	s.mtx.Lock()
	defer s.mtx.Unlock()
	for id, room := range s.rooms {
		room.Stop()
		delete(s.rooms, id)
		roomsActive.Dec()
	}
}

func (s *Server) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep evicts rooms that have sat empty past the keep-alive window.
func (s *Server) sweep(now time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for id, room := range s.rooms {
		empty := room.EmptySince()
		if empty.IsZero() || now.Sub(empty) < s.keepAlive {
			continue
		}
		room.Stop()
		delete(s.rooms, id)
		roomsActive.Dec()
		s.log.Debug().Str("room", id).Msg("idle room evicted")
	}
}
