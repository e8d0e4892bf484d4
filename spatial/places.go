package spatial

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/asim/quadtree"
	"github.com/rs/zerolog"
)

// Place is a business or venue that can host its own chat room.
type Place struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Room returns the chat room key for the place.
func (p *Place) Room() string {
	return RoomFromBusiness(p.ID)
}

// PlaceID derives a stable id from a place's identity fields.
func PlaceID(name string, lat, lon float64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%.6f:%.6f", name, lat, lon)))
	return fmt.Sprintf("%x", h[:8])
}

// Places is a quadtree-backed spatial index of places.
type Places struct {
	mu     sync.RWMutex
	tree   *quadtree.QuadTree
	points map[string]*quadtree.Point
	log    zerolog.Logger
}

// NewPlaces creates an empty in-memory index covering the whole globe.
func NewPlaces(log zerolog.Logger) *Places {
	center := quadtree.NewPoint(0, 0, nil)
	half := quadtree.NewPoint(90, 180, nil)
	boundary := quadtree.NewAABB(center, half)

	return &Places{
		tree:   quadtree.New(boundary, 0, nil),
		points: make(map[string]*quadtree.Point),
		log:    log,
	}
}

// Upsert adds or updates a place. A zero ID is derived from name+coords.
func (s *Places) Upsert(place *Place) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if place.ID == "" {
		place.ID = PlaceID(place.Name, place.Lat, place.Lon)
	}

	now := time.Now()
	if place.CreatedAt.IsZero() {
		place.CreatedAt = now
	}
	place.UpdatedAt = now

	if existing, ok := s.points[place.ID]; ok {
		s.tree.Remove(existing)
	}

	point := quadtree.NewPoint(place.Lat, place.Lon, place)
	if !s.tree.Insert(point) {
		return fmt.Errorf("insert place %s at (%.4f, %.4f)", place.ID, place.Lat, place.Lon)
	}
	s.points[place.ID] = point

	s.log.Debug().Str("place", place.ID).Str("name", place.Name).Msg("place indexed")
	return nil
}

// Get returns a place by id.
func (s *Places) Get(id string) (*Place, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	point, ok := s.points[id]
	if !ok {
		return nil, false
	}
	place, ok := point.Data().(*Place)
	return place, ok
}

// FindNearby returns up to limit places within radiusMeters of a position.
func (s *Places) FindNearby(pos Position, radiusMeters float64, limit int) []*Place {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 25
	}

	center := quadtree.NewPoint(pos.Lat(), pos.Lon(), nil)
	half := center.HalfPoint(radiusMeters)
	boundary := quadtree.NewAABB(center, half)

	filter := func(p *quadtree.Point) bool {
		_, ok := p.Data().(*Place)
		return ok
	}

	points := s.tree.KNearest(boundary, limit, filter)

	places := make([]*Place, 0, len(points))
	for _, p := range points {
		if place, ok := p.Data().(*Place); ok {
			places = append(places, place)
		}
	}
	return places
}

// Remove deletes a place from the index.
func (s *Places) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if point, ok := s.points[id]; ok {
		s.tree.Remove(point)
		delete(s.points, id)
	}
}

// Len returns the number of indexed places.
func (s *Places) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}
