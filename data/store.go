// Package data persists identities and push subscriptions in sqlite and
// stores uploaded blobs on disk. Room state is deliberately not here:
// history and presence live only inside the room actors.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"loci.chat/auth"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = "./data/loci.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS identities (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar_ref TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS push_subscriptions (
		identity_id TEXT PRIMARY KEY,
		room TEXT NOT NULL,
		subscription TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_push_room ON push_subscriptions(room);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveIdentity inserts or updates an identity.
func (s *Store) SaveIdentity(ctx context.Context, identity auth.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, display_name, avatar_ref)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_ref = excluded.avatar_ref`,
		identity.ID, identity.DisplayName, identity.AvatarRef)
	return err
}

// GetIdentity looks up an identity by id.
func (s *Store) GetIdentity(ctx context.Context, id string) (auth.Identity, error) {
	var identity auth.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, avatar_ref FROM identities WHERE id = ?`, id).
		Scan(&identity.ID, &identity.DisplayName, &identity.AvatarRef)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, ErrNotFound
	}
	return identity, err
}

// PushSubscription is a browser web-push subscription tied to a room.
type PushSubscription struct {
	IdentityID string `json:"identity_id"`
	Room       string `json:"room"`
	Endpoint   string `json:"endpoint"`
	Keys       struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SavePushSubscription stores a subscription, replacing any prior one for
// the identity.
func (s *Store) SavePushSubscription(ctx context.Context, sub *PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (identity_id, room, subscription)
		VALUES (?, ?, ?)
		ON CONFLICT(identity_id) DO UPDATE SET
			room = excluded.room,
			subscription = excluded.subscription`,
		sub.IdentityID, sub.Room, string(raw))
	return err
}

// DeletePushSubscription removes an identity's subscription.
func (s *Store) DeletePushSubscription(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE identity_id = ?`, identityID)
	return err
}

// PushSubscriptionsForRoom returns all subscriptions for a room.
func (s *Store) PushSubscriptionsForRoom(ctx context.Context, room string) ([]*PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscription FROM push_subscriptions WHERE room = ?`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*PushSubscription
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sub PushSubscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			continue
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}
