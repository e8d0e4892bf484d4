package client

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewMessageID assigns a client-side message id: a ULID, so a timestamp
// plus a random suffix. Ids are unique within a room and survive the
// optimistic-echo round trip unchanged.
func NewMessageID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
