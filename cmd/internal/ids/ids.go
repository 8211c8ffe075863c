// Package ids provides the ID primitives used across parley.
//
// Two families are in play:
//   - ULIDs for session and envelope ids (lexicographically sortable, good
//     for tracing and log ordering).
//   - Random UUIDs for conversation and message document ids (the store
//     neither needs nor wants ordering in document keys).
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewKey returns a ULID for the current instant, used for storage object
// keys where lexicographic order matches upload order.
func NewKey() (string, error) {
	return NewULID(time.Now().UTC())
}

// NewDocID returns a fresh random document id (UUID v4).
// Conversation and message ids are generated client-side before the write
// so optimistic local appends can be deduplicated against listener
// emissions by identifier.
func NewDocID() string {
	return uuid.NewString()
}
