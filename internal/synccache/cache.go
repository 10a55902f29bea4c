// Package synccache short-circuits rapid repeated sync requests with a
// short-TTL result cache keyed by journal id. It is never the source
// of truth; on any store error implementations behave as a miss.
package synccache

import (
	"context"
	"time"
)

// DefaultTTL is how long a sync result short-circuits repeats.
const DefaultTTL = 5 * time.Minute

// Entry is the cached outcome of the last sync run.
type Entry struct {
	Positions int       `json:"positions"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Closed    int       `json:"closed"`
	SyncedAt  time.Time `json:"syncedAt"`
}

// Cache stores one Entry per journal id.
type Cache interface {
	// Get returns the entry and whether it was present. Store errors
	// surface as a miss, never as a failure.
	Get(ctx context.Context, journalID string) (Entry, bool)
	Set(ctx context.Context, journalID string, e Entry)
	Invalidate(ctx context.Context, journalID string)
}
