package synccache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is the in-process fallback used when no Redis address is
// configured.
type MemoryCache struct {
	store *gocache.Cache
}

// NewMemory creates an in-process result cache.
func NewMemory(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{store: gocache.New(ttl, 2*ttl)}
}

func (c *MemoryCache) Get(_ context.Context, journalID string) (Entry, bool) {
	v, ok := c.store.Get(journalID)
	if !ok {
		return Entry{}, false
	}
	e, ok := v.(Entry)
	return e, ok
}

func (c *MemoryCache) Set(_ context.Context, journalID string, e Entry) {
	c.store.SetDefault(journalID, e)
}

func (c *MemoryCache) Invalidate(_ context.Context, journalID string) {
	c.store.Delete(journalID)
}
