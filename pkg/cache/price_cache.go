// Package cache holds the short-lived quote cache used to estimate
// live P&L on open positions without hammering the gateway.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache is a sharded TTL cache of recent quotes keyed by
// account/symbol.
type PriceCache struct {
	maxAge time.Duration
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates a cache whose entries go stale after maxAge.
func NewPriceCache(maxAge time.Duration) *PriceCache {
	c := &PriceCache{maxAge: maxAge}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

func (c *PriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a quote.
func (c *PriceCache) Set(key string, price float64) {
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = priceEntry{price: price, updatedAt: time.Now()}
	shard.mu.Unlock()
}

// Get returns a quote unless it has gone stale.
func (c *PriceCache) Get(key string) (float64, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok || (c.maxAge > 0 && time.Since(entry.updatedAt) > c.maxAge) {
		return 0, false
	}
	return entry.price, true
}

// Cleanup removes entries older than the max age and reports how many
// were dropped.
func (c *PriceCache) Cleanup() int {
	if c.maxAge <= 0 {
		return 0
	}
	removed := 0
	cutoff := time.Now().Add(-c.maxAge)
	for _, shard := range c.shards {
		shard.mu.Lock()
		for k, v := range shard.items {
			if v.updatedAt.Before(cutoff) {
				delete(shard.items, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}
