package synccache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPrefix = "sync:result:"

// RedisCache shares sync results across worker instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

// NewRedisCache creates a Redis-backed result cache.
func NewRedisCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, prefix: defaultRedisPrefix, log: log}
}

func (c *RedisCache) Get(ctx context.Context, journalID string) (Entry, bool) {
	raw, err := c.client.Get(ctx, c.prefix+journalID).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("sync cache read failed, treating as miss", zap.Error(err))
		}
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.Warn("sync cache entry corrupt, treating as miss", zap.Error(err))
		return Entry{}, false
	}
	return e, true
}

func (c *RedisCache) Set(ctx context.Context, journalID string, e Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+journalID, raw, c.ttl).Err(); err != nil {
		c.log.Warn("sync cache write failed", zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, journalID string) {
	if err := c.client.Del(ctx, c.prefix+journalID).Err(); err != nil {
		c.log.Warn("sync cache invalidate failed", zap.Error(err))
	}
}
