// README: Redis-backed cache of validated tenants, keyed by candidate.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "tenant:%s"

// RedisCache decorates a Registry with a short-lived Redis cache and serves as
// the guard's Cache.
type RedisCache struct {
	next  Registry
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisCache(next Registry, rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{next: next, redis: rdb, ttl: ttl}
}

func (c *RedisCache) Lookup(ctx context.Context, candidate string) (Tenant, error) {
	// Misses and cache outages both fall through to the registry.
	if raw, err := c.redis.Get(ctx, cacheKey(candidate)).Bytes(); err == nil {
		var t Tenant
		if json.Unmarshal(raw, &t) == nil && t.ID != "" {
			return t, nil
		}
	}

	t, err := c.next.Lookup(ctx, candidate)
	if err != nil {
		return Tenant{}, err
	}
	if payload, err := json.Marshal(t); err == nil {
		_ = c.redis.Set(ctx, cacheKey(candidate), payload, c.ttl).Err()
	}
	return t, nil
}

// Purge drops the cached tenant and any state stored under the key.
func (c *RedisCache) Purge(ctx context.Context, key string) error {
	keys := []string{cacheKey(key)}
	iter := c.redis.Scan(ctx, 0, cacheKey(key)+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan tenant keys: %w", err)
	}
	return c.redis.Del(ctx, keys...).Err()
}

func cacheKey(candidate string) string {
	return fmt.Sprintf(cacheKeyPrefix, candidate)
}
