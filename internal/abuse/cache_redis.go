package abuse

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"api-guard/internal/clock"
	"api-guard/internal/common/logging"
)

const redisCacheKeyPrefix = "apiguard:block:"

// RedisCache is a shared block cache for multi-instance deployments: a
// block created by one instance becomes visible to the others without
// waiting for their next durable lookup. Failures degrade to cache misses;
// the durable store remains the source of truth.
type RedisCache struct {
	client *redis.Client
	clock  clock.Clock
	logger logging.Logger
}

// NewRedisCache creates a redis-backed block cache.
func NewRedisCache(client *redis.Client, clk clock.Clock, logger logging.Logger) *RedisCache {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RedisCache{client: client, clock: clk, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, ip string) (CacheEntry, bool) {
	data, err := c.client.Get(ctx, redisCacheKeyPrefix+ip).Bytes()
	if err == redis.Nil {
		return CacheEntry{}, false
	}
	if err != nil {
		c.logger.Warn("block cache read failed", logging.String("ip", ip), logging.Err(err))
		return CacheEntry{}, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("block cache entry corrupt", logging.String("ip", ip), logging.Err(err))
		return CacheEntry{}, false
	}
	if entry.Expired(c.clock.Now()) {
		return CacheEntry{}, false
	}
	return entry, true
}

func (c *RedisCache) Set(ctx context.Context, ip string, entry CacheEntry) {
	ttl := firewallCacheTTL
	if entry.ExpiresAt != nil {
		ttl = entry.ExpiresAt.Sub(c.clock.Now())
		if ttl <= 0 {
			return
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("block cache entry encode failed", logging.String("ip", ip), logging.Err(err))
		return
	}
	if err := c.client.Set(ctx, redisCacheKeyPrefix+ip, data, ttl).Err(); err != nil {
		c.logger.Warn("block cache write failed", logging.String("ip", ip), logging.Err(err))
	}
}

func (c *RedisCache) Delete(ctx context.Context, ip string) {
	if err := c.client.Del(ctx, redisCacheKeyPrefix+ip).Err(); err != nil {
		c.logger.Warn("block cache delete failed", logging.String("ip", ip), logging.Err(err))
	}
}

var _ BlockCache = (*RedisCache)(nil)
