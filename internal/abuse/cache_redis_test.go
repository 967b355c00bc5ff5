package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-guard/internal/clock"
)

func setupRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis, *clock.Fake) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	fake := clock.NewFake(escStart)
	return NewRedisCache(client, fake, nil), mr, fake
}

func TestRedisCache_SetGet(t *testing.T) {
	cache, _, _ := setupRedisCache(t)
	ctx := context.Background()

	expiresAt := escStart.Add(15 * time.Minute)
	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1", ExpiresAt: &expiresAt})

	entry, ok := cache.Get(ctx, "10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "b1", entry.BlockID)
	require.NotNil(t, entry.ExpiresAt)
	assert.True(t, entry.ExpiresAt.Equal(expiresAt))
}

func TestRedisCache_Miss(t *testing.T) {
	cache, _, _ := setupRedisCache(t)
	_, ok := cache.Get(context.Background(), "10.0.0.1")
	assert.False(t, ok)
}

func TestRedisCache_ExpiredEntryIsAMiss(t *testing.T) {
	cache, _, fake := setupRedisCache(t)
	ctx := context.Background()

	expiresAt := escStart.Add(15 * time.Minute)
	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1", ExpiresAt: &expiresAt})

	fake.Advance(16 * time.Minute)

	_, ok := cache.Get(ctx, "10.0.0.1")
	assert.False(t, ok)
}

func TestRedisCache_AlreadyExpiredEntryNotStored(t *testing.T) {
	cache, mr, _ := setupRedisCache(t)
	ctx := context.Background()

	expiresAt := escStart.Add(-time.Minute)
	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1", ExpiresAt: &expiresAt})

	assert.False(t, mr.Exists("apiguard:block:10.0.0.1"))
}

func TestRedisCache_Delete(t *testing.T) {
	cache, _, _ := setupRedisCache(t)
	ctx := context.Background()

	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1"})
	cache.Delete(ctx, "10.0.0.1")

	_, ok := cache.Get(ctx, "10.0.0.1")
	assert.False(t, ok)
}

func TestRedisCache_FirewallEntryCappedTTL(t *testing.T) {
	cache, mr, _ := setupRedisCache(t)
	ctx := context.Background()

	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1"})

	// No block expiry still means a bounded cache residency.
	ttl := mr.TTL("apiguard:block:10.0.0.1")
	assert.Equal(t, 12*time.Hour, ttl)
}

func TestRedisCache_DegradesToMissOnFailure(t *testing.T) {
	cache, mr, _ := setupRedisCache(t)
	ctx := context.Background()

	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1"})
	mr.Close()

	_, ok := cache.Get(ctx, "10.0.0.1")
	assert.False(t, ok)

	// Writes and deletes swallow failures too.
	cache.Set(ctx, "10.0.0.2", CacheEntry{BlockID: "b2"})
	cache.Delete(ctx, "10.0.0.1")
}

func TestRedisCache_CorruptEntryIsAMiss(t *testing.T) {
	cache, mr, _ := setupRedisCache(t)

	require.NoError(t, mr.Set("apiguard:block:10.0.0.1", "not json"))

	_, ok := cache.Get(context.Background(), "10.0.0.1")
	assert.False(t, ok)
}
