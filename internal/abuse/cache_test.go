package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-guard/internal/clock"
)

func TestLocalCache_SetGet(t *testing.T) {
	fake := clock.NewFake(escStart)
	cache := NewLocalCache(fake)
	ctx := context.Background()

	expiresAt := escStart.Add(15 * time.Minute)
	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1", ExpiresAt: &expiresAt})

	entry, ok := cache.Get(ctx, "10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "b1", entry.BlockID)
}

func TestLocalCache_Miss(t *testing.T) {
	cache := NewLocalCache(nil)
	_, ok := cache.Get(context.Background(), "10.0.0.1")
	assert.False(t, ok)
}

func TestLocalCache_ExpiredEntryIsAMiss(t *testing.T) {
	fake := clock.NewFake(escStart)
	cache := NewLocalCache(fake)
	ctx := context.Background()

	expiresAt := escStart.Add(15 * time.Minute)
	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1", ExpiresAt: &expiresAt})

	fake.Advance(16 * time.Minute)

	_, ok := cache.Get(ctx, "10.0.0.1")
	assert.False(t, ok)
}

func TestLocalCache_AlreadyExpiredEntryNotStored(t *testing.T) {
	fake := clock.NewFake(escStart)
	cache := NewLocalCache(fake)
	ctx := context.Background()

	expiresAt := escStart.Add(-time.Minute)
	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1", ExpiresAt: &expiresAt})

	_, ok := cache.Get(ctx, "10.0.0.1")
	assert.False(t, ok)
}

func TestLocalCache_FirewallEntryHasNoExpiry(t *testing.T) {
	fake := clock.NewFake(escStart)
	cache := NewLocalCache(fake)
	ctx := context.Background()

	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1"})

	fake.Advance(48 * time.Hour)

	entry, ok := cache.Get(ctx, "10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "b1", entry.BlockID)
}

func TestLocalCache_Delete(t *testing.T) {
	cache := NewLocalCache(nil)
	ctx := context.Background()

	cache.Set(ctx, "10.0.0.1", CacheEntry{BlockID: "b1"})
	cache.Delete(ctx, "10.0.0.1")

	_, ok := cache.Get(ctx, "10.0.0.1")
	assert.False(t, ok)
}

func TestCacheEntry_Expired(t *testing.T) {
	now := escStart

	assert.False(t, CacheEntry{}.Expired(now))

	future := now.Add(time.Minute)
	assert.False(t, CacheEntry{ExpiresAt: &future}.Expired(now))

	past := now.Add(-time.Minute)
	assert.True(t, CacheEntry{ExpiresAt: &past}.Expired(now))

	assert.True(t, CacheEntry{ExpiresAt: &now}.Expired(now))
}
