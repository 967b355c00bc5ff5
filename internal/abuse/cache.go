package abuse

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"api-guard/internal/clock"
)

// CacheEntry is the fast-path shadow of a durable block row. It is a
// performance shortcut only; a cache hit still goes to the durable store
// so hit accounting stays correct.
type CacheEntry struct {
	BlockID   string     `json:"block_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Expired reports whether the cached block has lapsed. Entries without an
// expiry (firewall-level) never lapse on their own.
func (e CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// BlockCache is the fast lookup layer over the durable block store.
// Implementations are eventually consistent with the store; manual unblock
// must call Delete synchronously so a stale "still blocked" decision is
// never served.
type BlockCache interface {
	Get(ctx context.Context, ip string) (CacheEntry, bool)
	Set(ctx context.Context, ip string, entry CacheEntry)
	Delete(ctx context.Context, ip string)
}

// firewall entries have no block expiry; cap their cache residency so a
// manual removal on another instance is eventually observed.
const firewallCacheTTL = 12 * time.Hour

// LocalCache is the default in-process block cache.
type LocalCache struct {
	cache *gocache.Cache
	clock clock.Clock
}

// NewLocalCache creates an in-process cache with periodic expiry cleanup.
func NewLocalCache(clk clock.Clock) *LocalCache {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &LocalCache{
		cache: gocache.New(gocache.NoExpiration, 10*time.Minute),
		clock: clk,
	}
}

func (c *LocalCache) Get(_ context.Context, ip string) (CacheEntry, bool) {
	v, ok := c.cache.Get(ip)
	if !ok {
		return CacheEntry{}, false
	}
	entry := v.(CacheEntry)
	if entry.Expired(c.clock.Now()) {
		c.cache.Delete(ip)
		return CacheEntry{}, false
	}
	return entry, true
}

func (c *LocalCache) Set(_ context.Context, ip string, entry CacheEntry) {
	ttl := firewallCacheTTL
	if entry.ExpiresAt != nil {
		ttl = entry.ExpiresAt.Sub(c.clock.Now())
		if ttl <= 0 {
			return
		}
	}
	c.cache.Set(ip, entry, ttl)
}

func (c *LocalCache) Delete(_ context.Context, ip string) {
	c.cache.Delete(ip)
}

var _ BlockCache = (*LocalCache)(nil)
