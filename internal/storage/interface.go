package storage

import (
	"context"
	"time"
)

// Storage is the durable store behind the escalation manager, the log sink
// and the identity resolver. Implementations must be safe for concurrent
// use from request handlers and sweep tasks.
type Storage interface {
	Close() error
	Health() error

	// Blocks
	CreateBlock(ctx context.Context, block *Block) error
	GetBlock(ctx context.Context, id string) (*Block, error)

	// GetEffectiveBlock returns the most recently created row for ip that
	// is active and unexpired at now, or nil when none exists.
	GetEffectiveBlock(ctx context.Context, ip string, now time.Time) (*Block, error)

	// CountBlocks returns the all-time number of block rows for ip,
	// regardless of state.
	CountBlocks(ctx context.Context, ip string) (int, error)

	// RecordBlockedRequest increments the hit counter and refreshes
	// last_seen_at on a block row.
	RecordBlockedRequest(ctx context.Context, id string, seenAt time.Time) error

	// DeactivateExpiredBlocks marks app-level rows whose expiry has passed
	// as inactive and returns how many were swept.
	DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int, error)

	// RemoveBlock deactivates a row by operator action, recording when and why.
	RemoveBlock(ctx context.Context, id, reason string, removedAt time.Time) error

	ListActiveBlocks(ctx context.Context, now time.Time, limit, offset int) ([]*Block, int, error)

	// Request logs
	CreateRequestLog(ctx context.Context, log *RequestLog) error
	ListRequestLogs(ctx context.Context, limit, offset int) ([]*RequestLog, int, error)
	DeleteRequestLogsBefore(ctx context.Context, before time.Time) (int, error)
	GetStats(ctx context.Context, since time.Time) (*Stats, error)

	// API keys
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	DeactivateAPIKey(ctx context.Context, id string) error
}
