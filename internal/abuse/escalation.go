package abuse

import (
	"context"
	"time"

	"github.com/google/uuid"

	"api-guard/internal/circuitbreaker"
	"api-guard/internal/clock"
	apperrors "api-guard/internal/common/errors"
	"api-guard/internal/common/logging"
	"api-guard/internal/storage"
)

// EscalationConfig holds the block-duration policy.
type EscalationConfig struct {
	// FirstBlockDuration applies to an IP with no prior blocks.
	FirstBlockDuration time.Duration
	// RepeatBlockDuration applies to an IP with one prior block.
	RepeatBlockDuration time.Duration
	// FirewallThreshold is the prior-block count at which the next offense
	// escalates straight to a firewall-level block.
	FirewallThreshold int
}

// DefaultEscalationConfig returns the reference escalation policy.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		FirstBlockDuration:  15 * time.Minute,
		RepeatBlockDuration: 60 * time.Minute,
		FirewallThreshold:   2,
	}
}

// Manager decides block level and duration from detection output and block
// history, persists block records, and owns the fast cache over the
// durable store.
//
// Availability beats strictness throughout: durable-store errors on the
// lookup path are treated as "not blocked", and errors while creating a
// block are logged and swallowed. A missed block is acceptable; a crashed
// request pipeline is not.
type Manager struct {
	storage storage.Storage
	cache   BlockCache
	tracker *PatternTracker
	breaker *circuitbreaker.Breaker
	clock   clock.Clock
	logger  logging.Logger
	config  EscalationConfig
}

// NewManager creates an escalation manager. The breaker is optional;
// without one, durable lookups run unguarded.
func NewManager(store storage.Storage, cache BlockCache, tracker *PatternTracker,
	breaker *circuitbreaker.Breaker, clk clock.Clock, config EscalationConfig) *Manager {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Manager{
		storage: store,
		cache:   cache,
		tracker: tracker,
		breaker: breaker,
		clock:   clk,
		logger:  logging.GetGlobalLogger().WithFields(logging.String("component", "escalation")),
		config:  config,
	}
}

func (m *Manager) throughBreaker(fn func() (interface{}, error)) (interface{}, error) {
	if m.breaker == nil {
		return fn()
	}
	return m.breaker.Execute(fn)
}

// IsBlocked returns the currently-effective block for ip, or nil. The
// cache is consulted first, but a hit still reads the durable row so the
// caller's hit accounting mutates a live record. Any store error fails
// open.
func (m *Manager) IsBlocked(ctx context.Context, ip string) *storage.Block {
	now := m.clock.Now()

	if entry, ok := m.cache.Get(ctx, ip); ok {
		v, err := m.throughBreaker(func() (interface{}, error) {
			return m.storage.GetBlock(ctx, entry.BlockID)
		})
		if err != nil {
			m.logger.Warn("block lookup failed, failing open",
				logging.String("ip", ip), logging.Err(err))
			return nil
		}
		block := v.(*storage.Block)
		if block != nil && block.Effective(now) {
			return block
		}
		// The cached row was removed or expired underneath us.
		m.cache.Delete(ctx, ip)
	}

	v, err := m.throughBreaker(func() (interface{}, error) {
		return m.storage.GetEffectiveBlock(ctx, ip, now)
	})
	if err != nil {
		m.logger.Warn("effective block lookup failed, failing open",
			logging.String("ip", ip), logging.Err(err))
		return nil
	}
	block := v.(*storage.Block)
	if block == nil {
		return nil
	}

	m.cache.Set(ctx, ip, CacheEntry{BlockID: block.ID, ExpiresAt: block.ExpiresAt})
	return block
}

// RecordHit increments the blocked-request counter on a block row. Meant
// to be called off the request path; errors are logged only.
func (m *Manager) RecordHit(ctx context.Context, blockID string) {
	if err := m.storage.RecordBlockedRequest(ctx, blockID, m.clock.Now()); err != nil {
		m.logger.Warn("failed to record blocked request",
			logging.String("block_id", blockID), logging.Err(err))
	}
}

// BlockForAbuse creates a block for a tripped trigger. An IP at or past
// the firewall threshold of prior blocks escalates to a firewall-level
// row that never auto-expires; otherwise an app-level row with a duration
// that grows on the second offense. Returns nil when persistence fails.
func (m *Manager) BlockForAbuse(ctx context.Context, ip, reason string, trigger Trigger) *storage.Block {
	now := m.clock.Now()

	previousCount, err := m.storage.CountBlocks(ctx, ip)
	if err != nil {
		m.logger.Error("failed to count prior blocks, skipping block", err,
			logging.String("ip", ip))
		return nil
	}

	block := &storage.Block{
		ID:                 uuid.NewString(),
		IPAddress:          ip,
		Reason:             reason,
		PreviousBlockCount: previousCount,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if previousCount >= m.config.FirewallThreshold {
		block.BlockLevel = storage.BlockLevelFirewall
		block.TriggerType = storage.TriggerRepeatOffender
	} else {
		block.BlockLevel = storage.BlockLevelApp
		block.TriggerType = trigger.Type()
		duration := m.config.FirstBlockDuration
		if previousCount > 0 {
			duration = m.config.RepeatBlockDuration
		}
		expiresAt := now.Add(duration)
		block.ExpiresAt = &expiresAt
	}

	switch t := trigger.(type) {
	case Consecutive429s:
		block.Consecutive429Count = &t.Count
	case BurstTraffic:
		block.RequestsPerSecond = &t.RequestsPerSecond
	case SustainedTraffic:
		// The sustained count is implied by the trigger type; no extra column.
	case UserAgentCycling:
		block.UserAgentCount = &t.UserAgentCount
	}

	if err := m.storage.CreateBlock(ctx, block); err != nil {
		m.logger.Error("failed to persist block", err,
			logging.String("ip", ip),
			logging.String("trigger", string(trigger.Type())))
		return nil
	}

	m.cache.Set(ctx, ip, CacheEntry{BlockID: block.ID, ExpiresAt: block.ExpiresAt})
	// The block row is now the record of the offense; drop the counters so
	// the next evaluation starts clean.
	m.tracker.Reset(ip)

	m.logger.Warn("blocked abusive client",
		logging.String("ip", ip),
		logging.String("level", string(block.BlockLevel)),
		logging.String("trigger", string(block.TriggerType)),
		logging.String("detail", trigger.Describe()),
		logging.Int("previous_blocks", previousCount))

	return block
}

// BlockManually creates an operator-initiated block at either level.
// A nil duration on an app-level block uses the first-offense duration;
// firewall-level blocks never carry an expiry.
func (m *Manager) BlockManually(ctx context.Context, ip, reason string,
	level storage.BlockLevel, duration *time.Duration) (*storage.Block, error) {
	now := m.clock.Now()

	previousCount, err := m.storage.CountBlocks(ctx, ip)
	if err != nil {
		return nil, err
	}

	block := &storage.Block{
		ID:                 uuid.NewString(),
		IPAddress:          ip,
		BlockLevel:         level,
		Reason:             reason,
		TriggerType:        storage.TriggerManual,
		PreviousBlockCount: previousCount,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if level == storage.BlockLevelApp {
		d := m.config.FirstBlockDuration
		if duration != nil {
			d = *duration
		}
		expiresAt := now.Add(d)
		block.ExpiresAt = &expiresAt
	}

	if err := m.storage.CreateBlock(ctx, block); err != nil {
		return nil, err
	}

	m.cache.Set(ctx, ip, CacheEntry{BlockID: block.ID, ExpiresAt: block.ExpiresAt})
	m.tracker.Reset(ip)

	m.logger.Info("manual block created",
		logging.String("ip", ip),
		logging.String("level", string(level)),
		logging.String("reason", reason))

	return block, nil
}

// RemoveBlock deactivates a block by operator action and synchronously
// invalidates its cache entry so a stale "still blocked" decision is never
// served. Works on either level; this is the only way a firewall-level
// block is lifted.
func (m *Manager) RemoveBlock(ctx context.Context, id, reason string) error {
	block, err := m.storage.GetBlock(ctx, id)
	if err != nil {
		return err
	}
	if block == nil {
		return apperrors.NotFoundError("block")
	}

	if err := m.storage.RemoveBlock(ctx, id, reason, m.clock.Now()); err != nil {
		return err
	}
	m.cache.Delete(ctx, block.IPAddress)

	m.logger.Info("block removed",
		logging.String("ip", block.IPAddress),
		logging.String("block_id", id),
		logging.String("reason", reason))
	return nil
}

// SweepExpired deactivates app-level blocks whose expiry has passed.
// Firewall-level rows carry no expiry and are never touched.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	return m.storage.DeactivateExpiredBlocks(ctx, m.clock.Now())
}
