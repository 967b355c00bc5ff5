package abuse

import (
	"sync"
	"time"

	"api-guard/internal/clock"
)

// TrackerConfig holds the sliding-window sizes and thresholds for pattern
// detection.
type TrackerConfig struct {
	Consecutive429Threshold int
	BurstThreshold          int
	SustainedThreshold      int
	UserAgentThreshold      int

	BurstWindow     time.Duration
	SustainedWindow time.Duration
	UserAgentWindow time.Duration
	IdleTimeout     time.Duration
}

// DefaultTrackerConfig returns the reference detection policy.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Consecutive429Threshold: 15,
		BurstThreshold:          10,
		SustainedThreshold:      50,
		UserAgentThreshold:      5,
		BurstWindow:             time.Second,
		SustainedWindow:         5 * time.Minute,
		UserAgentWindow:         10 * time.Minute,
		IdleTimeout:             30 * time.Minute,
	}
}

type ipState struct {
	consecutiveThrottled int
	lastThrottledAt      time.Time
	burstTimestamps      []time.Time
	sustainedTimestamps  []time.Time
	userAgentLastSeen    map[string]time.Time
	lastActivity         time.Time
}

// PatternTracker maintains per-IP sliding-window abuse signals. Mutations
// are short synchronous sections under one mutex; it performs no I/O.
type PatternTracker struct {
	mu     sync.Mutex
	clock  clock.Clock
	config TrackerConfig
	states map[string]*ipState
}

// NewPatternTracker creates a tracker with the given detection policy.
func NewPatternTracker(config TrackerConfig, clk clock.Clock) *PatternTracker {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &PatternTracker{
		clock:  clk,
		config: config,
		states: make(map[string]*ipState),
	}
}

// Record notes one request outcome for ip. A throttled outcome extends the
// consecutive streak and the sustained window; a single successful request
// clears the streak. The burst window and user-agent map are fed on every
// call.
func (t *PatternTracker) Record(ip, userAgent string, throttled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	state, ok := t.states[ip]
	if !ok {
		state = &ipState{userAgentLastSeen: make(map[string]time.Time)}
		t.states[ip] = state
	}
	state.lastActivity = now

	state.burstTimestamps = pruneBefore(state.burstTimestamps, now.Add(-t.config.BurstWindow))
	state.burstTimestamps = append(state.burstTimestamps, now)

	if userAgent != "" {
		state.userAgentLastSeen[userAgent] = now
	}
	uaCutoff := now.Add(-t.config.UserAgentWindow)
	for ua, seen := range state.userAgentLastSeen {
		if seen.Before(uaCutoff) {
			delete(state.userAgentLastSeen, ua)
		}
	}

	if throttled {
		state.consecutiveThrottled++
		state.lastThrottledAt = now
		state.sustainedTimestamps = pruneBefore(state.sustainedTimestamps, now.Add(-t.config.SustainedWindow))
		state.sustainedTimestamps = append(state.sustainedTimestamps, now)
	} else {
		state.consecutiveThrottled = 0
	}
}

// Evaluate checks the triggers in fixed priority order and returns the
// first match, or nil. An IP never trips two triggers from one evaluation;
// consecutive throttling outranks the weaker signals so it cannot be
// masked by them.
func (t *PatternTracker) Evaluate(ip string) Trigger {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[ip]
	if !ok {
		return nil
	}

	now := t.clock.Now()

	if state.consecutiveThrottled >= t.config.Consecutive429Threshold {
		return Consecutive429s{Count: state.consecutiveThrottled}
	}

	state.burstTimestamps = pruneBefore(state.burstTimestamps, now.Add(-t.config.BurstWindow))
	if len(state.burstTimestamps) >= t.config.BurstThreshold {
		return BurstTraffic{RequestsPerSecond: len(state.burstTimestamps)}
	}

	state.sustainedTimestamps = pruneBefore(state.sustainedTimestamps, now.Add(-t.config.SustainedWindow))
	if len(state.sustainedTimestamps) >= t.config.SustainedThreshold {
		return SustainedTraffic{ThrottledCount: len(state.sustainedTimestamps)}
	}

	uaCutoff := now.Add(-t.config.UserAgentWindow)
	distinct := 0
	for _, seen := range state.userAgentLastSeen {
		if !seen.Before(uaCutoff) {
			distinct++
		}
	}
	if distinct >= t.config.UserAgentThreshold {
		return UserAgentCycling{UserAgentCount: distinct}
	}

	return nil
}

// Reset discards all accumulated state for ip. Called once a block is
// created; the block row is now the record of the offense and keeping the
// counters would double-count on the next evaluation.
func (t *PatternTracker) Reset(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, ip)
}

// Sweep evicts state for IPs idle past the timeout, but never while any
// counter still holds live evidence. Returns the number of evictions.
func (t *PatternTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	idleCutoff := now.Add(-t.config.IdleTimeout)
	removed := 0

	for ip, state := range t.states {
		if state.lastActivity.After(idleCutoff) {
			continue
		}
		state.burstTimestamps = pruneBefore(state.burstTimestamps, now.Add(-t.config.BurstWindow))
		state.sustainedTimestamps = pruneBefore(state.sustainedTimestamps, now.Add(-t.config.SustainedWindow))
		uaCutoff := now.Add(-t.config.UserAgentWindow)
		for ua, seen := range state.userAgentLastSeen {
			if seen.Before(uaCutoff) {
				delete(state.userAgentLastSeen, ua)
			}
		}
		if state.consecutiveThrottled == 0 &&
			len(state.burstTimestamps) == 0 &&
			len(state.sustainedTimestamps) == 0 &&
			len(state.userAgentLastSeen) == 0 {
			delete(t.states, ip)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of IPs with live state.
func (t *PatternTracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(timestamps) && timestamps[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return timestamps
	}
	return append(timestamps[:0], timestamps[idx:]...)
}
