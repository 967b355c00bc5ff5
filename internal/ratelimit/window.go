// Package ratelimit implements fixed-window quota counting. Each request
// identifier (API key id or client IP) owns one counting window; crossing
// the window boundary atomically starts a fresh one.
package ratelimit

import (
	"sync"
	"time"

	"api-guard/internal/clock"
)

// Result is the outcome of consuming one request against a quota.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RetryAfter returns the whole seconds until the window resets, rounded up,
// never less than 1.
func (r Result) RetryAfter(now time.Time) int {
	secs := int((r.ResetAt.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type window struct {
	count   int
	resetAt time.Time
}

// WindowStore maintains one fixed-duration counting window per identifier.
// It has no I/O and cannot fail; mutations happen under a single mutex so
// concurrent consumes for one identifier apply in arrival order.
type WindowStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	duration time.Duration
	windows  map[string]*window
}

// NewWindowStore creates a store with the given window duration.
func NewWindowStore(duration time.Duration, clk clock.Clock) *WindowStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &WindowStore{
		clock:    clk,
		duration: duration,
		windows:  make(map[string]*window),
	}
}

// Consume counts one request for identifier against limit. The count keeps
// increasing past the limit so persistent over-limit traffic stays visible
// in the result's Count.
func (s *WindowStore) Consume(identifier string, limit int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	w, ok := s.windows[identifier]
	if !ok || !w.resetAt.After(now) {
		w = &window{resetAt: now.Add(s.duration)}
		s.windows[identifier] = w
	}
	w.count++

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   w.count <= limit,
		Count:     w.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}

// Sweep discards windows whose reset time has passed and returns how many
// were removed. Safe to run concurrently with Consume.
func (s *WindowStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for identifier, w := range s.windows {
		if !w.resetAt.After(now) {
			delete(s.windows, identifier)
			removed++
		}
	}
	return removed
}

// Len returns the number of live windows.
func (s *WindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
