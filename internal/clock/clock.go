// Package clock provides an injectable time source so components that make
// time-based decisions can be tested with deterministic, advancing time.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time.Now for components with time-based behavior
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the wall clock
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

// NewSystem returns the real-time clock
func NewSystem() Clock {
	return System{}
}

// Fake is a manually-advanced Clock for tests
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at the given instant
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake clock to an absolute instant
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
