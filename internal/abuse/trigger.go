// Package abuse implements multi-signal abuse detection and the escalating
// block lifecycle that feeds the admission gate.
package abuse

import (
	"fmt"

	"api-guard/internal/storage"
)

// Trigger is a closed union of abuse patterns. Each variant carries the
// measurement that tripped it; call sites switch exhaustively on the
// concrete type.
type Trigger interface {
	Type() storage.TriggerType
	Describe() string
	isTrigger()
}

// Consecutive429s fires when a client keeps hammering through throttled
// responses without backing off. Strongest signal; checked first.
type Consecutive429s struct {
	Count int
}

func (Consecutive429s) isTrigger() {}

func (Consecutive429s) Type() storage.TriggerType {
	return storage.TriggerConsecutive429s
}

func (t Consecutive429s) Describe() string {
	return fmt.Sprintf("%d consecutive throttled responses", t.Count)
}

// BurstTraffic fires on a high request rate inside the trailing second.
type BurstTraffic struct {
	RequestsPerSecond int
}

func (BurstTraffic) isTrigger() {}

func (BurstTraffic) Type() storage.TriggerType {
	return storage.TriggerBurstTraffic
}

func (t BurstTraffic) Describe() string {
	return fmt.Sprintf("%d requests in one second", t.RequestsPerSecond)
}

// SustainedTraffic fires when a client stays pinned at its limit for
// minutes at a time.
type SustainedTraffic struct {
	ThrottledCount int
}

func (SustainedTraffic) isTrigger() {}

func (SustainedTraffic) Type() storage.TriggerType {
	return storage.TriggerSustainedTraffic
}

func (t SustainedTraffic) Describe() string {
	return fmt.Sprintf("%d throttled requests in five minutes", t.ThrottledCount)
}

// UserAgentCycling fires when one IP rotates through many user agents.
type UserAgentCycling struct {
	UserAgentCount int
}

func (UserAgentCycling) isTrigger() {}

func (UserAgentCycling) Type() storage.TriggerType {
	return storage.TriggerUserAgentCycling
}

func (t UserAgentCycling) Describe() string {
	return fmt.Sprintf("%d distinct user agents in ten minutes", t.UserAgentCount)
}
