// Package circuitbreaker wraps sony/gobreaker for guarding durable-store
// calls on the admission path. When the store is down the breaker opens
// and callers get an immediate error instead of a timeout, which the
// admission path converts to a fail-open decision.
package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"api-guard/internal/common/logging"
)

// Config holds circuit breaker tuning.
type Config struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
}

// DefaultConfig returns settings suited to database lookups on a hot path.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return fmt.Errorf("MaxFailures must be positive, got %d", c.MaxFailures)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// Breaker guards a single downstream dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a named breaker.
func New(name string, config Config, logger logging.Logger) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	settings := gobreaker.Settings{
		Name:    name,
		Timeout: config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()))
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}, nil
}

// Execute runs fn through the breaker. When the circuit is open it returns
// gobreaker.ErrOpenState without invoking fn.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
