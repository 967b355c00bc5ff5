// Package maintenance runs the periodic housekeeping jobs: deactivating
// expired blocks, evicting stale quota windows and tracker state, and
// trimming old request logs.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"api-guard/internal/abuse"
	"api-guard/internal/clock"
	"api-guard/internal/common/logging"
	"api-guard/internal/ratelimit"
	"api-guard/internal/storage"
)

const jobTimeout = 30 * time.Second

// Config controls sweep cadence and log retention.
type Config struct {
	SweepInterval time.Duration
	LogRetention  time.Duration
}

// Sweeper owns the cron scheduler for all recurring cleanup.
type Sweeper struct {
	storage storage.Storage
	windows *ratelimit.WindowStore
	tracker *abuse.PatternTracker
	clock   clock.Clock
	logger  logging.Logger
	config  Config
	cron    *cron.Cron
}

// NewSweeper builds the sweeper; call Start to begin scheduling.
func NewSweeper(store storage.Storage, windows *ratelimit.WindowStore,
	tracker *abuse.PatternTracker, clk clock.Clock, config Config) *Sweeper {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Sweeper{
		storage: store,
		windows: windows,
		tracker: tracker,
		clock:   clk,
		logger:  logging.GetGlobalLogger().WithFields(logging.String("component", "maintenance")),
		config:  config,
		cron:    cron.New(),
	}
}

// Start registers and launches the jobs. The memory sweep runs on the
// configured interval; the log trim runs daily.
func (s *Sweeper) Start() error {
	interval := s.config.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	if _, err := s.cron.AddFunc("@every "+interval.String(), s.runSweep); err != nil {
		return err
	}
	if s.config.LogRetention > 0 {
		if _, err := s.cron.AddFunc("@daily", s.runLogTrim); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		logging.Duration("sweep_interval", interval),
		logging.Duration("log_retention", s.config.LogRetention))
	return nil
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance scheduler stopped")
}

// RunOnce executes a full sweep immediately. Used at startup so a restart
// does not leave expired rows active until the first tick.
func (s *Sweeper) RunOnce() {
	s.runSweep()
}

func (s *Sweeper) runSweep() {
	now := s.clock.Now()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	deactivated, err := s.storage.DeactivateExpiredBlocks(ctx, now)
	if err != nil {
		s.logger.Error("expired block sweep failed", err)
	}

	windows := s.windows.Sweep()
	tracked := s.tracker.Sweep()

	if deactivated > 0 || windows > 0 || tracked > 0 {
		s.logger.Info("sweep complete",
			logging.Int("blocks_deactivated", deactivated),
			logging.Int("windows_evicted", windows),
			logging.Int("tracker_states_evicted", tracked))
	}
}

func (s *Sweeper) runLogTrim() {
	cutoff := s.clock.Now().Add(-s.config.LogRetention)

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	removed, err := s.storage.DeleteRequestLogsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("request log trim failed", err)
		return
	}
	if removed > 0 {
		s.logger.Info("request logs trimmed",
			logging.Int("removed", removed),
			logging.Time("cutoff", cutoff))
	}
}
