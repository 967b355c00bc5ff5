// Package app wires the admission pipeline together and owns startup and
// shutdown ordering.
package app

import (
	"context"
	"strconv"

	"api-guard/internal/abuse"
	"api-guard/internal/auth"
	"api-guard/internal/circuitbreaker"
	"api-guard/internal/clock"
	"api-guard/internal/common/logging"
	"api-guard/internal/config"
	"api-guard/internal/handlers"
	"api-guard/internal/identity"
	"api-guard/internal/logsink"
	"api-guard/internal/maintenance"
	"api-guard/internal/middleware"
	"api-guard/internal/ratelimit"
	"api-guard/internal/redis"
	"api-guard/internal/storage"
)

const logSinkBufferSize = 1024

// App holds all the application dependencies.
type App struct {
	Config      *config.Config
	Storage     storage.Storage
	RedisClient *redis.Client

	Windows    *ratelimit.WindowStore
	Tracker    *abuse.PatternTracker
	Escalation *abuse.Manager
	Resolver   *identity.Resolver
	Sink       *logsink.Sink
	Gate       *middleware.Gate
	Auth       *auth.Auth
	Handlers   *handlers.Handlers
	Sweeper    *maintenance.Sweeper

	Logger logging.Logger
	clock  clock.Clock
}

// New creates an application instance with all dependencies wired.
func New(cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.String("component", "app")),
		clock:  clock.NewSystem(),
	}

	if err := app.initializeStorage(); err != nil {
		return nil, err
	}

	if err := app.initializeRedis(); err != nil {
		// The shared cache is an optimization; run on the local cache.
		app.Logger.Warn("Redis initialization failed, continuing with local block cache",
			logging.Err(err))
	}

	app.initializePipeline()

	return app, nil
}

// initializePipeline builds the in-memory admission components on top of
// storage and the optional redis client.
func (app *App) initializePipeline() {
	cfg := app.Config

	var cache abuse.BlockCache
	if app.RedisClient != nil {
		cache = abuse.NewRedisCache(app.RedisClient.Raw(), app.clock, nil)
	} else {
		cache = abuse.NewLocalCache(app.clock)
	}

	trackerCfg := abuse.DefaultTrackerConfig()
	trackerCfg.Consecutive429Threshold = cfg.Consecutive429Threshold
	trackerCfg.BurstThreshold = cfg.BurstThreshold
	trackerCfg.SustainedThreshold = cfg.SustainedThreshold
	trackerCfg.UserAgentThreshold = cfg.UserAgentThreshold
	app.Tracker = abuse.NewPatternTracker(trackerCfg, app.clock)

	app.Windows = ratelimit.NewWindowStore(cfg.WindowDuration(), app.clock)

	breaker, err := circuitbreaker.New("block-store", circuitbreaker.DefaultConfig(), app.Logger)
	if err != nil {
		app.Logger.Warn("circuit breaker setup failed, durable lookups run unguarded",
			logging.Err(err))
		breaker = nil
	}

	app.Escalation = abuse.NewManager(app.Storage, cache, app.Tracker, breaker,
		app.clock, abuse.DefaultEscalationConfig())

	app.Resolver = identity.NewResolver(app.Storage, identity.TierLimits{
		Anonymous: cfg.AnonymousLimit,
		Free:      cfg.FreeLimit,
		Elevated:  cfg.ElevatedLimit,
	})

	app.Sink = logsink.NewSink(app.Storage, logSinkBufferSize)

	app.Gate = middleware.NewGate(app.Escalation, app.Tracker, app.Windows,
		app.Resolver, app.Sink, app.clock, cfg.IngressRPS)

	app.Auth = auth.New(cfg.JWTSecret, app.clock)

	app.Handlers = handlers.New(app.Storage, app.Escalation, app.Resolver,
		app.Auth, app.RedisClient, cfg.AdminPassword, app.clock)

	app.Sweeper = maintenance.NewSweeper(app.Storage, app.Windows, app.Tracker,
		app.clock, maintenance.Config{
			SweepInterval: cfg.SweepIntervalDuration(),
			LogRetention:  cfg.LogRetentionDuration(),
		})
}

func (app *App) initializeRedis() error {
	if app.Config.RedisAddress == "" {
		return nil
	}

	db, _ := strconv.Atoi(app.Config.RedisDB)
	poolSize, _ := strconv.Atoi(app.Config.RedisPoolSize)

	client, err := redis.NewClient(&redis.Config{
		Address:  app.Config.RedisAddress,
		Password: app.Config.RedisPassword,
		DB:       db,
		PoolSize: poolSize,
	})
	if err != nil {
		return err
	}

	app.RedisClient = client
	app.Logger.Info("Redis connected", logging.String("address", app.Config.RedisAddress))
	return nil
}

// Shutdown stops background work in dependency order: scheduler first,
// then the sink flush, then connections.
func (app *App) Shutdown(ctx context.Context) error {
	if app.Sweeper != nil {
		app.Sweeper.Stop()
	}
	if app.Sink != nil {
		app.Sink.Close()
	}
	return nil
}

// Cleanup releases connections. Call after Shutdown.
func (app *App) Cleanup() {
	if app.Storage != nil {
		app.Storage.Close()
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
}

// StartMaintenance launches the sweep scheduler and runs one immediate
// sweep so a restart doesn't leave expired rows active until the first tick.
func (app *App) StartMaintenance() error {
	if err := app.Sweeper.Start(); err != nil {
		return err
	}
	go app.Sweeper.RunOnce()
	return nil
}
