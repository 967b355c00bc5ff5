package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"api-guard/internal/common/logging"
	"api-guard/internal/config"
	"api-guard/internal/server"
)

// Run is the main entry point for the gateway.
func Run() error {
	_ = godotenv.Load()

	runtime.GOMAXPROCS(runtime.NumCPU())

	logging.InitGlobalLogger()
	defer logging.MustSync()

	logging.Info("Starting api-guard",
		logging.Int("cpus", runtime.NumCPU()))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logging.Error("Configuration validation failed", err)
		return err
	}

	app, err := New(cfg)
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}
	defer app.Cleanup()

	upstream, err := app.upstreamHandler()
	if err != nil {
		logging.Error("Failed to configure upstream", err)
		return err
	}

	router := mux.NewRouter()
	SetupRoutes(router, app.Handlers, app.Gate, app.Auth.RequireAuth, upstream)

	if err := app.StartMaintenance(); err != nil {
		logging.Error("Failed to start maintenance scheduler", err)
		return err
	}

	srv := server.New(router, cfg.Port, os.Getenv("TLS_CERT"), os.Getenv("TLS_KEY"))
	serverErrs := srv.Start()
	logging.Info("Listening", logging.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrs:
		if err != nil {
			logging.Error("Server failed", err)
			return err
		}
	case <-quit:
	}

	logging.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("Server forced to shutdown", err)
		return err
	}

	if err := app.Shutdown(ctx); err != nil {
		logging.Warn("Error during app shutdown", logging.Err(err))
	}

	logging.Info("Server exited")
	return nil
}
