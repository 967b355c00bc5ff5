package app

import (
	"fmt"

	"api-guard/internal/common/logging"
	"api-guard/internal/storage/postgres"
	"api-guard/internal/storage/sqlite"
)

// initializeStorage opens the configured durable store. Both adapters
// migrate their schema on connect.
func (app *App) initializeStorage() error {
	switch app.Config.DatabaseType {
	case "postgres", "postgresql":
		adapter, err := postgres.NewAdapter(&postgres.Config{
			Host:     app.Config.PostgresHost,
			Port:     app.Config.PostgresPort,
			Database: app.Config.PostgresDB,
			Username: app.Config.PostgresUser,
			Password: app.Config.PostgresPassword,
			SSLMode:  app.Config.PostgresSSLMode,
		})
		if err != nil {
			return fmt.Errorf("failed to open postgres storage: %w", err)
		}
		app.Storage = adapter
		app.Logger.Info("storage connected",
			logging.String("type", "postgres"),
			logging.String("database", app.Config.PostgresDB))

	case "sqlite":
		adapter, err := sqlite.NewAdapter(&sqlite.Config{Path: app.Config.DatabasePath})
		if err != nil {
			return fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		app.Storage = adapter
		app.Logger.Info("storage connected",
			logging.String("type", "sqlite"),
			logging.String("path", app.Config.DatabasePath))

	default:
		return fmt.Errorf("unsupported database type: %s", app.Config.DatabaseType)
	}

	return nil
}
