// Package config provides configuration management for the api-guard
// service. Values are loaded from environment variables with sensible
// defaults and validated before the application starts.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - UPSTREAM_URL: Origin the gateway fronts; admitted requests are
//     proxied there (empty serves a stub response instead)
//   - LOG_LEVEL: Logging level (default: info)
//   - JWT_SECRET: Signing secret for operator tokens (required, min 32 chars)
//   - ADMIN_PASSWORD: Password for the operator token endpoint (empty
//     disables token issuance over HTTP)
//
// Database Configuration:
//   - DATABASE_TYPE: "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./api_guard.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE: PostgreSQL settings
//
// Redis Configuration (optional, enables the shared block cache):
//   - REDIS_ADDRESS: Redis server address (empty disables Redis)
//   - REDIS_PASSWORD, REDIS_DB, REDIS_POOL_SIZE
//
// Quota Configuration:
//   - RATE_LIMIT_WINDOW: Quota window duration (default: 1h)
//   - RATE_LIMIT_ANONYMOUS: Per-window limit for anonymous traffic (default: 100)
//   - RATE_LIMIT_FREE: Per-window limit for the free tier (default: 1000)
//   - RATE_LIMIT_ELEVATED: Per-window limit for the elevated tier (default: 10000)
//   - INGRESS_RPS: Process-wide requests/second ceiling, 0 disables (default: 0)
//
// Abuse Detection:
//   - ABUSE_CONSECUTIVE_429S: Consecutive throttled responses before a block (default: 15)
//   - ABUSE_BURST_THRESHOLD: Requests in one second before a block (default: 10)
//   - ABUSE_SUSTAINED_THRESHOLD: Throttled requests in five minutes before a block (default: 50)
//   - ABUSE_USER_AGENT_THRESHOLD: Distinct user agents in ten minutes before a block (default: 5)
//
// Maintenance:
//   - SWEEP_INTERVAL: Interval between cleanup sweeps (default: 5m)
//   - LOG_RETENTION: Request-log retention period (default: 720h)
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the api-guard service.
type Config struct {
	// Application settings
	Port        string
	LogLevel    string
	UpstreamURL string

	// Operator auth
	JWTSecret     string
	AdminPassword string

	// Database configuration
	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis configuration (optional)
	RedisAddress  string
	RedisPassword string
	RedisDB       string
	RedisPoolSize string

	// Quota configuration
	RateLimitWindow    string
	AnonymousLimit     int
	FreeLimit          int
	ElevatedLimit      int
	IngressRPS         int

	// Abuse detection thresholds
	Consecutive429Threshold int
	BurstThreshold          int
	SustainedThreshold      int
	UserAgentThreshold      int

	// Maintenance
	SweepInterval string
	LogRetention  string
}

// Load creates a Config with values from environment variables. Call
// Validate on the result before use.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		UpstreamURL: getEnv("UPSTREAM_URL", ""),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./api_guard.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "api_guard"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		RateLimitWindow: getEnv("RATE_LIMIT_WINDOW", "1h"),
		AnonymousLimit:  getIntEnv("RATE_LIMIT_ANONYMOUS", 100),
		FreeLimit:       getIntEnv("RATE_LIMIT_FREE", 1000),
		ElevatedLimit:   getIntEnv("RATE_LIMIT_ELEVATED", 10000),
		IngressRPS:      getIntEnv("INGRESS_RPS", 0),

		Consecutive429Threshold: getIntEnv("ABUSE_CONSECUTIVE_429S", 15),
		BurstThreshold:          getIntEnv("ABUSE_BURST_THRESHOLD", 10),
		SustainedThreshold:      getIntEnv("ABUSE_SUSTAINED_THRESHOLD", 50),
		UserAgentThreshold:      getIntEnv("ABUSE_USER_AGENT_THRESHOLD", 5),

		SweepInterval: getEnv("SWEEP_INTERVAL", "5m"),
		LogRetention:  getEnv("LOG_RETENTION", "720h"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// WindowDuration returns the parsed quota window. Valid only after Validate.
func (c *Config) WindowDuration() time.Duration {
	d, _ := time.ParseDuration(c.RateLimitWindow)
	return d
}

// SweepIntervalDuration returns the parsed sweep interval. Valid only after Validate.
func (c *Config) SweepIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.SweepInterval)
	return d
}

// LogRetentionDuration returns the parsed log retention period. Valid only after Validate.
func (c *Config) LogRetentionDuration() time.Duration {
	d, _ := time.ParseDuration(c.LogRetention)
	return d
}

// Validate checks that required fields are present and all values parse.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}
	if c.AdminPassword != "" && len(c.AdminPassword) < 12 {
		return fmt.Errorf("ADMIN_PASSWORD must be at least 12 characters long")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	if c.UpstreamURL != "" {
		parsed, err := url.Parse(c.UpstreamURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("UPSTREAM_URL must be an absolute URL")
		}
	}

	switch c.DatabaseType {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}

	if c.DatabaseType == "postgres" || c.DatabaseType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	if c.RedisAddress != "" {
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if d, err := time.ParseDuration(c.RateLimitWindow); err != nil || d <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be a positive duration (e.g. '1h')")
	}
	if c.AnonymousLimit < 1 || c.FreeLimit < 1 || c.ElevatedLimit < 1 {
		return fmt.Errorf("tier rate limits must be positive")
	}
	if c.IngressRPS < 0 {
		return fmt.Errorf("INGRESS_RPS must be zero or positive")
	}

	if c.Consecutive429Threshold < 1 || c.BurstThreshold < 1 ||
		c.SustainedThreshold < 1 || c.UserAgentThreshold < 1 {
		return fmt.Errorf("abuse detection thresholds must be positive")
	}

	if d, err := time.ParseDuration(c.SweepInterval); err != nil || d <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be a positive duration (e.g. '5m')")
	}
	if d, err := time.ParseDuration(c.LogRetention); err != nil || d <= 0 {
		return fmt.Errorf("LOG_RETENTION must be a positive duration (e.g. '720h')")
	}

	return nil
}
