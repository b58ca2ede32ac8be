// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory stores if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint, tracing disabled when empty

	// Engine tuning
	Quorum              int           // triggered-layer quorum, 0 = auto (min(active, 3))
	Sensitivity         int           // predictor sensitivity (0, 100]
	BaseCooldown        time.Duration // first-violation cooldown
	MaxHalfOpenAttempts int           // circuit probe budget
	MetricsWindow       time.Duration // rolling metrics window

	// Security
	AdminSecret  string // operator secret for the admin API
	RateLimitRPS int
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultSensitivity   = 100
	DefaultRateLimit     = 100
	DefaultBaseCooldown  = time.Minute
	DefaultProbeAttempts = 3
	DefaultWindow        = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Quorum:              int(getEnvInt64("GUARD_QUORUM", 0)),
		Sensitivity:         int(getEnvInt64("GUARD_SENSITIVITY", DefaultSensitivity)),
		BaseCooldown:        getEnvDuration("GUARD_BASE_COOLDOWN", DefaultBaseCooldown),
		MaxHalfOpenAttempts: int(getEnvInt64("GUARD_MAX_HALF_OPEN_ATTEMPTS", DefaultProbeAttempts)),
		MetricsWindow:       getEnvDuration("GUARD_METRICS_WINDOW", DefaultWindow),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.Sensitivity <= 0 || c.Sensitivity > 100 {
		return fmt.Errorf("GUARD_SENSITIVITY must be in (0, 100], got %d", c.Sensitivity)
	}
	if c.Quorum < 0 || c.Quorum > 8 {
		return fmt.Errorf("GUARD_QUORUM must be in [0, 8], got %d", c.Quorum)
	}
	if c.MaxHalfOpenAttempts < 1 {
		return fmt.Errorf("GUARD_MAX_HALF_OPEN_ATTEMPTS must be at least 1, got %d", c.MaxHalfOpenAttempts)
	}
	if c.BaseCooldown <= 0 {
		return fmt.Errorf("GUARD_BASE_COOLDOWN must be positive, got %s", c.BaseCooldown)
	}
	if c.MetricsWindow <= 0 {
		return fmt.Errorf("GUARD_METRICS_WINDOW must be positive, got %s", c.MetricsWindow)
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
