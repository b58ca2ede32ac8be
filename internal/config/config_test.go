package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "GUARD_SENSITIVITY", "80")
	setEnv(t, "GUARD_BASE_COOLDOWN", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 80, cfg.Sensitivity)
	assert.Equal(t, 2*time.Minute, cfg.BaseCooldown)
	assert.Equal(t, DefaultProbeAttempts, cfg.MaxHalfOpenAttempts)
	assert.Equal(t, DefaultWindow, cfg.MetricsWindow)
}

func TestLoad_InvalidSensitivity(t *testing.T) {
	setEnv(t, "GUARD_SENSITIVITY", "150")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "GUARD_SENSITIVITY")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Env:                 "development",
		Sensitivity:         100,
		BaseCooldown:        time.Minute,
		MaxHalfOpenAttempts: 3,
		MetricsWindow:       time.Minute,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "sensitivity too low",
			mutate:  func(c *Config) { c.Sensitivity = 0 },
			wantErr: "GUARD_SENSITIVITY",
		},
		{
			name:    "quorum out of range",
			mutate:  func(c *Config) { c.Quorum = 9 },
			wantErr: "GUARD_QUORUM",
		},
		{
			name:    "probe budget zero",
			mutate:  func(c *Config) { c.MaxHalfOpenAttempts = 0 },
			wantErr: "GUARD_MAX_HALF_OPEN_ATTEMPTS",
		},
		{
			name:    "negative cooldown",
			mutate:  func(c *Config) { c.BaseCooldown = -time.Second },
			wantErr: "GUARD_BASE_COOLDOWN",
		},
		{
			name:    "production needs admin secret",
			mutate:  func(c *Config) { c.Env = "production"; c.AdminSecret = "" },
			wantErr: "ADMIN_SECRET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}
