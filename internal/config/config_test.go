package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidateForReconcileMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "reconcile"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "turbo" }, "unknown mode"},
		{"unknown log level", func(c *Config) { c.LogLevel = "chatty" }, "unknown log_level"},
		{"lock wait exceeds ttl", func(c *Config) {
			c.Engine.LockWait = duration{time.Minute}
			c.Engine.LockTTL = duration{time.Second}
		}, "lock_wait must not exceed lock_ttl"},
		{"remediation above threshold", func(c *Config) {
			c.Policy.RemediationWeight = 6.0
		}, "remediation_weight"},
		{"missing feed url in engine mode", func(c *Config) {
			c.Mode = "engine"
			c.Feed.WsURL = ""
		}, "ws_url is required"},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis: addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Mode = "reconcile"
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POOLENGINE_MODE", "monitor")
	t.Setenv("POOLENGINE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("POOLENGINE_POLICY_MAX_WEIGHT_WITH_LOSS", "7.5")
	t.Setenv("POOLENGINE_ENGINE_LOCK_WAIT", "250ms")
	t.Setenv("POOLENGINE_FEED_SYMBOLS", "AAPL, MSFT ,NVDA")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 7.5, cfg.Policy.MaxWeightWithLoss)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.LockWait.Duration)
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, cfg.Feed.Symbols)
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("POOLENGINE_POSTGRES_PORT", "not-a-port")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, 5432, cfg.Postgres.Port)
}
