// Package config defines the top-level configuration for the pool engine and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POOLENGINE_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Policy   PolicyConfig   `toml:"policy"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Feed     FeedConfig     `toml:"feed"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds accounting-engine runtime parameters.
type EngineConfig struct {
	// LockTTL is how long a per-pool write lock lives before Redis expires it.
	LockTTL duration `toml:"lock_ttl"`
	// LockWait bounds how long a caller blocks waiting for a held pool lock
	// before giving up.
	LockWait        duration `toml:"lock_wait"`
	RefreshInterval duration `toml:"refresh_interval"`
	MaxQuoteAge     duration `toml:"max_quote_age"`
	SnapshotOnStart bool     `toml:"snapshot_on_start"`
}

// PolicyConfig holds the exposure-policy thresholds.
type PolicyConfig struct {
	// MaxWeightWithLoss is the participation percentage at or above which a
	// losing position is considered in violation.
	MaxWeightWithLoss float64 `toml:"max_weight_with_loss"`
	// RemediationWeight is the participation percentage a violating position
	// is capped down to.
	RemediationWeight float64 `toml:"remediation_weight"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for audit and
// reconciliation report archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds quote-feed parameters.
type FeedConfig struct {
	WsURL string `toml:"ws_url"`
	// Symbols to subscribe beyond those of open positions. Open-position
	// symbols are always subscribed.
	Symbols        []string `toml:"symbols"`
	ReconnectDelay duration `toml:"reconnect_delay"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			LockTTL:         duration{30 * time.Second},
			LockWait:        duration{5 * time.Second},
			RefreshInterval: duration{15 * time.Second},
			MaxQuoteAge:     duration{time.Minute},
			SnapshotOnStart: true,
		},
		Policy: PolicyConfig{
			MaxWeightWithLoss: 5.0,
			RemediationWeight: 4.9,
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "poolengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "poolengine-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			WsURL:          "",
			Symbols:        []string{},
			ReconnectDelay: duration{2 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"pool_imbalance_detected", "policy_violation_corrected", "reconciliation_completed"},
		},
		Mode:     "engine",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":    true,
	"reconcile": true,
	"monitor":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, reconcile, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be > 0")
	}
	if c.Engine.LockWait.Duration <= 0 {
		errs = append(errs, "engine: lock_wait must be > 0")
	}
	if c.Engine.LockWait.Duration > c.Engine.LockTTL.Duration {
		errs = append(errs, "engine: lock_wait must not exceed lock_ttl")
	}
	if c.Mode == "engine" && c.Engine.RefreshInterval.Duration <= 0 {
		errs = append(errs, "engine: refresh_interval must be > 0 for engine mode")
	}
	if c.Engine.MaxQuoteAge.Duration < 0 {
		errs = append(errs, "engine: max_quote_age must be >= 0")
	}

	// Policy
	if c.Policy.MaxWeightWithLoss <= 0 || c.Policy.MaxWeightWithLoss > 100 {
		errs = append(errs, fmt.Sprintf("policy: max_weight_with_loss must be in (0, 100], got %v", c.Policy.MaxWeightWithLoss))
	}
	if c.Policy.RemediationWeight <= 0 || c.Policy.RemediationWeight >= c.Policy.MaxWeightWithLoss {
		errs = append(errs, fmt.Sprintf("policy: remediation_weight must be in (0, max_weight_with_loss), got %v", c.Policy.RemediationWeight))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Feed: engine mode reprices continuously and needs a quote source.
	if c.Mode == "engine" && c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url is required for engine mode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
