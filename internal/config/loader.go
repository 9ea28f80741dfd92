package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POOLENGINE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POOLENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// --- Engine ---
	setDuration(&cfg.Engine.LockTTL, "POOLENGINE_ENGINE_LOCK_TTL")
	setDuration(&cfg.Engine.LockWait, "POOLENGINE_ENGINE_LOCK_WAIT")
	setDuration(&cfg.Engine.RefreshInterval, "POOLENGINE_ENGINE_REFRESH_INTERVAL")
	setDuration(&cfg.Engine.MaxQuoteAge, "POOLENGINE_ENGINE_MAX_QUOTE_AGE")
	setBool(&cfg.Engine.SnapshotOnStart, "POOLENGINE_ENGINE_SNAPSHOT_ON_START")

	// --- Policy ---
	setFloat64(&cfg.Policy.MaxWeightWithLoss, "POOLENGINE_POLICY_MAX_WEIGHT_WITH_LOSS")
	setFloat64(&cfg.Policy.RemediationWeight, "POOLENGINE_POLICY_REMEDIATION_WEIGHT")

	// --- Postgres ---
	setStr(&cfg.Postgres.DSN, "POOLENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "POOLENGINE_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POOLENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POOLENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POOLENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POOLENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POOLENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POOLENGINE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POOLENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POOLENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POOLENGINE_POSTGRES_RUN_MIGRATIONS")

	// --- Redis ---
	setStr(&cfg.Redis.Addr, "POOLENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POOLENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POOLENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POOLENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POOLENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POOLENGINE_REDIS_TLS_ENABLED")

	// --- S3 ---
	setBool(&cfg.S3.Enabled, "POOLENGINE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POOLENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POOLENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "POOLENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POOLENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POOLENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POOLENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POOLENGINE_S3_FORCE_PATH_STYLE")

	// --- Feed ---
	setStr(&cfg.Feed.WsURL, "POOLENGINE_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "POOLENGINE_FEED_SYMBOLS")
	setDuration(&cfg.Feed.ReconnectDelay, "POOLENGINE_FEED_RECONNECT_DELAY")

	// --- Notify ---
	setStr(&cfg.Notify.TelegramToken, "POOLENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POOLENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POOLENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POOLENGINE_NOTIFY_EVENTS")

	// --- Top-level ---
	setStr(&cfg.Mode, "POOLENGINE_MODE")
	setStr(&cfg.LogLevel, "POOLENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
