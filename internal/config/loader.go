package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Secrets
// and deployment-specific endpoints are expected to arrive this way.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.Mode, "ARB_MODE")
	setStr(&cfg.Engine.LogLevel, "ARB_LOG_LEVEL")
	setDuration(&cfg.Engine.DefaultStaleness, "ARB_DEFAULT_STALENESS")

	// ── Detector ──
	setDuration(&cfg.Detector.Interval, "ARB_DETECTOR_INTERVAL")
	setFloat64(&cfg.Detector.Spread.MinProfit, "ARB_SPREAD_MIN_PROFIT")
	setFloat64(&cfg.Detector.Spread.MinNotional, "ARB_SPREAD_MIN_NOTIONAL")
	setInt(&cfg.Detector.Triangular.MaxDepth, "ARB_TRIANGULAR_MAX_DEPTH")
	setFloat64(&cfg.Detector.Triangular.Epsilon, "ARB_TRIANGULAR_EPSILON")
	setBool(&cfg.Detector.Statistical.Enabled, "ARB_STATISTICAL_ENABLED")
	setFloat64(&cfg.Detector.Statistical.ZThreshold, "ARB_STATISTICAL_Z_THRESHOLD")

	// ── Risk ──
	setFloat64(&cfg.Risk.DefaultPositionCap, "ARB_RISK_DEFAULT_POSITION_CAP")
	setFloat64(&cfg.Risk.MaxPortfolioNotional, "ARB_RISK_MAX_PORTFOLIO_NOTIONAL")

	// ── Executor ──
	setDuration(&cfg.Executor.AckTimeout, "ARB_EXECUTOR_ACK_TIMEOUT")
	setInt(&cfg.Executor.MaxConcurrentAttempts, "ARB_EXECUTOR_MAX_CONCURRENT_ATTEMPTS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARB_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "ARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARB_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "ARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.QuoteChannel, "ARB_REDIS_QUOTE_CHANNEL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARB_S3_SECRET_KEY")
	setStr(&cfg.S3.ArchiveCron, "ARB_S3_ARCHIVE_CRON")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARB_NOTIFY_EVENTS")

	// ── API ──
	setBool(&cfg.API.Enabled, "ARB_API_ENABLED")
	setStr(&cfg.API.Addr, "ARB_API_ADDR")
	setStr(&cfg.API.APIKey, "ARB_API_KEY")
	setStringSlice(&cfg.API.CORSOrigins, "ARB_API_CORS_ORIGINS")
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
