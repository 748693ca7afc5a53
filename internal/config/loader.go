package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PREDICTAMM_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PREDICTAMM_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Log ──
	setStr(&cfg.Log.File, "PREDICTAMM_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "PREDICTAMM_LOG_MAX_SIZE_MB")
	setInt(&cfg.Log.MaxBackups, "PREDICTAMM_LOG_MAX_BACKUPS")
	setInt(&cfg.Log.MaxAgeDays, "PREDICTAMM_LOG_MAX_AGE_DAYS")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "PREDICTAMM_STORAGE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PREDICTAMM_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PREDICTAMM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PREDICTAMM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PREDICTAMM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PREDICTAMM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PREDICTAMM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PREDICTAMM_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PREDICTAMM_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PREDICTAMM_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.StatementTimeout, "PREDICTAMM_POSTGRES_STATEMENT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "PREDICTAMM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PREDICTAMM_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PREDICTAMM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREDICTAMM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREDICTAMM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PREDICTAMM_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PREDICTAMM_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PREDICTAMM_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.OpTimeout, "PREDICTAMM_REDIS_OP_TIMEOUT")
	setInt64(&cfg.Redis.StreamMaxLen, "PREDICTAMM_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PREDICTAMM_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PREDICTAMM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PREDICTAMM_S3_REGION")
	setStr(&cfg.S3.Bucket, "PREDICTAMM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PREDICTAMM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PREDICTAMM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PREDICTAMM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PREDICTAMM_S3_FORCE_PATH_STYLE")

	// ── AMM ──
	setDecimal(&cfg.AMM.DefaultFeeRate, "PREDICTAMM_AMM_DEFAULT_FEE_RATE")
	setDecimal(&cfg.AMM.MinTradeAmount, "PREDICTAMM_AMM_MIN_TRADE_AMOUNT")
	setInt(&cfg.AMM.RetryAttempts, "PREDICTAMM_AMM_RETRY_ATTEMPTS")
	setDuration(&cfg.AMM.RetryInitialDelay, "PREDICTAMM_AMM_RETRY_INITIAL_DELAY")
	setDuration(&cfg.AMM.RetryMaxDelay, "PREDICTAMM_AMM_RETRY_MAX_DELAY")

	// ── Settlement ──
	setDuration(&cfg.Settlement.DisputeWindow, "PREDICTAMM_SETTLEMENT_DISPUTE_WINDOW")
	setInt32(&cfg.Settlement.PayoutPrecision, "PREDICTAMM_SETTLEMENT_PAYOUT_PRECISION")
	setDecimal(&cfg.Settlement.Retention, "PREDICTAMM_SETTLEMENT_RETENTION")
	setDuration(&cfg.Settlement.PollInterval, "PREDICTAMM_SETTLEMENT_POLL_INTERVAL")
	setInt(&cfg.Settlement.Batch, "PREDICTAMM_SETTLEMENT_BATCH")
	setDuration(&cfg.Settlement.LockTTL, "PREDICTAMM_SETTLEMENT_LOCK_TTL")

	// ── Resolution ──
	setStr(&cfg.Resolution.FeedURL, "PREDICTAMM_RESOLUTION_FEED_URL")
	setStr(&cfg.Resolution.FeedAPIKey, "PREDICTAMM_RESOLUTION_FEED_API_KEY")
	setFloat64(&cfg.Resolution.RatePerSecond, "PREDICTAMM_RESOLUTION_RATE_PER_SECOND")
	setInt(&cfg.Resolution.Burst, "PREDICTAMM_RESOLUTION_BURST")
	setStr(&cfg.Resolution.StubResult, "PREDICTAMM_RESOLUTION_STUB_RESULT")

	// ── Archive ──
	setDuration(&cfg.Archive.RetainFor, "PREDICTAMM_ARCHIVE_RETAIN_FOR")
	setDuration(&cfg.Archive.Interval, "PREDICTAMM_ARCHIVE_INTERVAL")
	setInt64(&cfg.Archive.PartSizeMB, "PREDICTAMM_ARCHIVE_PART_SIZE_MB")

	// ── Server ──
	setInt(&cfg.Server.Port, "PREDICTAMM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PREDICTAMM_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PREDICTAMM_SERVER_API_KEY")
	setFloat64(&cfg.Server.RateLimit, "PREDICTAMM_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "PREDICTAMM_SERVER_RATE_BURST")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PREDICTAMM_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PREDICTAMM_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PREDICTAMM_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PREDICTAMM_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PREDICTAMM_MODE")
	setStr(&cfg.LogLevel, "PREDICTAMM_LOG_LEVEL")
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

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
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
