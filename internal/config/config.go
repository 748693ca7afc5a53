// Package config defines the top-level configuration for the prediction
// market maker and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/notify"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PREDICTAMM_* environment variables.
type Config struct {
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	Log        LogConfig        `toml:"log"`
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	AMM        AMMConfig        `toml:"amm"`
	Settlement SettlementConfig `toml:"settlement"`
	Resolution ResolutionConfig `toml:"resolution"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
}

// LogConfig controls the optional rotating log file. Stdout logging is
// always on.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "postgres" or "memory". The memory backend is for local
	// runs and loses everything on exit.
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	StatementTimeout duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled the pool
// cache, settlement lock and signal bus are not used.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	OpTimeout    duration `toml:"op_timeout"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters used by the
// archive.
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

// AMMConfig holds pool and swap parameters. Decimal values are TOML strings.
type AMMConfig struct {
	DefaultFeeRate    decimal.Decimal `toml:"default_fee_rate"`
	MinTradeAmount    decimal.Decimal `toml:"min_trade_amount"`
	RetryAttempts     int             `toml:"retry_attempts"`
	RetryInitialDelay duration        `toml:"retry_initial_delay"`
	RetryMaxDelay     duration        `toml:"retry_max_delay"`
}

// SettlementConfig holds the dispute window, the payout formula knobs and
// the resolution worker schedule.
type SettlementConfig struct {
	DisputeWindow   duration        `toml:"dispute_window"`
	PayoutPrecision int32           `toml:"payout_precision"`
	Retention       decimal.Decimal `toml:"retention"`
	PollInterval    duration        `toml:"poll_interval"`
	Batch           int             `toml:"batch"`
	LockTTL         duration        `toml:"lock_ttl"`
}

// ResolutionConfig holds the results feed client and the stub adapter.
type ResolutionConfig struct {
	FeedURL       string  `toml:"feed_url"`
	FeedAPIKey    string  `toml:"feed_api_key"`
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
	// StubResult is what the stub adapter reports: YES, NO or PENDING.
	StubResult string `toml:"stub_result"`
}

// ArchiveConfig controls cold archival of trades and finalized settlements.
type ArchiveConfig struct {
	// RetainFor is how long records stay hot before they are archived.
	RetainFor  duration `toml:"retain_for"`
	Interval   duration `toml:"interval"`
	PartSizeMB int64    `toml:"part_size_mb"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey gates operator routes. Empty disables the check.
	APIKey    string  `toml:"api_key"`
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Storage: StorageConfig{Backend: "postgres"},
		Postgres: PostgresConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "predictamm",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			StatementTimeout: duration{10 * time.Second},
			RunMigrations:    true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			OpTimeout:    duration{time.Second},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "predictamm-archive",
			ForcePathStyle: true,
		},
		AMM: AMMConfig{
			DefaultFeeRate:    decimal.RequireFromString("0.02"),
			MinTradeAmount:    decimal.RequireFromString("0.01"),
			RetryAttempts:     3,
			RetryInitialDelay: duration{50 * time.Millisecond},
			RetryMaxDelay:     duration{time.Second},
		},
		Settlement: SettlementConfig{
			DisputeWindow:   duration{48 * time.Hour},
			PayoutPrecision: 0,
			Retention:       decimal.RequireFromString("0.99"),
			PollInterval:    duration{time.Minute},
			Batch:           100,
			LockTTL:         duration{30 * time.Second},
		},
		Resolution: ResolutionConfig{
			RatePerSecond: 5,
			Burst:         5,
			StubResult:    "PENDING",
		},
		Archive: ArchiveConfig{
			RetainFor:  duration{90 * 24 * time.Hour},
			Interval:   duration{24 * time.Hour},
			PartSizeMB: 16,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateBurst:   40,
		},
		Notify: NotifyConfig{
			Events: append([]string(nil), notify.DefaultEvents...),
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"settle":  true,
	"archive": true,
	"report":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var knownEvents = map[string]bool{
	"*":                             true,
	notify.EventInvariantViolation:  true,
	notify.EventSettlementProposed:  true,
	notify.EventSettlementCancelled: true,
	notify.EventSettlementFinalized: true,
	notify.EventResolutionFailed:    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, settle, archive, report, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Storage
	switch c.Storage.Backend {
	case "memory":
		if mode == "archive" || mode == "report" {
			errs = append(errs, fmt.Sprintf("storage: mode %s needs the postgres backend", mode))
		}
	case "postgres":
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: postgres, memory)", c.Storage.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if mode == "archive" && !c.S3.Enabled {
		errs = append(errs, "s3: must be enabled for archive mode")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// AMM
	one := decimal.NewFromInt(1)
	if c.AMM.DefaultFeeRate.IsNegative() || !c.AMM.DefaultFeeRate.LessThan(one) {
		errs = append(errs, fmt.Sprintf("amm: default_fee_rate must be in [0, 1), got %s", c.AMM.DefaultFeeRate))
	}
	if !c.AMM.MinTradeAmount.IsPositive() {
		errs = append(errs, "amm: min_trade_amount must be > 0")
	}
	if c.AMM.RetryAttempts < 1 {
		errs = append(errs, "amm: retry_attempts must be >= 1")
	}
	if c.AMM.RetryInitialDelay.Duration <= 0 || c.AMM.RetryMaxDelay.Duration < c.AMM.RetryInitialDelay.Duration {
		errs = append(errs, "amm: retry delays must be positive with retry_max_delay >= retry_initial_delay")
	}

	// Settlement
	if c.Settlement.DisputeWindow.Duration < 0 {
		errs = append(errs, "settlement: dispute_window must not be negative")
	}
	if c.Settlement.PayoutPrecision < 0 || c.Settlement.PayoutPrecision > 18 {
		errs = append(errs, "settlement: payout_precision must be 0-18")
	}
	if !c.Settlement.Retention.IsPositive() || c.Settlement.Retention.GreaterThan(one) {
		errs = append(errs, fmt.Sprintf("settlement: retention must be in (0, 1], got %s", c.Settlement.Retention))
	}
	if c.Settlement.PollInterval.Duration <= 0 {
		errs = append(errs, "settlement: poll_interval must be > 0")
	}

	// Resolution
	if _, ok := domain.ParseResult(c.Resolution.StubResult); !ok {
		errs = append(errs, fmt.Sprintf("resolution: stub_result must be YES, NO or PENDING, got %q", c.Resolution.StubResult))
	}
	if c.Resolution.FeedURL != "" && c.Resolution.RatePerSecond <= 0 {
		errs = append(errs, "resolution: rate_per_second must be > 0 when feed_url is set")
	}

	// Archive
	if c.Archive.RetainFor.Duration <= 0 || c.Archive.Interval.Duration <= 0 {
		errs = append(errs, "archive: retain_for and interval must be > 0")
	}

	// Server
	if mode == "server" || mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	for _, e := range c.Notify.Events {
		if !knownEvents[e] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", e))
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
