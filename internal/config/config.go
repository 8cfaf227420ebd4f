// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Storage ──────────────────────────────────────────────────────────────────
	// StoreBackend: "postgres", "redis" or "memory" (single process only).
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`

	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Redis ────────────────────────────────────────────────────────────────────
	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX"   envDefault:"paidqueue:"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Auth ─────────────────────────────────────────────────────────────────────
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	// ── Payments ─────────────────────────────────────────────────────────────────
	PaymentWebhookSecret string `env:"PAYMENT_WEBHOOK_SECRET"`
	// PaymentProject must equal the "project" metadata of checkout events;
	// events tagged for other deployments are acknowledged and ignored.
	PaymentProject            string        `env:"PAYMENT_PROJECT"             envDefault:"paidqueue"`
	PaymentSignatureTolerance time.Duration `env:"PAYMENT_SIGNATURE_TOLERANCE" envDefault:"5m"`

	// ── Notifications ────────────────────────────────────────────────────────────
	// Empty NotifyWebhookURL logs notifications instead of sending them.
	NotifyWebhookURL    string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret string        `env:"NOTIFY_WEBHOOK_SECRET"`
	NotifyTimeout       time.Duration `env:"NOTIFY_TIMEOUT"        envDefault:"10s"`

	// ── Workers ──────────────────────────────────────────────────────────────────
	ExecutorURL        string        `env:"EXECUTOR_URL"`
	ExecutorTimeout    time.Duration `env:"EXECUTOR_TIMEOUT"     envDefault:"10m"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY"   envDefault:"1"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	DefaultJobCost     int64         `env:"DEFAULT_JOB_COST"     envDefault:"0"`

	// ── Recovery ─────────────────────────────────────────────────────────────────
	RecoveryInterval time.Duration `env:"RECOVERY_INTERVAL"    envDefault:"1m"`
	// RecoveryStaleAfter must exceed the longest legitimate job run time.
	RecoveryStaleAfter time.Duration `env:"RECOVERY_STALE_AFTER" envDefault:"30m"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	WebhookRatePerSecond float64       `env:"WEBHOOK_RATE_PER_SECOND" envDefault:"5"`
	WebhookRateBurst     int           `env:"WEBHOOK_RATE_BURST"      envDefault:"20"`
	RateLimitEvictTTL    time.Duration `env:"RATE_LIMIT_EVICT_TTL"    envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a value is invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q: want postgres, redis or memory", c.StoreBackend))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency))
	}
	if c.DefaultJobCost < 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_JOB_COST must be >= 0, got %d", c.DefaultJobCost))
	}
	if c.RecoveryStaleAfter < 0 {
		errs = append(errs, errors.New("RECOVERY_STALE_AFTER must not be negative"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
