package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/scarson/paidqueue/internal/api"
	"github.com/scarson/paidqueue/internal/config"
	"github.com/scarson/paidqueue/internal/executor"
	"github.com/scarson/paidqueue/internal/ledger"
	"github.com/scarson/paidqueue/internal/logging"
	"github.com/scarson/paidqueue/internal/notify"
	"github.com/scarson/paidqueue/internal/payment"
	"github.com/scarson/paidqueue/internal/queue"
	"github.com/scarson/paidqueue/internal/recovery"
	"github.com/scarson/paidqueue/internal/store"
	"github.com/scarson/paidqueue/internal/worker"
)

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// setup loads configuration and installs the process logger. flush must be
// called before exit so buffered log entries are written.
func setup() (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return nil, nil, nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	logger, sync := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Development: cfg.IsDevelopment(),
	})
	slog.SetDefault(logger)
	return cfg, logger, func() { _ = sync() }, nil
}

// app is the set of services every subcommand builds over one backend.
type app struct {
	queue      *queue.Service
	ledger     *ledger.Ledger
	reconciler *payment.Reconciler
	notifier   notify.Notifier
	ping       api.Pinger
	close      func()
}

// newApp opens the configured store backend and builds the services on it.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	var (
		jobs, accounts, events store.Table
		ping                   api.Pinger
		closeFn                = func() {}
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := newPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		st := store.New(db)
		jobs, accounts, events = st.Table(queue.Schema), st.Table(ledger.Schema), st.Table(payment.EventsSchema)
		ping, closeFn = st.Ping, db.Close
	case config.BackendRedis:
		rdb, err := newRedis(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		jobs = store.NewRedisTable(rdb, cfg.RedisPrefix, queue.Schema)
		accounts = store.NewRedisTable(rdb, cfg.RedisPrefix, ledger.Schema)
		events = store.NewRedisTable(rdb, cfg.RedisPrefix, payment.EventsSchema)
		ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		closeFn = func() { _ = rdb.Close() }
	case config.BackendMemory:
		logger.Warn("memory store: state is lost on exit and cannot be shared between processes")
		jobs = store.NewMemoryTable(queue.Schema)
		accounts = store.NewMemoryTable(ledger.Schema)
		events = store.NewMemoryTable(payment.EventsSchema)
		ping = func(context.Context) error { return nil }
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	var n notify.Notifier = notify.LogNotifier{Log: logger}
	if cfg.NotifyWebhookURL != "" {
		n = notify.NewWebhookNotifier(notify.BuildSafeClient(cfg.NotifyTimeout), notify.WebhookConfig{
			URL:           cfg.NotifyWebhookURL,
			SigningSecret: cfg.NotifyWebhookSecret,
		})
	}

	l := ledger.New(accounts, ledger.WithLogger(logger))
	return &app{
		queue:      queue.New(jobs, queue.WithLogger(logger)),
		ledger:     l,
		reconciler: payment.NewReconciler(l, events, n, cfg.PaymentProject, logger),
		notifier:   n,
		ping:       ping,
		close:      closeFn,
	}, nil
}

// workerPool returns a pool executing jobs on EXECUTOR_URL, or nil when no
// executor is configured.
func (a *app) workerPool(cfg *config.Config, logger *slog.Logger) *worker.Pool {
	if cfg.ExecutorURL == "" {
		return nil
	}
	exec := executor.NewHTTP(cfg.ExecutorURL, cfg.ExecutorTimeout)
	return worker.New(a.queue, a.ledger, a.notifier, exec.Execute, worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
	}, logger)
}

func (a *app) sweeper(cfg *config.Config, logger *slog.Logger) *recovery.Sweeper {
	return recovery.New(a.queue, a.ledger, a.notifier, recovery.Config{
		Interval:   cfg.RecoveryInterval,
		StaleAfter: cfg.RecoveryStaleAfter,
	}, logger)
}

// newRedis connects to REDIS_ADDR, retrying while the server starts.
func newRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return rdb, nil
		}
		slog.Warn("redis not ready, retrying", "attempt", attempt, "error", err)
		if werr := wait(ctx, time.Duration(attempt)*time.Second); werr != nil {
			_ = rdb.Close()
			return nil, werr
		}
	}
	_ = rdb.Close()
	return nil, fmt.Errorf("redis unavailable after retries: %w", err)
}

// newPool creates and validates a pgxpool: PgBouncer-compatible exec mode,
// statement timeout and pool sizing from config.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		if err := wait(ctx, time.Duration(attempt)*time.Second); err != nil {
			return nil, err
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: catches deployments where migrations
	// haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch; run `paidqueue migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// wait sleeps for d or until ctx is done. time.NewTimer (not time.After)
// avoids leaking the timer on cancellation.
func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
