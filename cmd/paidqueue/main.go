// Command paidqueue is the paid priority job queue binary.
//
// Subcommands:
//
//	serve    HTTP API, payment webhook, embedded worker pool and recovery sweep
//	worker   standalone worker pool and recovery sweep (no HTTP server)
//	sweep    fail and refund stale processing jobs once, then exit
//	migrate  run pending database migrations and exit
//	token    issue an API bearer token for a role
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embeds the IANA timezone database so time.LoadLocation works in
	// distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC runs before the
	// OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scarson/paidqueue/internal/api"
	"github.com/scarson/paidqueue/internal/auth"
	"github.com/scarson/paidqueue/internal/config"
	"github.com/scarson/paidqueue/internal/submit"
	"github.com/scarson/paidqueue/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "paidqueue",
		Short: "paidqueue: paid priority job queue with an account ledger",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		sweepCmd(),
		migrateCmd(),
		tokenCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server, embedded worker pool and recovery sweep",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, flush, err := setup()
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	svc, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	apiSrv := api.NewServer(api.Deps{
		Queue:      svc.queue,
		Ledger:     svc.ledger,
		Submitter:  submit.New(svc.ledger, svc.queue, cfg.DefaultJobCost, logger),
		Reconciler: svc.reconciler,
		Notifier:   svc.notifier,
		Ping:       svc.ping,
	}, cfg, logger)
	defer apiSrv.Close()

	// WriteTimeout is omitted: job submission may wait on a slow store, and
	// ReadHeaderTimeout already guards against Slowloris.
	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout intentionally omitted
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if pool := svc.workerPool(cfg, logger); pool != nil {
		g.Go(func() error {
			pool.Start(gctx)
			return nil
		})
	} else {
		logger.Warn("EXECUTOR_URL not set; embedded worker pool disabled")
	}
	g.Go(func() error {
		svc.sweeper(cfg, logger).Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("server started", "addr", cfg.ListenAddr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool and recovery sweep (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, flush, err := setup()
	if err != nil {
		return err
	}
	defer flush()
	if cfg.ExecutorURL == "" {
		return errors.New("worker: EXECUTOR_URL is required")
	}
	if cfg.StoreBackend == config.BackendMemory {
		return errors.New("worker: the memory backend cannot be shared with another process; use serve")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	svc, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.workerPool(cfg, logger).Start(gctx) // blocks until ctx cancelled, then drains in-flight jobs
		return nil
	})
	g.Go(func() error {
		svc.sweeper(cfg, logger).Run(gctx)
		return nil
	})
	return g.Wait()
}

// ── sweep ─────────────────────────────────────────────────────────────────────

func sweepCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail and refund jobs stuck in processing, then exit",
		Long: "Fails every processing job claimed longer ago than --stale-after and refunds its cost.\n" +
			"--stale-after=0 treats every processing job as abandoned; only use it when no worker is running.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, flush, err := setup()
			if err != nil {
				return err
			}
			defer flush()
			if cmd.Flags().Changed("stale-after") {
				cfg.RecoveryStaleAfter = staleAfter
			}

			svc, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer svc.close()

			n, err := svc.sweeper(cfg, logger).Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			logger.Info("sweep complete", "recovered", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "override RECOVERY_STALE_AFTER")
	return cmd
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, logger, flush, err := setup()
	if err != nil {
		return err
	}
	defer flush()
	if cfg.StoreBackend != config.BackendPostgres {
		logger.Info("no migrations needed", "store", cfg.StoreBackend)
		return nil
	}

	logger.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	logger.Info("migrations complete", "version", version)
	return nil
}

// ── token ─────────────────────────────────────────────────────────────────────

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, flush, err := setup()
			if err != nil {
				return err
			}
			defer flush()
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken([]byte(cfg.JWTSecret), subject, r, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. the bot or worker name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleProducer), "producer, worker or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
