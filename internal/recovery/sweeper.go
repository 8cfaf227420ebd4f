// Package recovery finds jobs left in processing by a crashed worker, fails
// them and refunds their cost.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/scarson/paidqueue/internal/metrics"
	"github.com/scarson/paidqueue/internal/notify"
	"github.com/scarson/paidqueue/internal/queue"
	"github.com/scarson/paidqueue/internal/worker"
)

// CrashReason is the error message recorded on recovered jobs.
const CrashReason = "worker crashed"

// Queue is the queue surface the sweeper needs.
type Queue interface {
	ListStaleProcessing(ctx context.Context) ([]*queue.JobRecord, error)
	ForceFail(ctx context.Context, id, reason string) (bool, error)
}

// Config tunes a Sweeper.
type Config struct {
	// Interval between periodic sweeps. Zero disables the timer; Run then
	// sweeps once and returns.
	Interval time.Duration
	// StaleAfter is how long a job may stay in processing before it is
	// considered abandoned. Zero treats every processing job as abandoned,
	// which is only correct when no other worker can be running.
	StaleAfter time.Duration
}

// Sweeper fails abandoned jobs.
type Sweeper struct {
	queue    Queue
	refunds  worker.Refunder
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
	log      *slog.Logger
}

// New returns a Sweeper.
func New(q Queue, refunds worker.Refunder, n notify.Notifier, cfg Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		queue:    q,
		refunds:  refunds,
		notifier: n,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps immediately, then every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("recovery sweep started", "interval", s.cfg.Interval, "stale_after", s.cfg.StaleAfter)
	s.sweepAndLog(ctx)
	if s.cfg.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("recovery sweep stopping")
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "recovery sweep error", "error", err)
		return
	}
	if n > 0 {
		s.log.InfoContext(ctx, "recovered stale jobs", "count", n)
	}
}

// Sweep runs one pass and returns how many jobs this call failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	jobs, err := s.queue.ListStaleProcessing(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	recovered := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if s.cfg.StaleAfter > 0 && job.StartedAt != nil && job.StartedAt.After(cutoff) {
			continue
		}
		log := s.log.With("job_id", job.ID, "account_id", job.AccountID)
		applied, err := s.queue.ForceFail(ctx, job.ID, CrashReason)
		if err != nil {
			log.ErrorContext(ctx, "force fail stale job", "error", err)
			continue
		}
		if !applied {
			// A worker or another sweeper resolved it first.
			continue
		}
		recovered++
		metrics.JobsRecovered.Inc()
		log.WarnContext(ctx, "stale job failed", "started_at", job.StartedAt)
		worker.Refund(ctx, s.refunds, s.notifier, log, job)
	}
	return recovered, nil
}
