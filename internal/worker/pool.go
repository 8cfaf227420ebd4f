package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/paidqueue/internal/metrics"
	"github.com/scarson/paidqueue/internal/notify"
	"github.com/scarson/paidqueue/internal/queue"
)

const (
	defaultConcurrency  = 1
	defaultPollInterval = 2 * time.Second
)

// Config tunes a Pool.
type Config struct {
	// Concurrency is the number of polling goroutines.
	Concurrency int
	// PollInterval is how long an idle goroutine waits before polling again.
	PollInterval time.Duration
}

// Pool manages a set of goroutine workers that claim and execute jobs.
type Pool struct {
	queue    Queue
	refunds  Refunder
	notifier notify.Notifier
	handler  Handler
	cfg      Config
	workerID string
	log      *slog.Logger
}

// New creates a Pool. A random workerID is generated at construction time to
// tell this process apart in logs.
func New(q Queue, refunds Refunder, n notify.Notifier, h Handler, cfg Config, log *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Pool{
		queue:    q,
		refunds:  refunds,
		notifier: n,
		handler:  h,
		cfg:      cfg,
		workerID: id,
		log:      log.With("worker_id", id),
	}
}

// Start launches the polling goroutines, then blocks until ctx is cancelled.
// When ctx is cancelled no new jobs are claimed, any in-flight job runs to
// completion and is resolved, and Start returns after all goroutines exit.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.cfg.Concurrency {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.run(ctx, slot)
		}(i)
	}
	wg.Wait()
	p.log.Info("worker pool stopped")
}

// run drains the queue, then polls on a ticker until ctx is cancelled.
// Uses time.NewTicker (not time.After) to avoid timer leaks.
func (p *Pool) run(ctx context.Context, slot int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("worker started", "slot", slot, "poll_interval", p.cfg.PollInterval)
	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker stopping", "slot", slot)
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain processes jobs back to back while the queue has work.
func (p *Pool) drain(ctx context.Context) {
	for ctx.Err() == nil && p.processOne(ctx) {
	}
}

// processOne claims one job and executes it. It reports whether a job was
// claimed. Errors are logged but do not stop the polling loop.
func (p *Pool) processOne(ctx context.Context) bool {
	job, err := p.queue.ClaimNext(ctx)
	if err != nil {
		p.log.ErrorContext(ctx, "claim job error", "error", err)
		return false
	}
	if job == nil {
		return false // no job available, or another worker won the race
	}

	// The job is ours until resolved. Shutdown must not strand it in
	// processing, so execution and resolution ignore ctx cancellation.
	jobCtx := context.WithoutCancel(ctx)
	log := p.log.With("job_id", job.ID, "account_id", job.AccountID)

	metrics.WorkersBusy.Inc()
	start := time.Now()
	urls, runErr := p.execute(jobCtx, job)
	metrics.WorkersBusy.Dec()

	if runErr != nil {
		log.ErrorContext(ctx, "job handler failed", "error", runErr, "elapsed", time.Since(start))
		p.fail(jobCtx, log, job, runErr.Error())
		return true
	}

	applied, err := p.queue.TryResolve(jobCtx, job.ID, queue.Completed{ResultURLs: urls})
	if err != nil {
		log.ErrorContext(ctx, "complete job error", "error", err)
		return true
	}
	if !applied {
		log.WarnContext(ctx, "job finished after it was resolved elsewhere")
		return true
	}
	log.InfoContext(ctx, "job completed", "results", len(urls), "elapsed", time.Since(start))
	notify.Deliver(jobCtx, p.notifier, log, job.AccountID, notify.JobCompleted(job.ID, urls))
	return true
}

// execute runs the handler, converting a panic into a job failure.
func (p *Pool) execute(ctx context.Context, job *queue.JobRecord) (urls []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// fail resolves job as failed and, when this call made the transition,
// refunds its cost.
func (p *Pool) fail(ctx context.Context, log *slog.Logger, job *queue.JobRecord, reason string) {
	applied, err := p.queue.TryResolve(ctx, job.ID, queue.Failed{Reason: reason})
	if err != nil {
		log.ErrorContext(ctx, "fail job error", "error", err)
		return
	}
	if !applied || job.Cost <= 0 {
		return
	}
	Refund(ctx, p.refunds, p.notifier, log, job)
}

// Refund returns a failed job's cost to its account and tells the user.
// Callers must only refund after their own resolve applied.
func Refund(ctx context.Context, r Refunder, n notify.Notifier, log *slog.Logger, job *queue.JobRecord) {
	if r == nil || job.Cost <= 0 {
		return
	}
	if _, err := r.ApplyBalanceDelta(ctx, job.AccountID, job.Cost); err != nil {
		log.ErrorContext(ctx, "refund job cost", "cost", job.Cost, "error", err)
		return
	}
	log.InfoContext(ctx, "job cost refunded", "cost", job.Cost)
	notify.Deliver(ctx, n, log, job.AccountID, notify.JobRefunded(job.ID, job.Cost))
}
