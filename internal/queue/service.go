package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scarson/paidqueue/internal/metrics"
	"github.com/scarson/paidqueue/internal/store"
)

// claimOrder is the scheduling policy: priority first, then oldest first.
// The store appends seq as the final tie-break.
var claimOrder = []string{colPriority, colCreatedAt}

// Service is the queue API over a jobs Table.
type Service struct {
	table store.Table
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New returns a Service over table, which must use Schema.
func New(table store.Table, opts ...Option) *Service {
	s := &Service{
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnqueueParams describes a job to insert.
type EnqueueParams struct {
	AccountID       string
	ChannelID       string
	OriginMessageID string
	Payload         json.RawMessage
	PayloadLabel    string
	// Priority is normally the account's current priority tier.
	Priority int
	// Cost is the number of points already charged for the job, refunded if
	// the job is lost to a crash. Zero for free jobs.
	Cost int64
}

func (p EnqueueParams) validate() error {
	var problems []string
	if strings.TrimSpace(p.AccountID) == "" {
		problems = append(problems, "account_id is required")
	}
	if len(p.Payload) == 0 || !json.Valid(p.Payload) {
		problems = append(problems, "payload must be a JSON document")
	}
	if p.Priority < 0 {
		problems = append(problems, "priority must be >= 0")
	}
	if p.Cost < 0 {
		problems = append(problems, "cost must be >= 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// Enqueue inserts a pending job and returns its id. A failed Enqueue means the
// job was not queued; callers may retry.
func (s *Service) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	id, err := s.table.Insert(ctx, store.Row{
		colAccountID:       p.AccountID,
		colChannelID:       p.ChannelID,
		colOriginMessageID: p.OriginMessageID,
		colPayload:         string(p.Payload),
		colPayloadLabel:    p.PayloadLabel,
		colStatus:          StatusPending.String(),
		colPriority:        int64(p.Priority),
		colCost:            p.Cost,
		colCreatedAt:       s.now(),
		colStartedAt:       nil,
		colCompletedAt:     nil,
		colResultURLs:      nil,
		colErrorMessage:    nil,
	})
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return "", storeErr("enqueue", err)
		}
		return "", fmt.Errorf("enqueue: %w: %w", ErrStoreUnavailable, err)
	}
	metrics.JobsEnqueued.WithLabelValues(p.PayloadLabel).Inc()
	s.log.InfoContext(ctx, "job enqueued",
		"job_id", id, "account_id", p.AccountID, "priority", p.Priority, "label", p.PayloadLabel)
	return id, nil
}

// ClaimNext hands the highest-priority, oldest pending job to the caller.
//
// It returns (nil, nil) when the queue is empty and also when another worker
// claimed the selected job first; callers poll again rather than looping here.
// A non-nil job is owned exclusively by the caller until it is resolved.
func (s *Service) ClaimNext(ctx context.Context) (*JobRecord, error) {
	rows, err := s.table.Query(ctx, store.Query{
		Where:   store.Row{colStatus: StatusPending.String()},
		OrderBy: claimOrder,
		Limit:   1,
	})
	if err != nil {
		return nil, storeErr("claim next", err)
	}
	if len(rows) == 0 {
		metrics.Claims.WithLabelValues("empty").Inc()
		return nil, nil
	}

	id := rows[0].String(store.ColID)
	job, decodeErr := jobFromRow(rows[0])
	startedAt := s.now()
	if err := s.claim(ctx, id, startedAt); err != nil {
		if errors.Is(err, ErrConflictLost) {
			metrics.Claims.WithLabelValues("lost").Inc()
			s.log.DebugContext(ctx, "claim lost to concurrent worker", "job_id", id)
			return nil, nil
		}
		return nil, err
	}
	metrics.Claims.WithLabelValues("won").Inc()

	// A row that cannot be decoded would otherwise sit at the head of the
	// queue forever. It is ours now, so fail it and let the caller poll again.
	if decodeErr != nil {
		s.log.ErrorContext(ctx, "claimed job is unreadable; failing it",
			"job_id", id, "error", decodeErr)
		if _, err := s.resolve(ctx, id, Failed{Reason: "unreadable job record"}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	job.Status = StatusProcessing
	job.StartedAt = &startedAt
	s.log.InfoContext(ctx, "job claimed", "job_id", job.ID, "priority", job.Priority)
	return job, nil
}

// claim performs the pending-to-processing conditional update for one job.
func (s *Service) claim(ctx context.Context, id string, startedAt time.Time) error {
	applied, err := s.table.ConditionalUpdate(ctx, id,
		store.Row{colStatus: StatusPending.String()},
		store.Row{colStatus: StatusProcessing.String(), colStartedAt: startedAt},
	)
	if err != nil {
		return storeErr("claim "+id, err)
	}
	if !applied {
		return fmt.Errorf("claim %s: %w", id, ErrConflictLost)
	}
	return nil
}

// Resolve moves a processing job to the terminal status described by out.
//
// Resolving a job that is already terminal is a logged no-op and returns nil,
// so duplicate calls after a worker retry are harmless. Resolving a job that
// was never claimed returns ErrInvalidTransition without mutating it.
func (s *Service) Resolve(ctx context.Context, id string, out Outcome) error {
	_, err := s.TryResolve(ctx, id, out)
	return err
}

// TryResolve is Resolve that also reports whether this call made the
// transition. Side effects tied to a terminal status, such as refunds, key
// off applied so they happen once even when a worker and the recovery sweep
// race to resolve the same job.
func (s *Service) TryResolve(ctx context.Context, id string, out Outcome) (applied bool, err error) {
	return s.resolve(ctx, id, out)
}

// ForceFail fails a processing job on behalf of the recovery sweep. applied
// reports whether this call made the transition.
func (s *Service) ForceFail(ctx context.Context, id, reason string) (applied bool, err error) {
	return s.resolve(ctx, id, Failed{Reason: reason})
}

func (s *Service) resolve(ctx context.Context, id string, out Outcome) (bool, error) {
	if out == nil {
		return false, fmt.Errorf("resolve %s: %w: outcome is required", id, ErrInvalidInput)
	}
	status := out.Status()
	urls, msg := out.fields()

	set := store.Row{
		colStatus:      status.String(),
		colCompletedAt: s.now(),
	}
	if status == StatusCompleted {
		if urls == nil {
			urls = []string{}
		}
		encoded, err := json.Marshal(urls)
		if err != nil {
			return false, fmt.Errorf("resolve %s: %w: %w", id, ErrInvalidInput, err)
		}
		set[colResultURLs] = string(encoded)
	} else {
		set[colErrorMessage] = msg
	}

	applied, err := s.table.ConditionalUpdate(ctx, id, store.Row{colStatus: StatusProcessing.String()}, set)
	if err != nil {
		return false, storeErr("resolve "+id, err)
	}
	if applied {
		metrics.JobsResolved.WithLabelValues(status.String()).Inc()
		s.log.InfoContext(ctx, "job resolved", "job_id", id, "status", status.String())
		return true, nil
	}

	// Not applied: find out why.
	cur, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if cur.Status.Terminal() {
		metrics.ResolveNoops.WithLabelValues("terminal").Inc()
		s.log.WarnContext(ctx, "resolve ignored: job already terminal",
			"job_id", id, "current", cur.Status.String(), "requested", status.String())
		return false, nil
	}
	metrics.ResolveNoops.WithLabelValues("not_claimed").Inc()
	s.log.WarnContext(ctx, "resolve rejected: job not processing",
		"job_id", id, "current", cur.Status.String(), "requested", status.String())
	return false, fmt.Errorf("resolve %s: %w: %s -> %s", id, ErrInvalidTransition, cur.Status, status)
}

// ListStaleProcessing returns every job currently marked processing, oldest
// claim first. Deciding which of them are abandoned is the caller's policy.
func (s *Service) ListStaleProcessing(ctx context.Context) ([]*JobRecord, error) {
	rows, err := s.table.Query(ctx, store.Query{
		Where:   store.Row{colStatus: StatusProcessing.String()},
		OrderBy: []string{colStartedAt},
	})
	if err != nil {
		return nil, storeErr("list processing", err)
	}
	jobs := make([]*JobRecord, 0, len(rows))
	for _, r := range rows {
		j, err := jobFromRow(r)
		if err != nil && j == nil {
			s.log.ErrorContext(ctx, "skipping unreadable job row", "job_id", r.String(store.ColID), "error", err)
			continue
		}
		jobs = append(jobs, j)
	}
	if len(jobs) > 0 {
		s.log.WarnContext(ctx, "jobs in processing state", "count", len(jobs))
	}
	return jobs, nil
}

// Get returns one job by id.
func (s *Service) Get(ctx context.Context, id string) (*JobRecord, error) {
	r, err := s.table.Get(ctx, id)
	if err != nil {
		return nil, storeErr("get job "+id, err)
	}
	j, err := jobFromRow(r)
	if err != nil && j == nil {
		return nil, err
	}
	return j, nil
}
