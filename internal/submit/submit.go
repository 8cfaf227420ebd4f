// Package submit is the producer path: charge the account, then enqueue the
// job at the account's current priority tier.
package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/scarson/paidqueue/internal/ledger"
	"github.com/scarson/paidqueue/internal/queue"
)

// Accounts is the ledger surface the submitter needs.
type Accounts interface {
	Priority(ctx context.Context, id string) (int, error)
	Charge(ctx context.Context, id string, amount int64) (int64, error)
	ApplyBalanceDelta(ctx context.Context, id string, delta int64) (int64, error)
}

// Jobs is the queue surface the submitter needs.
type Jobs interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (string, error)
}

// Request is one job submission.
type Request struct {
	AccountID       string          `json:"account_id"`
	ChannelID       string          `json:"channel_id"`
	OriginMessageID string          `json:"origin_message_id"`
	Payload         json.RawMessage `json:"payload"`
	PayloadLabel    string          `json:"payload_label"`
	// Cost raises the price of this job above the default. Values below the
	// default are ignored so a producer cannot discount its own jobs.
	Cost int64 `json:"cost,omitempty"`
}

// Submitter charges and enqueues jobs.
type Submitter struct {
	accounts    Accounts
	jobs        Jobs
	defaultCost int64
	log         *slog.Logger
}

// New returns a Submitter charging defaultCost per job, or a request's own
// cost when it is higher.
func New(accounts Accounts, jobs Jobs, defaultCost int64, log *slog.Logger) *Submitter {
	if log == nil {
		log = slog.Default()
	}
	return &Submitter{accounts: accounts, jobs: jobs, defaultCost: defaultCost, log: log}
}

// Submit returns the new job id. It fails with ledger.ErrNotFound for an
// unknown account and ledger.ErrInsufficientBalance when the account cannot
// pay. If the enqueue fails after charging, the charge is refunded.
func (s *Submitter) Submit(ctx context.Context, req Request) (string, error) {
	cost := max(s.defaultCost, req.Cost)

	tier, err := s.accounts.Priority(ctx, req.AccountID)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if cost > 0 {
		if _, err := s.accounts.Charge(ctx, req.AccountID, cost); err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
	}

	id, err := s.jobs.Enqueue(ctx, queue.EnqueueParams{
		AccountID:       req.AccountID,
		ChannelID:       req.ChannelID,
		OriginMessageID: req.OriginMessageID,
		Payload:         req.Payload,
		PayloadLabel:    req.PayloadLabel,
		Priority:        tier,
		Cost:            cost,
	})
	if err != nil {
		if cost > 0 {
			// The refund must land even when ctx was what made Enqueue fail.
			if _, rerr := s.accounts.ApplyBalanceDelta(context.WithoutCancel(ctx), req.AccountID, cost); rerr != nil {
				s.log.ErrorContext(ctx, "refund after failed enqueue",
					"account_id", req.AccountID, "cost", cost, "error", rerr)
			}
		}
		return "", fmt.Errorf("submit: %w", err)
	}
	return id, nil
}

var _ Accounts = (*ledger.Ledger)(nil)
var _ Jobs = (*queue.Service)(nil)
