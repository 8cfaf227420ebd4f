// Package worker provides a goroutine pool that claims and executes jobs
// from the priority queue.
//
// Each of the pool's goroutines polls ClaimNext independently. Exclusion
// between them, and between processes, comes from the queue's conditional
// claim; the pool holds no shared queue state.
package worker

import (
	"context"

	"github.com/scarson/paidqueue/internal/queue"
)

// Handler executes one claimed job and returns the locations of its results.
// A non-nil error fails the job and refunds its cost.
type Handler func(ctx context.Context, job *queue.JobRecord) (resultURLs []string, err error)

// Queue is the queue surface the pool drives.
type Queue interface {
	ClaimNext(ctx context.Context) (*queue.JobRecord, error)
	TryResolve(ctx context.Context, id string, out queue.Outcome) (bool, error)
}

// Refunder returns points to an account.
type Refunder interface {
	ApplyBalanceDelta(ctx context.Context, id string, delta int64) (int64, error)
}
