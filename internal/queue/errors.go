package queue

import (
	"errors"
	"fmt"

	"github.com/scarson/paidqueue/internal/store"
)

var (
	// ErrNotFound means the job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrStoreUnavailable means the store call failed. Safe to retry.
	ErrStoreUnavailable = errors.New("job store unavailable")
	// ErrInvalidTransition means the requested status change is not a forward
	// step of the state machine. No mutation was made.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrConflictLost means a conditional update did not apply because a
	// concurrent writer changed the row first.
	ErrConflictLost = errors.New("job changed concurrently")
	// ErrInvalidInput means a request was rejected before any mutation.
	ErrInvalidInput = errors.New("invalid job input")
)

// storeErr maps a store error onto the queue taxonomy.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
