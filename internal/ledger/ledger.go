package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/scarson/paidqueue/internal/metrics"
	"github.com/scarson/paidqueue/internal/store"
)

const (
	maxCASAttempts = 32
	casBackoffBase = 2 * time.Millisecond
	casBackoffMax  = 100 * time.Millisecond
)

// Ledger is the account API over an accounts Table.
type Ledger struct {
	table store.Table
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) { l.log = lg }
}

// New returns a Ledger over table, which must use Schema.
func New(table store.Table, opts ...Option) *Ledger {
	l := &Ledger{
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CreateAccount inserts an account with DefaultTier. It reports created=false,
// without touching the existing row, when the id is already taken.
func (l *Ledger) CreateAccount(ctx context.Context, id, referredBy string, initialBalance int64) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, fmt.Errorf("create account: %w: id is required", ErrInvalidInput)
	}
	if initialBalance < 0 {
		return false, fmt.Errorf("create account %s: %w: initial balance %d", id, ErrInvalidInput, initialBalance)
	}
	row := store.Row{
		store.ColID:     id,
		colBalance:      initialBalance,
		colPriorityTier: int64(DefaultTier),
		colReferredBy:   nil,
		colCreatedAt:    l.now(),
	}
	if referredBy != "" {
		row[colReferredBy] = referredBy
	}
	if _, err := l.table.Insert(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return false, nil
		}
		return false, storeErr("create account "+id, err)
	}
	l.log.InfoContext(ctx, "account created", "account_id", id, "referred_by", referredBy)
	return true, nil
}

// Get returns one account.
func (l *Ledger) Get(ctx context.Context, id string) (*Account, error) {
	r, err := l.table.Get(ctx, id)
	if err != nil {
		return nil, storeErr("get account "+id, err)
	}
	return accountFromRow(r), nil
}

// Balance returns the current point balance of an account.
func (l *Ledger) Balance(ctx context.Context, id string) (int64, error) {
	a, err := l.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// Priority returns the current priority tier of an account.
func (l *Ledger) Priority(ctx context.Context, id string) (int, error) {
	a, err := l.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.PriorityTier, nil
}

// ApplyBalanceDelta adds delta (which may be negative) to the balance and
// returns the new balance. It never creates the account.
func (l *Ledger) ApplyBalanceDelta(ctx context.Context, id string, delta int64) (int64, error) {
	return l.adjustBalance(ctx, "apply balance delta", id, delta, false)
}

// Charge debits amount, refusing to take the balance below zero.
func (l *Ledger) Charge(ctx context.Context, id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("charge %s: %w: amount %d", id, ErrInvalidInput, amount)
	}
	return l.adjustBalance(ctx, "charge", id, -amount, true)
}

func (l *Ledger) adjustBalance(ctx context.Context, op, id string, delta int64, floorZero bool) (int64, error) {
	var next int64
	err := l.cas(ctx, op, id, func(a *Account) (store.Row, store.Row, error) {
		if delta > 0 && a.Balance > math.MaxInt64-delta {
			return nil, nil, fmt.Errorf("%w: balance overflow", ErrInvalidInput)
		}
		next = a.Balance + delta
		if floorZero && next < 0 {
			return nil, nil, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientBalance, a.Balance, -delta)
		}
		return store.Row{colBalance: a.Balance}, store.Row{colBalance: next}, nil
	})
	if err != nil {
		return 0, err
	}
	l.log.InfoContext(ctx, "balance updated", "account_id", id, "delta", delta, "balance", next)
	return next, nil
}

// RaisePriorityIfBetter lowers the account's tier to candidate only when
// candidate is strictly better (smaller). A worse or equal candidate is a
// no-op reporting applied=false.
func (l *Ledger) RaisePriorityIfBetter(ctx context.Context, id string, candidate int) (bool, error) {
	if candidate < 0 {
		return false, fmt.Errorf("raise priority %s: %w: tier %d", id, ErrInvalidInput, candidate)
	}
	applied := false
	err := l.cas(ctx, "raise priority", id, func(a *Account) (store.Row, store.Row, error) {
		if candidate >= a.PriorityTier {
			applied = false
			return nil, nil, nil
		}
		applied = true
		return store.Row{colPriorityTier: int64(a.PriorityTier)}, store.Row{colPriorityTier: int64(candidate)}, nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		l.log.InfoContext(ctx, "priority raised", "account_id", id, "tier", candidate)
	}
	return applied, nil
}

// mutation computes the expected and new column values from the current
// account. A nil set means there is nothing to write.
type mutation func(a *Account) (expected, set store.Row, err error)

// cas runs fn against the current row and writes its result conditionally,
// retrying with jittered backoff when a concurrent writer got there first.
func (l *Ledger) cas(ctx context.Context, op, id string, fn mutation) error {
	for attempt := range maxCASAttempts {
		if attempt > 0 {
			metrics.LedgerCASRetries.Inc()
			if err := sleepCtx(ctx, casBackoff(attempt)); err != nil {
				return fmt.Errorf("%s %s: %w: %w", op, id, ErrStoreUnavailable, err)
			}
		}
		r, err := l.table.Get(ctx, id)
		if err != nil {
			return storeErr(op+" "+id, err)
		}
		expected, set, err := fn(accountFromRow(r))
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, id, err)
		}
		if set == nil {
			return nil
		}
		applied, err := l.table.ConditionalUpdate(ctx, id, expected, set)
		if err != nil {
			return storeErr(op+" "+id, err)
		}
		if applied {
			return nil
		}
		l.log.DebugContext(ctx, "account update lost race; retrying", "account_id", id, "op", op, "attempt", attempt+1)
	}
	l.log.WarnContext(ctx, "account update gave up", "account_id", id, "op", op, "attempts", maxCASAttempts)
	return fmt.Errorf("%s %s: %w", op, id, ErrContention)
}

func casBackoff(attempt int) time.Duration {
	d := casBackoffBase << (attempt - 1)
	if d > casBackoffMax {
		d = casBackoffMax
	}
	jitter := 0.5 + rand.Float64() //nolint:gosec // G404: backoff jitter is not security-sensitive
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
