package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scarson/paidqueue/internal/ledger"
	"github.com/scarson/paidqueue/internal/metrics"
	"github.com/scarson/paidqueue/internal/notify"
	"github.com/scarson/paidqueue/internal/store"
)

const (
	colAccountID     = "account_id"
	colPackageID     = "package_id"
	colPointsAwarded = "points_awarded"
	colPriorityBoost = "priority_boost"
	colState         = "state"
	colCreatedAt     = "created_at"
	colUpdatedAt     = "updated_at"
)

// Processing states of a payment event row. A row moves from processing to
// credited once the points are on the account, then to applied once the
// priority raise is done. failed rows and stalled processing rows are taken
// over by the next delivery.
const (
	stateProcessing = "processing"
	stateCredited   = "credited"
	stateApplied    = "applied"
	stateFailed     = "failed"
	stateRejected   = "rejected"
)

// DefaultTakeoverAfter is how long a processing row may go without an update
// before a redelivery assumes the attempt that wrote it is gone.
const DefaultTakeoverAfter = 10 * time.Minute

// ErrEventInProgress means another delivery of the same event is being
// applied. The provider should redeliver it later.
var ErrEventInProgress = errors.New("payment event in progress")

// EventsSchema describes the payment_events table. One row per provider
// event id gates the credit so a redelivered event is applied once.
var EventsSchema = store.Schema{
	Name: "payment_events",
	Columns: map[string]store.Kind{
		colAccountID:     store.KindString,
		colPackageID:     store.KindString,
		colPointsAwarded: store.KindInt,
		colPriorityBoost: store.KindInt,
		colState:         store.KindString,
		colCreatedAt:     store.KindTime,
		colUpdatedAt:     store.KindTime,
	},
}

// Outcome classifies what Handle did with an event.
type Outcome string

const (
	// OutcomeApplied means points were credited.
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the event was for another deployment or of a type
	// that carries no credit.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDuplicate means the event id was already processed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRejected means the event could not be matched to a package or
	// account. It is acknowledged so the provider stops redelivering it.
	OutcomeRejected Outcome = "rejected"
)

// Ledger is the subset of the account ledger the reconciler mutates.
type Ledger interface {
	ApplyBalanceDelta(ctx context.Context, id string, delta int64) (int64, error)
	RaisePriorityIfBetter(ctx context.Context, id string, tier int) (bool, error)
	Priority(ctx context.Context, id string) (int, error)
}

// Reconciler applies checkout events to the ledger.
type Reconciler struct {
	ledger   Ledger
	events   store.Table
	notifier notify.Notifier
	project  string
	takeover time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewReconciler returns a Reconciler that only acts on events tagged with
// project. events must use EventsSchema.
func NewReconciler(l Ledger, events store.Table, n notify.Notifier, project string, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		ledger:   l,
		events:   events,
		notifier: n,
		project:  project,
		takeover: DefaultTakeoverAfter,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// WithClock replaces the time source. Used by tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// WithTakeoverAfter sets how long a processing row must be idle before a
// redelivery re-attempts the credit. It must exceed the longest credit.
func (r *Reconciler) WithTakeoverAfter(d time.Duration) *Reconciler {
	r.takeover = d
	return r
}

// stamp is the current time at the precision every store round-trips, so a
// value read back can be used as a conditional update expectation.
func (r *Reconciler) stamp() time.Time { return r.now().UTC().Truncate(time.Microsecond) }

// Handle reconciles one verified event. A non-nil error means the event was
// not fully applied and the provider should redeliver it; ErrEventInProgress
// is one such error, returned while another delivery holds the event. Every
// other condition is reported through Outcome and acknowledged.
func (r *Reconciler) Handle(ctx context.Context, ev *Event) (Outcome, error) {
	out, err := r.handle(ctx, ev)
	if err != nil {
		metrics.Payments.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.Payments.WithLabelValues(string(out)).Inc()
	return out, nil
}

func (r *Reconciler) handle(ctx context.Context, ev *Event) (Outcome, error) {
	log := r.log.With("event_id", ev.ID, "event_type", ev.Type)

	if ev.Type != TypeCheckoutCompleted {
		log.DebugContext(ctx, "payment event type not handled")
		return OutcomeIgnored, nil
	}
	if p := ev.Project(); p != r.project {
		log.InfoContext(ctx, "payment event for another project; ignoring", "project", p, "want", r.project)
		return OutcomeIgnored, nil
	}

	accountID := ev.AccountID()
	pkg, ok := Lookup(ev.PackageID())
	if accountID == "" || !ok {
		log.ErrorContext(ctx, "payment event metadata invalid; acknowledging",
			"account_id", accountID, "package_id", ev.PackageID())
		return OutcomeRejected, nil
	}
	log = log.With("account_id", accountID, "package_id", pkg.ID)

	if raw := ev.Metadata[MetaPointsAwarded]; raw != "" && raw != fmt.Sprint(pkg.Points) {
		log.WarnContext(ctx, "event points disagree with catalog; using catalog", "event_points", raw, "catalog_points", pkg.Points)
	}
	boost, ok := ev.PriorityBoost()
	if !ok {
		log.WarnContext(ctx, "priority boost missing or invalid; using default tier",
			"raw", ev.Metadata[MetaPriorityBoost], "default", ledger.DefaultTier)
		boost = ledger.DefaultTier
	}

	next, err := r.begin(ctx, log, ev.ID, accountID, pkg, boost)
	if err != nil {
		return "", err
	}
	switch next {
	case stepDone:
		log.InfoContext(ctx, "payment event already processed")
		return OutcomeDuplicate, nil
	case stepRaise:
		log.InfoContext(ctx, "payment event credited earlier; finishing priority raise")
		return r.complete(ctx, log, ev.ID, accountID, pkg, boost)
	}

	// Row transitions run detached so a client disconnect cannot strand the
	// row in processing after the ledger has been touched.
	bg := context.WithoutCancel(ctx)
	balance, err := r.ledger.ApplyBalanceDelta(ctx, accountID, pkg.Points)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			log.ErrorContext(ctx, "payment for unknown account; acknowledging")
			_, _ = r.transition(bg, log, ev.ID, stateProcessing, stateRejected)
			return OutcomeRejected, nil
		}
		_, _ = r.transition(bg, log, ev.ID, stateProcessing, stateFailed)
		return "", fmt.Errorf("credit %s for event %s: %w", accountID, ev.ID, err)
	}
	log.InfoContext(ctx, "points credited", "points", pkg.Points, "balance", balance)

	ok, err = r.transition(bg, log, ev.ID, stateProcessing, stateCredited)
	if err != nil {
		return "", fmt.Errorf("record credit for event %s: %w", ev.ID, err)
	}
	if !ok {
		// Only possible when this attempt outlived the takeover window and
		// another delivery re-claimed the row.
		log.ErrorContext(ctx, "payment event taken over after credit", "points", pkg.Points)
		return OutcomeDuplicate, nil
	}
	return r.complete(ctx, log, ev.ID, accountID, pkg, boost)
}

// complete raises the account's priority for a credited event, marks it
// applied and sends the confirmation. A failed raise leaves the row credited
// so redelivery retries the raise without crediting again.
func (r *Reconciler) complete(ctx context.Context, log *slog.Logger, eventID, accountID string, pkg Package, boost int) (Outcome, error) {
	if _, err := r.ledger.RaisePriorityIfBetter(ctx, accountID, boost); err != nil {
		return "", fmt.Errorf("raise priority of %s for event %s: %w", accountID, eventID, err)
	}
	ok, err := r.transition(context.WithoutCancel(ctx), log, eventID, stateCredited, stateApplied)
	if err != nil {
		return "", fmt.Errorf("record payment event %s applied: %w", eventID, err)
	}
	if !ok {
		// A concurrent redelivery finished the event and sent the confirmation.
		return OutcomeDuplicate, nil
	}

	tier, err := r.ledger.Priority(ctx, accountID)
	if err != nil {
		tier = boost
	}
	notify.Deliver(ctx, r.notifier, log, accountID, notify.PaymentConfirmed(pkg.Points, tier))
	return OutcomeApplied, nil
}

// step is what begin decided the current delivery must do.
type step int

const (
	stepDone   step = iota // applied or rejected earlier
	stepCredit             // this delivery owns the credit
	stepRaise              // credited earlier; only the priority raise is outstanding
)

// begin records the event as processing, or decides what a redelivery of a
// known event must do. It returns ErrEventInProgress while another delivery
// holds a fresh processing row.
func (r *Reconciler) begin(ctx context.Context, log *slog.Logger, eventID, accountID string, pkg Package, boost int) (step, error) {
	now := r.stamp()
	_, err := r.events.Insert(ctx, store.Row{
		store.ColID:      eventID,
		colAccountID:     accountID,
		colPackageID:     pkg.ID,
		colPointsAwarded: pkg.Points,
		colPriorityBoost: int64(boost),
		colState:         stateProcessing,
		colCreatedAt:     now,
		colUpdatedAt:     now,
	})
	if err == nil {
		return stepCredit, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return stepDone, fmt.Errorf("record payment event %s: %w", eventID, err)
	}

	row, err := r.events.Get(ctx, eventID)
	if err != nil {
		return stepDone, fmt.Errorf("read payment event %s: %w", eventID, err)
	}
	switch state := row.String(colState); state {
	case stateCredited:
		return stepRaise, nil
	case stateFailed:
		return r.takeOver(ctx, eventID, row)
	case stateProcessing:
		last, ok := row.Time(colUpdatedAt)
		if !ok {
			last, _ = row.Time(colCreatedAt)
		}
		if now.Sub(last) < r.takeover {
			return stepDone, fmt.Errorf("payment event %s: %w", eventID, ErrEventInProgress)
		}
		log.WarnContext(ctx, "taking over stalled payment event", "last_update", last)
		return r.takeOver(ctx, eventID, row)
	default:
		return stepDone, nil
	}
}

// takeOver claims a failed or stalled row for this delivery. The expectation
// includes updated_at so two redeliveries cannot both take the same row.
func (r *Reconciler) takeOver(ctx context.Context, eventID string, row store.Row) (step, error) {
	claimed, err := r.events.ConditionalUpdate(ctx, eventID,
		store.Row{colState: row[colState], colUpdatedAt: row[colUpdatedAt]},
		store.Row{colState: stateProcessing, colUpdatedAt: r.stamp()})
	if err != nil {
		return stepDone, fmt.Errorf("retry payment event %s: %w", eventID, err)
	}
	if !claimed {
		return stepDone, fmt.Errorf("payment event %s: %w", eventID, ErrEventInProgress)
	}
	return stepCredit, nil
}

// transition moves the event row from one state to another. ok is false when
// the row was not in the from state.
func (r *Reconciler) transition(ctx context.Context, log *slog.Logger, eventID, from, to string) (ok bool, err error) {
	ok, err = r.events.ConditionalUpdate(ctx, eventID,
		store.Row{colState: from},
		store.Row{colState: to, colUpdatedAt: r.stamp()})
	if err != nil || !ok {
		log.ErrorContext(ctx, "update payment event state", "from", from, "to", to, "applied", ok, "error", err)
	}
	return ok, err
}
