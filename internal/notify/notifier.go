// Package notify sends short text messages to account holders: payment
// confirmations, refunds and job results.
//
// Notification is fire-and-forget. A failure to notify never rolls back the
// ledger or queue mutation that triggered it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scarson/paidqueue/internal/metrics"
)

// Notifier delivers text to the holder of accountID.
type Notifier interface {
	Notify(ctx context.Context, accountID, text string) error
}

// LogNotifier writes notifications to the log only. Used when no webhook is
// configured.
type LogNotifier struct {
	Log *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, accountID, text string) error {
	lg := n.Log
	if lg == nil {
		lg = slog.Default()
	}
	lg.InfoContext(ctx, "notification", "account_id", accountID, "text", text)
	return nil
}

// Deliver sends text through n and logs any failure instead of returning it.
// A nil notifier is a no-op.
func Deliver(ctx context.Context, n Notifier, log *slog.Logger, accountID, text string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, accountID, text); err != nil {
		metrics.NotifyFailures.Inc()
		log.WarnContext(ctx, "notification failed", "account_id", accountID, "error", err)
	}
}

// PaymentConfirmed is the message sent after a purchase is credited.
func PaymentConfirmed(points int64, tier int) string {
	return fmt.Sprintf("Recharge successful! %d points have been added to your account. Your queue priority is now %d (0=Highest).", points, tier)
}

// JobRefunded is the message sent when a lost job's cost is returned.
func JobRefunded(jobID string, cost int64) string {
	return fmt.Sprintf("Your job %s could not be completed. %d points have been returned to your account.", jobID, cost)
}

// JobCompleted is the message sent with the result locations of a finished job.
func JobCompleted(jobID string, urls []string) string {
	if len(urls) == 0 {
		return fmt.Sprintf("Your job %s is done.", jobID)
	}
	return fmt.Sprintf("Your job %s is done:\n%s", jobID, strings.Join(urls, "\n"))
}
