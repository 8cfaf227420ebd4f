package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/paidqueue/internal/ledger"
	"github.com/scarson/paidqueue/internal/queue"
)

// toHTTPError maps queue and ledger errors onto huma status errors. Unknown
// errors are logged and reported as 500 without leaking their text.
func toHTTPError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return huma.Error404NotFound("job not found")
	case errors.Is(err, ledger.ErrNotFound):
		return huma.Error404NotFound("account not found")
	case errors.Is(err, queue.ErrInvalidInput), errors.Is(err, ledger.ErrInvalidInput):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return huma.NewError(http.StatusPaymentRequired, "insufficient balance")
	case errors.Is(err, queue.ErrStoreUnavailable),
		errors.Is(err, ledger.ErrStoreUnavailable),
		errors.Is(err, ledger.ErrContention):
		return huma.Error503ServiceUnavailable("store unavailable, please retry")
	}
	slog.ErrorContext(ctx, op+" failed", "error", err)
	return huma.Error500InternalServerError("internal error")
}
