// ABOUTME: Payment provider webhook: verifies the signature, parses the event and reconciles it.
// ABOUTME: Verified events always get 200 unless reconciliation failed and must be redelivered.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/scarson/paidqueue/internal/payment"
)

// maxWebhookBody caps the event body read before signature verification.
const maxWebhookBody = 64 << 10

type webhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// paymentWebhookHandler handles POST /webhooks/payment.
//
// 400 for a bad signature or an undecodable body, 503 when payments are not
// configured, 409 while another delivery of the event is being applied, 500
// when the reconciler could not apply the event (both make the provider
// redeliver), and 200 for everything else including duplicates and events
// for other projects.
func (srv *Server) paymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if srv.cfg.PaymentWebhookSecret == "" || srv.deps.Reconciler == nil {
		http.Error(w, "payments not configured", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	err = payment.VerifySignature(body, r.Header.Get(payment.SignatureHeader),
		srv.cfg.PaymentWebhookSecret, srv.cfg.PaymentSignatureTolerance, srv.now())
	if err != nil {
		slog.WarnContext(r.Context(), "payment webhook rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ev, err := payment.ParseCheckoutEvent(body)
	if err != nil {
		slog.WarnContext(r.Context(), "payment webhook payload rejected", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	outcome, err := srv.deps.Reconciler.Handle(r.Context(), ev)
	if errors.Is(err, payment.ErrEventInProgress) {
		slog.WarnContext(r.Context(), "payment event already being applied", "event_id", ev.ID)
		http.Error(w, "event in progress", http.StatusConflict)
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "payment event not applied", "event_id", ev.ID, "error", err)
		http.Error(w, "event not applied", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, webhookResponse{Received: true, Outcome: string(outcome)})
}
