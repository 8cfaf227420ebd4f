package payment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TypeCheckoutCompleted is the only event type that credits an account.
const TypeCheckoutCompleted = "checkout.session.completed"

// Metadata keys attached to the checkout session when it is created.
const (
	MetaAccountID     = "account_id"
	MetaLegacyAccount = "telegram_id"
	MetaPackageID     = "package_id"
	MetaPointsAwarded = "points_awarded"
	MetaPriorityBoost = "priority_boost"
	MetaProject       = "project"
)

// Event is a decoded provider event. Only the fields reconciliation needs
// are kept.
type Event struct {
	ID       string
	Type     string
	Metadata map[string]string
}

type rawEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			Metadata map[string]any `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseCheckoutEvent decodes a webhook body. Metadata values may arrive as
// strings or numbers; both are normalized to strings.
func ParseCheckoutEvent(payload []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrInvalidPayload)
	}
	ev := &Event{ID: raw.ID, Type: raw.Type, Metadata: make(map[string]string, len(raw.Data.Object.Metadata))}
	for k, v := range raw.Data.Object.Metadata {
		switch tv := v.(type) {
		case string:
			ev.Metadata[k] = tv
		case float64:
			ev.Metadata[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			ev.Metadata[k] = strconv.FormatBool(tv)
		}
	}
	return ev, nil
}

// Project returns the deployment tag the session was created for.
func (e *Event) Project() string { return e.Metadata[MetaProject] }

// AccountID returns the purchasing account, accepting the legacy key.
func (e *Event) AccountID() string {
	if id := strings.TrimSpace(e.Metadata[MetaAccountID]); id != "" {
		return id
	}
	return strings.TrimSpace(e.Metadata[MetaLegacyAccount])
}

// PackageID returns the purchased package id.
func (e *Event) PackageID() string { return e.Metadata[MetaPackageID] }

// PriorityBoost parses the requested tier. ok is false when the value is
// missing, not an integer or negative.
func (e *Event) PriorityBoost() (tier int, ok bool) {
	n, err := strconv.Atoi(strings.TrimSpace(e.Metadata[MetaPriorityBoost]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
