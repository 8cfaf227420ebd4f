// Package queue implements the persistent priority job queue: enqueue, the
// two-phase claim protocol, terminal resolution and the recovery listing.
//
// All mutual exclusion between workers is delegated to the store's single-row
// conditional update. A Service holds no shared mutable queue state; any
// number of processes may run one against the same table.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scarson/paidqueue/internal/store"
)

// Column names of the jobs table.
const (
	colAccountID       = "account_id"
	colChannelID       = "channel_id"
	colOriginMessageID = "origin_message_id"
	colPayload         = "payload"
	colPayloadLabel    = "payload_label"
	colStatus          = "status"
	colPriority        = "priority"
	colCost            = "cost"
	colCreatedAt       = "created_at"
	colStartedAt       = "started_at"
	colCompletedAt     = "completed_at"
	colResultURLs      = "result_urls"
	colErrorMessage    = "error_message"
)

// Schema describes the jobs table for every store backend.
var Schema = store.Schema{
	Name: "jobs",
	Columns: map[string]store.Kind{
		colAccountID:       store.KindString,
		colChannelID:       store.KindString,
		colOriginMessageID: store.KindString,
		colPayload:         store.KindString,
		colPayloadLabel:    store.KindString,
		colStatus:          store.KindString,
		colPriority:        store.KindInt,
		colCost:            store.KindInt,
		colCreatedAt:       store.KindTime,
		colStartedAt:       store.KindTime,
		colCompletedAt:     store.KindTime,
		colResultURLs:      store.KindString,
		colErrorMessage:    store.KindString,
	},
}

// JobRecord is one queued unit of work.
type JobRecord struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	ChannelID       string          `json:"channel_id"`
	OriginMessageID string          `json:"origin_message_id"`
	Payload         json.RawMessage `json:"payload"`
	PayloadLabel    string          `json:"payload_label"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	Cost            int64           `json:"cost"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ResultURLs      []string        `json:"result_urls,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// DecodePayload unmarshals the job payload into v.
func (j *JobRecord) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// jobFromRow converts a stored row into a JobRecord. payload and result_urls
// are parsed here so no caller ever sees a half-serialized record.
func jobFromRow(r store.Row) (*JobRecord, error) {
	status, err := ParseStatus(r.String(colStatus))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.String(store.ColID), err)
	}
	j := &JobRecord{
		ID:              r.String(store.ColID),
		AccountID:       r.String(colAccountID),
		ChannelID:       r.String(colChannelID),
		OriginMessageID: r.String(colOriginMessageID),
		PayloadLabel:    r.String(colPayloadLabel),
		Status:          status,
		Priority:        int(r.Int(colPriority)),
		Cost:            r.Int(colCost),
		ErrorMessage:    r.String(colErrorMessage),
	}
	if t, ok := r.Time(colCreatedAt); ok {
		j.CreatedAt = t
	}
	if t, ok := r.Time(colStartedAt); ok {
		j.StartedAt = &t
	}
	if t, ok := r.Time(colCompletedAt); ok {
		j.CompletedAt = &t
	}

	raw := r.String(colPayload)
	if !json.Valid([]byte(raw)) {
		return j, fmt.Errorf("job %s: %w: payload is not valid JSON", j.ID, ErrInvalidInput)
	}
	j.Payload = json.RawMessage(raw)

	if urls := r.String(colResultURLs); urls != "" {
		if err := json.Unmarshal([]byte(urls), &j.ResultURLs); err != nil {
			return j, fmt.Errorf("job %s: result_urls: %w", j.ID, err)
		}
	}
	return j, nil
}
