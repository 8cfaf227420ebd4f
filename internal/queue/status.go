package queue

import (
	"fmt"
)

// Status is the lifecycle state of a job. The zero value is not a valid status.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusRefunded
	StatusCanceled
)

var statusNames = [...]string{
	StatusPending:    "pending",
	StatusProcessing: "processing",
	StatusCompleted:  "completed",
	StatusFailed:     "failed",
	StatusRefunded:   "refunded",
	StatusCanceled:   "canceled",
}

// String returns the persisted name of s.
func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the six defined statuses.
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusCanceled
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next.Terminal()
	}
	return false
}

// ParseStatus returns the Status named name.
func ParseStatus(name string) (Status, error) {
	for s := StatusPending; s <= StatusCanceled; s++ {
		if statusNames[s] == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: status %d", ErrInvalidInput, uint8(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Outcome is the terminal result a worker or controller reports for a job.
// The set of implementations is closed: Completed, Failed, Refunded, Canceled.
type Outcome interface {
	Status() Status
	fields() (resultURLs []string, errorMessage string)
}

// Completed resolves a job successfully with its result locations.
type Completed struct{ ResultURLs []string }

// Failed resolves a job whose execution failed.
type Failed struct{ Reason string }

// Refunded resolves a job whose cost was returned to the account.
type Refunded struct{ Reason string }

// Canceled resolves a job stopped by an external controller.
type Canceled struct{ Reason string }

func (Completed) Status() Status { return StatusCompleted }
func (Failed) Status() Status    { return StatusFailed }
func (Refunded) Status() Status  { return StatusRefunded }
func (Canceled) Status() Status  { return StatusCanceled }

func (o Completed) fields() ([]string, string) { return o.ResultURLs, "" }
func (o Failed) fields() ([]string, string)    { return nil, o.Reason }
func (o Refunded) fields() ([]string, string)  { return nil, o.Reason }
func (o Canceled) fields() ([]string, string)  { return nil, o.Reason }

// OutcomeFor builds the Outcome for a terminal status given in string form.
// resultURLs is used only for completed, errorMessage only for the others.
func OutcomeFor(status Status, resultURLs []string, errorMessage string) (Outcome, error) {
	switch status {
	case StatusCompleted:
		return Completed{ResultURLs: resultURLs}, nil
	case StatusFailed:
		return Failed{Reason: errorMessage}, nil
	case StatusRefunded:
		return Refunded{Reason: errorMessage}, nil
	case StatusCanceled:
		return Canceled{Reason: errorMessage}, nil
	case StatusPending, StatusProcessing:
		return nil, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidInput, status)
	}
	return nil, fmt.Errorf("%w: status %d", ErrInvalidInput, uint8(status))
}
