// Package ledger holds per-account point balances and priority tiers.
//
// Every read-modify-write is a compare-and-set loop over the store's
// conditional update, so concurrent credits and debits against the same
// account all apply.
package ledger

import (
	"errors"
	"time"

	"github.com/scarson/paidqueue/internal/store"
)

// DefaultTier is the priority tier of a new account: the least urgent tier
// sold. Purchases can only move an account to a lower number.
const DefaultTier = 2

const (
	colBalance      = "balance"
	colPriorityTier = "priority_tier"
	colReferredBy   = "referred_by"
	colCreatedAt    = "created_at"
)

// Schema describes the accounts table for every store backend.
var Schema = store.Schema{
	Name: "accounts",
	Columns: map[string]store.Kind{
		colBalance:      store.KindInt,
		colPriorityTier: store.KindInt,
		colReferredBy:   store.KindString,
		colCreatedAt:    store.KindTime,
	},
}

var (
	// ErrNotFound means the account does not exist. Nothing was mutated.
	ErrNotFound = errors.New("account not found")
	// ErrStoreUnavailable means the store call failed. Safe to retry.
	ErrStoreUnavailable = errors.New("account store unavailable")
	// ErrInvalidInput means a request was rejected before any mutation.
	ErrInvalidInput = errors.New("invalid account input")
	// ErrInsufficientBalance means a charge would take the balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrContention means a compare-and-set loop gave up after too many lost
	// races. Nothing was mutated by the failing call.
	ErrContention = errors.New("account update contention")
)

// Account is one ledger row.
type Account struct {
	ID           string    `json:"id"`
	Balance      int64     `json:"balance"`
	PriorityTier int       `json:"priority_tier"`
	ReferredBy   string    `json:"referred_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func accountFromRow(r store.Row) *Account {
	a := &Account{
		ID:           r.String(store.ColID),
		Balance:      r.Int(colBalance),
		PriorityTier: int(r.Int(colPriorityTier)),
		ReferredBy:   r.String(colReferredBy),
	}
	if t, ok := r.Time(colCreatedAt); ok {
		a.CreatedAt = t
	}
	return a
}
