// Package idempotency enforces at-most-one settlement per proof identity.
//
// The store distinguishes three states for an identity: unseen, in-flight
// (reserved by a request currently verifying or settling), and settled
// (carrying an immutable record). CheckAndReserve is atomic with respect to
// concurrent callers on the same identity; a concurrent duplicate observes
// the in-flight reservation and is rejected immediately instead of
// double-settling.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Status is the outcome of CheckAndReserve.
type Status int

const (
	// StatusReserved means the identity was unseen and is now marked
	// in-flight. The caller owns the reservation and must resolve it with
	// Commit or Release on every exit path.
	StatusReserved Status = iota
	// StatusInFlight means another request holds the reservation.
	StatusInFlight
	// StatusSettled means a committed record exists.
	StatusSettled
)

// ErrAlreadyCommitted is returned by Commit when a record already exists for
// the identity. At most one Commit per identity ever succeeds.
var ErrAlreadyCommitted = errors.New("settlement already committed")

// Record is the immutable outcome of a settled proof. SettlementTx is the
// payment-side transaction (the source transfer or the relayed
// authorization); MintTx is the reward transfer.
type Record struct {
	Identity     string    `json:"identity"`
	Payer        string    `json:"payer"`
	SettlementTx string    `json:"settlementTx,omitempty"`
	MintTx       string    `json:"mintTx"`
	Amount       string    `json:"amount"`
	Network      string    `json:"network"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store maps proof identities to settlement outcomes. Implementations must
// be safe for concurrent use and linearizable per identity.
//
// The in-memory implementation loses dedup state on restart; deployments
// that cannot accept re-settlement after a restart must use the Redis
// backend.
type Store interface {
	// CheckAndReserve atomically tests the identity and reserves it when
	// unseen. On StatusSettled the committed record is returned.
	CheckAndReserve(ctx context.Context, identity string) (Status, *Record, error)

	// Commit finalizes a reservation into a permanent record. Fails with
	// ErrAlreadyCommitted if a record already exists.
	Commit(ctx context.Context, identity string, record *Record) error

	// Release clears an in-flight reservation so the same proof can be
	// retried after a transient failure. Releasing a settled or unknown
	// identity is a no-op.
	Release(ctx context.Context, identity string) error
}
