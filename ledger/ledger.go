// Package ledger records payment attempts so they can be listed, inspected
// and guarded against duplicate in-flight payments.
package ledger

import (
	"context"
	"errors"

	x402 "github.com/becomeliminal/x402-payer"
)

// ErrNotFound is returned when no attempt has the requested id.
var ErrNotFound = errors.New("ledger: attempt not found")

// Store persists PaymentAttempts. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create inserts a new attempt. The id must not exist yet.
	Create(ctx context.Context, attempt *x402.PaymentAttempt) error

	// Update replaces a stored attempt.
	Update(ctx context.Context, attempt *x402.PaymentAttempt) error

	Get(ctx context.Context, id string) (*x402.PaymentAttempt, error)

	// List returns attempts newest first. A limit <= 0 means no limit.
	List(ctx context.Context, filter Filter) ([]*x402.PaymentAttempt, error)

	// FindOpen returns the non-terminal attempt for resource and payer, or
	// ErrNotFound.
	FindOpen(ctx context.Context, resource, payer string) (*x402.PaymentAttempt, error)
}

// Filter narrows List.
type Filter struct {
	Status x402.AttemptStatus
	Payer  string
	Limit  int
}

func (f Filter) match(a *x402.PaymentAttempt) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Payer != "" && a.Payer != f.Payer {
		return false
	}
	return true
}

// openStatuses are the statuses FindOpen considers in flight.
var openStatuses = []x402.AttemptStatus{
	x402.AttemptUnsigned,
	x402.AttemptAwaitingSignature,
	x402.AttemptSigned,
	x402.AttemptBroadcast,
	x402.AttemptUnverified,
}
