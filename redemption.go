package x402

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyRedeemed is returned when a signature was already used to pay for
// a different resource.
var ErrAlreadyRedeemed = errors.New("x402: signature already redeemed for another resource")

// RedemptionStore records which resource a payment signature unlocked. A
// signature may be presented again for the same resource.
type RedemptionStore interface {
	Redeem(ctx context.Context, signature, resource string) error
	Lookup(ctx context.Context, signature string) (resource string, ok bool)
}

// MemoryRedemptions is an in-process RedemptionStore.
type MemoryRedemptions struct {
	mu   sync.Mutex
	seen map[string]string
}

// NewMemoryRedemptions returns an empty store.
func NewMemoryRedemptions() *MemoryRedemptions {
	return &MemoryRedemptions{seen: make(map[string]string)}
}

// Redeem binds signature to resource, or fails if it is bound elsewhere.
func (m *MemoryRedemptions) Redeem(_ context.Context, signature, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.seen[signature]; ok && prev != resource {
		return ErrAlreadyRedeemed
	}
	m.seen[signature] = resource
	return nil
}

// Lookup returns the resource signature was redeemed for.
func (m *MemoryRedemptions) Lookup(_ context.Context, signature string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.seen[signature]
	return r, ok
}
