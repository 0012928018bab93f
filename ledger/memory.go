package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	x402 "github.com/becomeliminal/x402-payer"
)

// MemoryStore keeps attempts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string]*x402.PaymentAttempt
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string]*x402.PaymentAttempt)}
}

func (m *MemoryStore) Create(_ context.Context, attempt *x402.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.attempts[attempt.ID]; exists {
		return fmt.Errorf("ledger: attempt %s already exists", attempt.ID)
	}
	cp := *attempt
	m.attempts[attempt.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(_ context.Context, attempt *x402.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.attempts[attempt.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, attempt.ID)
	}
	cp := *attempt
	m.attempts[attempt.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*x402.PaymentAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*x402.PaymentAttempt, error) {
	m.mu.RLock()
	out := make([]*x402.PaymentAttempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		if filter.match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) FindOpen(_ context.Context, resource, payer string) (*x402.PaymentAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.attempts {
		if a.Resource == resource && a.Payer == payer && !a.Status.Terminal() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
