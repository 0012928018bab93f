package signer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/clock"
)

// SessionStore holds pending interactive signing sessions. Take is the only
// way to complete a session, so a session can be completed at most once.
type SessionStore interface {
	// Insert adds a pending session. At most one session may be open per attempt.
	Insert(s *x402.SignerSession) error

	// Get returns a copy of a live session.
	Get(id string) (*x402.SignerSession, error)

	// Take atomically removes and returns a live session.
	Take(id string) (*x402.SignerSession, error)

	// Delete removes a session without completing it.
	Delete(id string) bool

	// Sweep expires every session whose TTL lapsed at now and returns them.
	Sweep(now time.Time) []*x402.SignerSession
}

// MemorySessionStore is an in-process SessionStore.
type MemorySessionStore struct {
	mu        sync.Mutex
	sessions  map[string]*x402.SignerSession
	byAttempt map[string]string
	clock     clock.Clock
	onExpire  func(*x402.SignerSession)
	logger    *slog.Logger
}

// StoreOption configures a MemorySessionStore.
type StoreOption func(*MemorySessionStore)

// WithClock sets the clock used for expiry checks.
func WithClock(c clock.Clock) StoreOption {
	return func(m *MemorySessionStore) { m.clock = c }
}

// WithExpiryCallback registers fn to be called, outside the store lock, for
// every session that expires.
func WithExpiryCallback(fn func(*x402.SignerSession)) StoreOption {
	return func(m *MemorySessionStore) { m.onExpire = fn }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(m *MemorySessionStore) { m.logger = logger }
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore(opts ...StoreOption) *MemorySessionStore {
	m := &MemorySessionStore{
		sessions:  make(map[string]*x402.SignerSession),
		byAttempt: make(map[string]string),
		clock:     clock.Real(),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetExpiryCallback replaces the expiry callback.
func (m *MemorySessionStore) SetExpiryCallback(fn func(*x402.SignerSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Insert implements SessionStore.
func (m *MemorySessionStore) Insert(s *x402.SignerSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	if existing, ok := m.byAttempt[s.AttemptID]; ok {
		return fmt.Errorf("%w: attempt %s already has session %s", x402.ErrAttemptInProgress, s.AttemptID, existing)
	}
	stored := *s
	m.sessions[s.ID] = &stored
	m.byAttempt[s.AttemptID] = s.ID
	return nil
}

// Get implements SessionStore. Expired sessions are reported as not found.
func (m *MemorySessionStore) Get(id string) (*x402.SignerSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, x402.ErrSessionNotFound
	}
	if s.Expired(m.clock.Now()) {
		expired := m.expireLocked(s)
		m.mu.Unlock()
		m.notify(expired)
		return nil, x402.ErrSessionNotFound
	}
	out := *s
	m.mu.Unlock()
	return &out, nil
}

// Take implements SessionStore.
func (m *MemorySessionStore) Take(id string) (*x402.SignerSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, x402.ErrSessionNotFound
	}
	if s.Expired(m.clock.Now()) {
		expired := m.expireLocked(s)
		m.mu.Unlock()
		m.notify(expired)
		return nil, x402.ErrSessionNotFound
	}
	m.removeLocked(s)
	m.mu.Unlock()
	return s, nil
}

// Delete implements SessionStore.
func (m *MemorySessionStore) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		m.removeLocked(s)
	}
	return ok
}

// Sweep implements SessionStore.
func (m *MemorySessionStore) Sweep(now time.Time) []*x402.SignerSession {
	m.mu.Lock()
	var expired []*x402.SignerSession
	for _, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, m.expireLocked(s))
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.notify(s)
	}
	return expired
}

// Len returns the number of live sessions.
func (m *MemorySessionStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run sweeps every interval until ctx is done.
func (m *MemorySessionStore) Run(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := len(m.Sweep(now)); n > 0 {
				m.logger.DebugContext(ctx, "expired signer sessions", slog.Int("count", n))
			}
		}
	}
}

func (m *MemorySessionStore) expireLocked(s *x402.SignerSession) *x402.SignerSession {
	m.removeLocked(s)
	s.Status = x402.SessionExpired
	return s
}

func (m *MemorySessionStore) removeLocked(s *x402.SignerSession) {
	delete(m.sessions, s.ID)
	if m.byAttempt[s.AttemptID] == s.ID {
		delete(m.byAttempt, s.AttemptID)
	}
}

func (m *MemorySessionStore) notify(s *x402.SignerSession) {
	m.mu.Lock()
	fn := m.onExpire
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
