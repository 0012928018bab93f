package engine

import (
	"context"
	"errors"

	x402 "github.com/becomeliminal/x402-payer"
)

// Session returns the live signer session with the given id.
func (e *Engine) Session(id string) (*x402.SignerSession, error) {
	ss, err := e.sessionSigner()
	if err != nil {
		return nil, err
	}
	s, err := ss.Session(id)
	if err != nil {
		return nil, e.sessionError(id, err)
	}
	return s, nil
}

// SubmitSigned resumes the payment waiting on sessionID with the wallet's
// signed transaction: broadcast, verify and, for payments started by Do,
// replay. A rejected submission fails the attempt; the session cannot be
// reused.
func (e *Engine) SubmitSigned(ctx context.Context, sessionID, signedB64 string) (*Result, error) {
	ss, err := e.sessionSigner()
	if err != nil {
		return nil, err
	}

	signed, session, err := ss.SubmitSigned(ctx, sessionID, signedB64)
	if err != nil {
		if session == nil {
			return nil, e.sessionError(sessionID, err)
		}
		c := e.takePending(sessionID)
		if c == nil {
			return nil, err
		}
		err = e.fail(ctx, c.attempt, x402.AttemptFailed, err)
		return &Result{State: x402.StateFailed, Attempt: snapshot(c.attempt), Requirement: c.req}, err
	}

	c := e.takePending(sessionID)
	if c == nil {
		return nil, x402.NewPaymentError(x402.StageSign, x402.ErrCodeSessionNotFound,
			"no payment is waiting on this session", false, x402.ErrSessionNotFound)
	}

	s, err := e.settle(ctx, c.attempt, c.req, signed)
	if err != nil {
		f := e.failed(c.attempt)
		return &Result{State: f.State, Attempt: f.Attempt, Requirement: c.req}, err
	}
	return e.finish(ctx, s, c.req, c.rec)
}

// Reject cancels the payment waiting on sessionID.
func (e *Engine) Reject(ctx context.Context, sessionID string) (*x402.PaymentAttempt, error) {
	ss, err := e.sessionSigner()
	if err != nil {
		return nil, err
	}
	session, err := ss.Reject(sessionID)
	if err != nil {
		return nil, e.sessionError(sessionID, err)
	}

	c := e.takePending(sessionID)
	if c == nil {
		return nil, x402.NewPaymentError(x402.StageSign, x402.ErrCodeSessionNotFound,
			"no payment is waiting on this session", false, x402.ErrSessionNotFound)
	}
	e.emitAttempt(ctx, x402.EventSessionRejected, x402.StateFailed, c.attempt, func(ev *x402.Event) {
		ev.SessionID = session.ID
	})
	e.fail(ctx, c.attempt, x402.AttemptFailed, x402.NewPaymentError(x402.StageSign, x402.ErrCodeSessionRejected,
		"wallet rejected the payment", false, x402.ErrSessionRejected))
	return snapshot(c.attempt), nil
}

// SessionExpired resolves the attempt behind an expired session as
// expired. It is the session store's expiry callback.
func (e *Engine) SessionExpired(s *x402.SignerSession) {
	ctx := context.Background()
	now := e.cfg.Clock.Now()

	e.mu.Lock()
	for id, at := range e.expired {
		if now.Sub(at) > expiredRetention {
			delete(e.expired, id)
		}
	}
	e.expired[s.ID] = now
	e.mu.Unlock()

	c := e.takePending(s.ID)
	if c == nil {
		return
	}
	e.emitAttempt(ctx, x402.EventSessionExpired, x402.StateExpired, c.attempt, nil)
	e.fail(ctx, c.attempt, x402.AttemptExpired, x402.NewPaymentError(x402.StageSign, x402.ErrCodeSessionExpired,
		"signer session expired", true, x402.ErrSessionExpired))
}

func (e *Engine) sessionSigner() (SessionSigner, error) {
	ss, ok := e.cfg.Signer.(SessionSigner)
	if !ok {
		return nil, x402.NewPaymentError(x402.StageSign, x402.ErrCodeSessionNotFound,
			"signer does not use sessions", false, x402.ErrSessionNotFound)
	}
	return ss, nil
}

// sessionError marks a missing session that expired, so callers can tell
// it apart from one that never existed. Both match ErrSessionNotFound.
func (e *Engine) sessionError(id string, err error) error {
	if !errors.Is(err, x402.ErrSessionNotFound) {
		return err
	}
	e.mu.Lock()
	_, expired := e.expired[id]
	e.mu.Unlock()
	if !expired {
		return err
	}
	return x402.NewPaymentError(x402.StageSign, x402.ErrCodeSessionNotFound, "signer session expired", false,
		errors.Join(x402.ErrSessionNotFound, x402.ErrSessionExpired))
}

func (e *Engine) takePending(sessionID string) *continuation {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.pending[sessionID]
	if !ok {
		return nil
	}
	delete(e.pending, sessionID)
	return c
}
