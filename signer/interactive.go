package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/builder"
	"github.com/becomeliminal/x402-payer/clock"
)

// DefaultSessionTTL is how long a wallet has to approve a transaction.
const DefaultSessionTTL = 45 * time.Second

// Interactive hands unsigned transactions to an external wallet through
// signer sessions.
type Interactive struct {
	wallet solana.PublicKey
	store  SessionStore
	clock  clock.Clock
	ttl    time.Duration
}

// InteractiveOption configures an Interactive signer.
type InteractiveOption func(*Interactive)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) InteractiveOption {
	return func(i *Interactive) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithSessionClock sets the clock used to stamp sessions.
func WithSessionClock(c clock.Clock) InteractiveOption {
	return func(i *Interactive) { i.clock = c }
}

// NewInteractive creates a signer for wallet, whose sessions live in store.
func NewInteractive(wallet solana.PublicKey, store SessionStore, opts ...InteractiveOption) *Interactive {
	i := &Interactive{
		wallet: wallet,
		store:  store,
		clock:  clock.Real(),
		ttl:    DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Mode implements Signer.
func (i *Interactive) Mode() x402.SignMode { return x402.ModeInteractive }

// PublicKey implements Signer.
func (i *Interactive) PublicKey() solana.PublicKey { return i.wallet }

// Sign implements Signer. It never signs; it opens a session for the wallet.
func (i *Interactive) Sign(ctx context.Context, attempt *x402.PaymentAttempt, unsigned *builder.Unsigned) (*Signed, *x402.SignerSession, error) {
	if _, err := builder.CheckSingleTransfer(unsigned.Transaction); err != nil {
		return nil, nil, signError(x402.ErrCodeSignFailed, "refusing to hand out transaction", err)
	}
	encoded, err := EncodeTransaction(unsigned.Transaction)
	if err != nil {
		return nil, nil, signError(x402.ErrCodeSignFailed, "failed to encode transaction", err)
	}

	now := i.clock.Now()
	session := &x402.SignerSession{
		ID:                  uuid.NewString(),
		AttemptID:           attempt.ID,
		UnsignedTransaction: encoded,
		Status:              x402.SessionPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(i.ttl),
	}
	if err := i.store.Insert(session); err != nil {
		return nil, nil, signError(x402.ErrCodeAttemptInProgress, "failed to open signer session", err)
	}
	return nil, session, nil
}

// Session returns a live session for display.
func (i *Interactive) Session(id string) (*x402.SignerSession, error) {
	s, err := i.store.Get(id)
	if err != nil {
		return nil, sessionError(err)
	}
	return s, nil
}

// SubmitSigned completes a session with the wallet's signed transaction. The
// session is consumed whether or not the submission is accepted.
func (i *Interactive) SubmitSigned(ctx context.Context, sessionID, signedB64 string) (*Signed, *x402.SignerSession, error) {
	session, err := i.store.Take(sessionID)
	if err != nil {
		return nil, nil, sessionError(err)
	}

	unsigned, err := DecodeTransaction(session.UnsignedTransaction)
	if err != nil {
		return nil, session, signError(x402.ErrCodeSignFailed, "stored transaction is corrupt", err)
	}
	signed, err := DecodeTransaction(signedB64)
	if err != nil {
		return nil, session, signError(x402.ErrCodeSignFailed, "invalid signed transaction", fmt.Errorf("%w: %v", x402.ErrSignedMismatch, err))
	}

	want, err := unsigned.Message.MarshalBinary()
	if err != nil {
		return nil, session, signError(x402.ErrCodeSignFailed, "failed to encode message", err)
	}
	got, err := signed.Message.MarshalBinary()
	if err != nil {
		return nil, session, signError(x402.ErrCodeSignFailed, "failed to encode message", err)
	}
	if !bytes.Equal(want, got) {
		return nil, session, signError(x402.ErrCodeSignFailed, "wallet altered the transaction", x402.ErrSignedMismatch)
	}
	if _, err := builder.CheckSingleTransfer(signed); err != nil {
		return nil, session, signError(x402.ErrCodeSignFailed, "refusing signed transaction", err)
	}
	if len(signed.Signatures) == 0 || signed.Signatures[0] == (solana.Signature{}) {
		return nil, session, signError(x402.ErrCodeSignFailed, "transaction is not signed", x402.ErrSignedMismatch)
	}
	if err := signed.VerifySignatures(); err != nil {
		return nil, session, signError(x402.ErrCodeSignFailed, "signature verification failed", fmt.Errorf("%w: %v", x402.ErrSignedMismatch, err))
	}

	session.Status = x402.SessionApproved
	return &Signed{
		Transaction: signed,
		Signature:   signed.Signatures[0],
		Payer:       signed.Message.AccountKeys[0],
	}, session, nil
}

// Reject cancels a pending session.
func (i *Interactive) Reject(sessionID string) (*x402.SignerSession, error) {
	session, err := i.store.Take(sessionID)
	if err != nil {
		return nil, sessionError(err)
	}
	session.Status = x402.SessionRejected
	return session, nil
}

func sessionError(err error) error {
	if errors.Is(err, x402.ErrSessionNotFound) {
		return x402.NewPaymentError(x402.StageSign, x402.ErrCodeSessionNotFound, "signer session not found", false, err)
	}
	return signError(x402.ErrCodeSignFailed, "session store failure", err)
}
