package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/clock"
)

// Outcome classifies how a submitted transaction ended up.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
	OutcomeUnknown   Outcome = "unknown"
)

// Confirmation is the result of waiting for a signature.
type Confirmation struct {
	Outcome Outcome
	Slot    uint64
	Err     string

	// Reconciled is set when the outcome came from a history lookup after
	// expiry or timeout rather than from the status poll.
	Reconciled bool
}

// Waiter polls a signature until it confirms, its blockhash expires, or the
// timeout elapses. Expiry and timeout are both reconciled against the ledger
// before being reported.
type Waiter struct {
	Client   Client
	Clock    clock.Clock
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NewWaiter returns a Waiter polling every 500ms for up to 60s.
func NewWaiter(client Client) *Waiter {
	return &Waiter{
		Client:   client,
		Clock:    clock.Real(),
		Interval: 500 * time.Millisecond,
		Timeout:  60 * time.Second,
		Logger:   slog.New(slog.DiscardHandler),
	}
}

// Wait blocks until sig reaches a terminal outcome. An error is returned only
// when ctx is done.
func (w *Waiter) Wait(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) (*Confirmation, error) {
	deadline := w.Clock.Now().Add(w.Timeout)

	for {
		status, err := w.Client.SignatureStatus(ctx, sig)
		switch {
		case err != nil:
			w.Logger.WarnContext(ctx, "signature status poll failed", slog.String("signature", sig.String()), slog.Any("error", err))
		case status != nil && status.Err != "":
			return &Confirmation{Outcome: OutcomeFailed, Slot: status.Slot, Err: status.Err}, nil
		case status != nil && status.Confirmed:
			return &Confirmation{Outcome: OutcomeConfirmed, Slot: status.Slot}, nil
		}

		if lastValidBlockHeight > 0 {
			height, err := w.Client.BlockHeight(ctx)
			if err == nil && height > lastValidBlockHeight {
				return w.reconcile(ctx, sig, OutcomeExpired)
			}
		}
		if !w.Clock.Now().Before(deadline) {
			return w.reconcile(ctx, sig, OutcomeUnknown)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.Clock.After(w.Interval):
		}
	}
}

// Reconcile looks sig up in transaction history. A missing transaction is
// reported as absent.
func (w *Waiter) Reconcile(ctx context.Context, sig solana.Signature, absent Outcome) (*Confirmation, error) {
	return w.reconcile(ctx, sig, absent)
}

func (w *Waiter) reconcile(ctx context.Context, sig solana.Signature, absent Outcome) (*Confirmation, error) {
	rec, err := w.Client.Transaction(ctx, sig)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, x402.ErrTransactionNotFound) {
			w.Logger.WarnContext(ctx, "reconciliation lookup failed", slog.String("signature", sig.String()), slog.Any("error", err))
			return &Confirmation{Outcome: OutcomeUnknown, Reconciled: true}, nil
		}
		return &Confirmation{Outcome: absent, Reconciled: true}, nil
	}
	if rec.Err != "" {
		return &Confirmation{Outcome: OutcomeFailed, Slot: rec.Slot, Err: rec.Err, Reconciled: true}, nil
	}
	return &Confirmation{Outcome: OutcomeConfirmed, Slot: rec.Slot, Reconciled: true}, nil
}
