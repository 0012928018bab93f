package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/clock"
)

// Mode selects how the remote and local verifiers are combined.
type Mode string

const (
	ModeRemoteOnly   Mode = "remote-only"
	ModeLocalOnly    Mode = "local-only"
	ModeRemoteFirst  Mode = "remote-first"
	ModeBothRequired Mode = "both-required"
)

// ParseMode parses a policy name. The empty string selects remote-first.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeRemoteFirst, nil
	case ModeRemoteOnly, ModeLocalOnly, ModeRemoteFirst, ModeBothRequired:
		return m, nil
	}
	return "", fmt.Errorf("unknown verification policy %q", s)
}

// Policy is an x402.ProofVerifier combining a remote and a local verifier.
type Policy struct {
	mode   Mode
	remote x402.ProofVerifier
	local  x402.ProofVerifier
	events x402.EventSink
	clock  clock.Clock
	logger *slog.Logger
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithEvents sets the sink notified when verification falls back to local.
func WithEvents(sink x402.EventSink) PolicyOption {
	return func(p *Policy) { p.events = sink }
}

// WithClock sets the clock that stamps fallback events.
func WithClock(c clock.Clock) PolicyOption {
	return func(p *Policy) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PolicyOption {
	return func(p *Policy) { p.logger = logger }
}

// NewPolicy validates that the verifiers mode needs are present.
func NewPolicy(mode Mode, remote, local x402.ProofVerifier, opts ...PolicyOption) (*Policy, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeRemoteFirst
	}
	if mode != ModeLocalOnly && remote == nil {
		return nil, fmt.Errorf("policy %s requires a remote verifier", mode)
	}
	if mode != ModeRemoteOnly && local == nil {
		return nil, fmt.Errorf("policy %s requires a local verifier", mode)
	}

	p := &Policy{
		mode:   mode,
		remote: remote,
		local:  local,
		events: x402.NopSink{},
		clock:  clock.Real(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Mode returns the configured mode.
func (p *Policy) Mode() Mode { return p.mode }

// Verify implements x402.ProofVerifier. Every error it returns is a
// verify-stage PaymentError; facilitator outages are marked retryable.
func (p *Policy) Verify(ctx context.Context, proof *x402.PaymentProof, req *x402.Requirement) (*x402.VerificationResult, error) {
	switch p.mode {
	case ModeLocalOnly:
		return p.verifyLocal(ctx, proof, req)

	case ModeRemoteOnly:
		res, err := p.remote.Verify(ctx, proof, req)
		if err != nil {
			return nil, verifyError(err)
		}
		return res, nil

	case ModeBothRequired:
		remote, err := p.remote.Verify(ctx, proof, req)
		if err != nil {
			return nil, verifyError(err)
		}
		if !remote.Valid {
			return remote, nil
		}
		local, err := p.verifyLocal(ctx, proof, req)
		if err != nil {
			return nil, err
		}
		return local, nil
	}

	res, err := p.remote.Verify(ctx, proof, req)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		return nil, verifyError(err)
	}

	p.logger.WarnContext(ctx, "facilitator unavailable, verifying locally",
		slog.String("signature", proof.Signature),
		slog.Any("error", err),
	)
	p.events.Emit(ctx, x402.Event{
		Type:      x402.EventVerifierFallback,
		Time:      p.clock.Now(),
		State:     x402.StateVerifying,
		Stage:     x402.StageVerify,
		Network:   req.Network,
		Asset:     req.Asset,
		Amount:    req.Amount.String(),
		Payee:     req.Payee,
		Signature: proof.Signature,
		Source:    x402.SourceLocal,
		Err:       err,
	})
	return p.verifyLocal(ctx, proof, req)
}

func (p *Policy) verifyLocal(ctx context.Context, proof *x402.PaymentProof, req *x402.Requirement) (*x402.VerificationResult, error) {
	res, err := p.local.Verify(ctx, proof, req)
	if err != nil {
		return nil, verifyError(err)
	}
	return res, nil
}

func verifyError(err error) error {
	if errors.Is(err, x402.ErrFacilitatorUnavailable) {
		return x402.NewPaymentError(x402.StageVerify, x402.ErrCodeVerifierUnavailable, "facilitator unavailable", true, err)
	}
	if errors.Is(err, x402.ErrMalformedProof) || errors.Is(err, x402.ErrMalformedRequirement) {
		return x402.NewPaymentError(x402.StageVerify, x402.ErrCodeInvalidRequirement, "cannot verify proof", false, err)
	}
	return x402.NewPaymentError(x402.StageVerify, x402.ErrCodeVerifierUnavailable, "verification failed", true, err)
}
