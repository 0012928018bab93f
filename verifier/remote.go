// Package verifier checks payment proofs, remotely through a facilitator or
// locally by reading the chain, and composes the two under a fallback policy.
package verifier

import (
	"context"
	"fmt"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/facilitator"
)

// Facilitator is the subset of facilitator.Client the remote verifier uses.
type Facilitator interface {
	Verify(ctx context.Context, req *facilitator.VerifyRequest) (*facilitator.VerifyResponse, error)
	Settle(ctx context.Context, req *facilitator.SettleRequest) (*facilitator.SettleResponse, error)
}

// Remote verifies through a facilitator: verify first, settle only if valid.
type Remote struct {
	client Facilitator
}

// NewRemote creates a remote verifier.
func NewRemote(client Facilitator) *Remote {
	return &Remote{client: client}
}

// Verify implements x402.ProofVerifier. Facilitator outages are returned as
// errors wrapping x402.ErrFacilitatorUnavailable; verdicts are results.
func (r *Remote) Verify(ctx context.Context, proof *x402.PaymentProof, req *x402.Requirement) (*x402.VerificationResult, error) {
	header, err := x402.EncodeProof(proof)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proof: %w", err)
	}
	body := &facilitator.VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentHeader:       header,
		PaymentRequirements: req.Wire(),
	}

	verify, err := r.client.Verify(ctx, body)
	if err != nil {
		return nil, err
	}
	if !verify.IsValid {
		return &x402.VerificationResult{
			Valid:         false,
			InvalidReason: verify.InvalidReason,
			Payer:         verify.Payer,
			Source:        x402.SourceRemote,
		}, nil
	}

	settle, err := r.client.Settle(ctx, body)
	if err != nil {
		return nil, err
	}
	if !settle.Success {
		reason := settle.ErrorReason
		if reason == "" {
			reason = x402.ReasonSettlementRejected
		}
		return &x402.VerificationResult{Valid: false, InvalidReason: reason, Source: x402.SourceRemote}, nil
	}

	payer := settle.Payer
	if payer == "" {
		payer = verify.Payer
	}
	if payer == "" {
		payer = proof.Payer
	}
	signature := settle.TxSignature()
	if signature == "" {
		signature = proof.Signature
	}
	return &x402.VerificationResult{
		Valid:     true,
		Payer:     payer,
		Source:    x402.SourceRemote,
		Signature: signature,
	}, nil
}
