package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/chain"
)

// Local verifies a proof by reading the transaction's balance changes from
// the chain. It fails closed: anything it cannot confirm is invalid.
type Local struct {
	client chain.Client
}

// NewLocal creates a local verifier.
func NewLocal(client chain.Client) *Local {
	return &Local{client: client}
}

// Verify implements x402.ProofVerifier.
func (l *Local) Verify(ctx context.Context, proof *x402.PaymentProof, req *x402.Requirement) (*x402.VerificationResult, error) {
	sig, err := solana.SignatureFromBase58(proof.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature: %v", x402.ErrMalformedProof, err)
	}
	payee, err := solana.PublicKeyFromBase58(req.Payee)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid payee: %v", x402.ErrMalformedRequirement, err)
	}

	rec, err := l.client.Transaction(ctx, sig)
	if errors.Is(err, x402.ErrTransactionNotFound) {
		return invalid(x402.ReasonTransactionNotFound, ""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	return Evaluate(rec, proof, req, payee), nil
}

// Evaluate checks a fetched transaction against a requirement.
func Evaluate(rec *chain.TransactionRecord, proof *x402.PaymentProof, req *x402.Requirement, payee solana.PublicKey) *x402.VerificationResult {
	payer := rec.FeePayer.String()
	switch {
	case !rec.Confirmed:
		return invalid(x402.ReasonNotConfirmed, payer)
	case rec.Err != "":
		return invalid(x402.ReasonTransactionFailed, payer)
	}

	received := rec.Received(payee, req.Asset)
	if received.Cmp(req.Amount) < 0 {
		if received.Sign() <= 0 && len(rec.Recipients(req.Asset)) > 0 {
			return invalid(x402.ReasonRecipientMismatch, payer)
		}
		return invalid(x402.ReasonInsufficientAmount, payer)
	}

	if proof.Payer != "" && proof.Payer != payer {
		return invalid(x402.ReasonPayerMismatch, payer)
	}

	return &x402.VerificationResult{
		Valid:     true,
		Payer:     payer,
		Source:    x402.SourceLocal,
		Signature: rec.Signature.String(),
	}
}

func invalid(reason, payer string) *x402.VerificationResult {
	return &x402.VerificationResult{Valid: false, InvalidReason: reason, Payer: payer, Source: x402.SourceLocal}
}
