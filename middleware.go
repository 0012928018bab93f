package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements
// It works in front of a grpc-gateway mux or any other http.Handler
func PaymentMiddleware(cfg PaywallConfig) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			rule, requiresPayment := cfg.MatchEndpoint(r.URL.Path)
			if !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}

			req := rule.Requirement(r.URL.Path)

			header := r.Header.Get(HeaderPayment)
			if header == "" {
				sendPaymentRequired(w, req, "payment required")
				return
			}

			proof, err := DecodeProof(header)
			if err != nil {
				sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid X-PAYMENT header: %v", err))
				return
			}

			auth, err := cfg.Authorize(ctx, proof, req)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, ErrFacilitatorUnavailable) {
					status = http.StatusServiceUnavailable
				}
				sendError(w, status, fmt.Sprintf("Payment verification error: %v", err))
				return
			}
			if !auth.Accepted() {
				sendRejected(w, req, auth.Reason)
				return
			}

			ctx = context.WithValue(ctx, PaymentContextKey, auth.Payment)
			if encoded, err := EncodeSettlement(auth.Settlement); err == nil {
				setSettlementHeader(w.Header(), encoded)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authorization is the paywall's decision on one proof.
type Authorization struct {
	Payment    *PaymentContext
	Settlement *SettlementResponse

	// Reason is set when the proof was refused.
	Reason string
}

// Accepted reports whether the proof paid for the resource.
func (a *Authorization) Accepted() bool { return a.Reason == "" }

// Authorize checks proof against req: the claimed terms, the redemption
// history, then the verifier. An error means the verifier itself failed;
// a refused proof is an Authorization with a Reason. cfg must have been
// validated.
func (c *PaywallConfig) Authorize(ctx context.Context, proof *PaymentProof, req *Requirement) (*Authorization, error) {
	if reason := checkProofTerms(proof, req, c.Now(), c.ValidityDuration); reason != "" {
		return &Authorization{Reason: reason}, nil
	}
	if prev, ok := c.Redemptions.Lookup(ctx, proof.Signature); ok && prev != req.Resource {
		return &Authorization{Reason: ReasonAlreadyRedeemed}, nil
	}

	result, err := c.Verifier.Verify(ctx, proof, req)
	if err != nil {
		c.Logger.WarnContext(ctx, "payment verification error",
			slog.String("signature", proof.Signature),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if !result.Valid {
		reason := result.InvalidReason
		if reason == "" {
			reason = ReasonInvalidPayment
		}
		return &Authorization{Reason: reason}, nil
	}
	if err := c.Redemptions.Redeem(ctx, proof.Signature, req.Resource); err != nil {
		return &Authorization{Reason: ReasonAlreadyRedeemed}, nil
	}

	return &Authorization{
		Payment: &PaymentContext{
			Verified:  true,
			Payer:     result.Payer,
			Amount:    proof.Amount,
			Asset:     proof.Asset,
			Network:   proof.Network,
			Signature: proof.Signature,
			Source:    result.Source,
			SettledAt: c.Now(),
		},
		Settlement: &SettlementResponse{
			Settled:   true,
			Signature: proof.Signature,
			Payer:     result.Payer,
			Network:   proof.Network,
			Source:    result.Source,
		},
	}, nil
}

// checkProofTerms compares the terms claimed by a proof with the requirement
// before any verifier is consulted. It returns an invalid reason or "".
func checkProofTerms(proof *PaymentProof, req *Requirement, now time.Time, validity time.Duration) string {
	if CanonicalNetwork(proof.Network) != CanonicalNetwork(req.Network) || proof.Asset != req.Asset {
		return ReasonRequirementMismatch
	}
	amount, ok := new(big.Int).SetString(proof.Amount, 10)
	if !ok || amount.Cmp(req.Amount) < 0 {
		return ReasonInsufficientAmount
	}
	if proof.Timestamp > 0 && now.Sub(time.Unix(proof.Timestamp, 0)) > validity {
		return ReasonProofExpired
	}
	return ""
}

// setSettlementHeader sets X-PAYMENT-RESPONSE and exposes it to cross-origin callers.
func setSettlementHeader(h http.Header, encoded string) {
	h.Set(HeaderPaymentResponse, encoded)
	h.Add("Access-Control-Expose-Headers", HeaderPaymentResponse)
}

// sendPaymentRequired sends a 402 Payment Required response
func sendPaymentRequired(w http.ResponseWriter, req *Requirement, reason string) {
	body, err := EncodePaymentRequired(reason, req.Wire())
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	w.Write(body)
}

// sendRejected answers 402 with the rejection reason in both the body and
// the settlement header.
func sendRejected(w http.ResponseWriter, req *Requirement, reason string) {
	if encoded, err := EncodeSettlement(&SettlementResponse{Settled: false, Reason: reason}); err == nil {
		setSettlementHeader(w.Header(), encoded)
	}
	sendPaymentRequired(w, req, reason)
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// GetPaymentFromContext extracts payment information from the request context
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}
