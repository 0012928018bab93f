package x402

import (
	"context"
	"math/big"
	"time"
)

const (
	// X402Version is the protocol version carried in 402 bodies and facilitator calls.
	X402Version = 1

	// SchemeExact is the only supported payment scheme: pay exactly the stated amount.
	SchemeExact = "exact"

	// NativeAsset is the asset sentinel meaning the chain's native coin (SOL).
	NativeAsset = "native"

	// HeaderPayment carries the encoded PaymentProof on the replayed request.
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentResponse carries the encoded SettlementResponse on the upstream response.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	// DecimalsUnknown marks a requirement whose decimals must be resolved from the mint.
	DecimalsUnknown = -1

	// NativeDecimals is the number of decimals of a lamport-denominated amount.
	NativeDecimals = 9
)

// PaymentRequirements is the wire form of one entry of a 402 body's accepts list.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Asset             string                 `json:"asset"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	PayTo             string                 `json:"payTo"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the response body when returning 402
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// Requirement is a parsed, validated payment requirement.
type Requirement struct {
	Scheme            string
	Network           string
	Asset             string
	Amount            *big.Int
	Decimals          int
	Payee             string
	Resource          string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	Extra             map[string]interface{}
}

// IsNative reports whether the requirement is paid in the native coin.
func (r *Requirement) IsNative() bool {
	return IsNativeAsset(r.Asset)
}

// Timeout returns the requirement's validity hint as a duration.
func (r *Requirement) Timeout() time.Duration {
	if r.MaxTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(r.MaxTimeoutSeconds) * time.Second
}

// DisplayAmount renders Amount in display units when decimals are known.
func (r *Requirement) DisplayAmount() string {
	if r.Decimals == DecimalsUnknown {
		return r.Amount.String()
	}
	return ToDisplay(r.Amount, r.Decimals)
}

// Wire converts the requirement back into its accepts-entry form.
func (r *Requirement) Wire() PaymentRequirements {
	extra := make(map[string]interface{}, len(r.Extra)+1)
	for k, v := range r.Extra {
		extra[k] = v
	}
	if r.Decimals != DecimalsUnknown {
		extra["decimals"] = r.Decimals
	}
	return PaymentRequirements{
		Scheme:            r.Scheme,
		Network:           r.Network,
		Asset:             r.Asset,
		MaxAmountRequired: r.Amount.String(),
		PayTo:             r.Payee,
		Resource:          r.Resource,
		Description:       r.Description,
		MimeType:          r.MimeType,
		MaxTimeoutSeconds: r.MaxTimeoutSeconds,
		Extra:             extra,
	}
}

// SignMode selects how a payment transaction gets signed.
type SignMode string

const (
	ModeCustodial   SignMode = "custodial"
	ModeInteractive SignMode = "interactive"
)

// AttemptStatus is the lifecycle status of a PaymentAttempt.
type AttemptStatus string

const (
	AttemptUnsigned          AttemptStatus = "unsigned"
	AttemptAwaitingSignature AttemptStatus = "awaiting_signature"
	AttemptSigned            AttemptStatus = "signed"
	AttemptBroadcast         AttemptStatus = "broadcast"
	AttemptConfirmed         AttemptStatus = "confirmed"

	// AttemptUnverified is a confirmed transfer whose proof could not be
	// checked. It stays open: the next payment for the resource re-verifies
	// its signature instead of paying again.
	AttemptUnverified AttemptStatus = "unverified"

	AttemptFailed            AttemptStatus = "failed"
	AttemptExpired           AttemptStatus = "expired"
	AttemptUnknown           AttemptStatus = "unknown"
)

// Terminal reports whether no further transition is possible.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptConfirmed, AttemptFailed, AttemptExpired, AttemptUnknown:
		return true
	}
	return false
}

// PaymentAttempt is one payer's attempt to satisfy one requirement. It owns
// exactly one on-chain transaction.
type PaymentAttempt struct {
	ID                   string        `json:"id"`
	Resource             string        `json:"resource"`
	Network              string        `json:"network"`
	Asset                string        `json:"asset"`
	Amount               string        `json:"amount"`
	Payee                string        `json:"payee"`
	Payer                string        `json:"payer"`
	Mode                 SignMode      `json:"mode"`
	Status               AttemptStatus `json:"status"`
	Signature            string        `json:"signature,omitempty"`
	Blockhash            string        `json:"blockhash,omitempty"`
	LastValidBlockHeight uint64        `json:"lastValidBlockHeight,omitempty"`
	SessionID            string        `json:"sessionId,omitempty"`
	FailureStage         Stage         `json:"failureStage,omitempty"`
	FailureReason        string        `json:"failureReason,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// State is a node of the payment engine's state machine.
type State string

const (
	StateStart             State = "start"
	StateChallenged        State = "challenged"
	StateBuilding          State = "building"
	StateAwaitingSignature State = "awaiting_signature"
	StateSigned            State = "signed"
	StateBroadcasting      State = "broadcasting"
	StateVerifying         State = "verifying"
	StateSettled           State = "settled"
	StateReplaying         State = "replaying"
	StateDone              State = "done"
	StateFailed            State = "failed"
	StateExpired           State = "expired"
	StateUnknown           State = "unknown"
)

// PaymentProof is handed to the resource on replay. Immutable once built.
type PaymentProof struct {
	Signature string `json:"signature"`
	Payer     string `json:"payer"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	Network   string `json:"network"`
	Timestamp int64  `json:"timestamp"`
}

// NewProof builds the proof for a confirmed transaction.
func NewProof(signature, payer string, req *Requirement, at time.Time) *PaymentProof {
	return &PaymentProof{
		Signature: signature,
		Payer:     payer,
		Amount:    req.Amount.String(),
		Asset:     req.Asset,
		Network:   req.Network,
		Timestamp: at.Unix(),
	}
}

// VerificationSource records which verifier produced a result.
type VerificationSource string

const (
	SourceRemote VerificationSource = "remote"
	SourceLocal  VerificationSource = "local"
)

// VerificationResult is the outcome of checking a proof against a requirement.
type VerificationResult struct {
	Valid         bool               `json:"valid"`
	InvalidReason string             `json:"invalidReason,omitempty"`
	Payer         string             `json:"payer,omitempty"`
	Source        VerificationSource `json:"source"`

	// Signature is the settlement transaction reported by a facilitator, if any.
	Signature string `json:"signature,omitempty"`
}

// Invalid reasons produced by the verifiers.
const (
	ReasonTransactionNotFound = "transaction_not_found"
	ReasonNotConfirmed        = "transaction_not_confirmed"
	ReasonTransactionFailed   = "transaction_failed"
	ReasonRecipientMismatch   = "recipient_mismatch"
	ReasonInsufficientAmount  = "insufficient_amount"
	ReasonPayerMismatch       = "payer_mismatch"
	ReasonRequirementMismatch = "requirement_mismatch"
	ReasonSettlementRejected  = "settlement_rejected"
	ReasonProofExpired        = "proof_expired"
	ReasonAlreadyRedeemed     = "signature_already_redeemed"
	ReasonInvalidPayment      = "invalid_payment"
)

// ProofVerifier checks a payment proof against a requirement.
type ProofVerifier interface {
	Verify(ctx context.Context, proof *PaymentProof, req *Requirement) (*VerificationResult, error)
}

// SettlementResponse is sent in the X-PAYMENT-RESPONSE header
type SettlementResponse struct {
	Settled   bool               `json:"settled"`
	Signature string             `json:"signature,omitempty"`
	Payer     string             `json:"payer,omitempty"`
	Network   string             `json:"network,omitempty"`
	Source    VerificationSource `json:"source,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

// SessionStatus is the status of an interactive SignerSession.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionApproved SessionStatus = "approved"
	SessionRejected SessionStatus = "rejected"
	SessionExpired  SessionStatus = "expired"
)

// SignerSession is a pending request for a wallet to approve one transaction.
type SignerSession struct {
	ID                  string        `json:"sessionId"`
	AttemptID           string        `json:"attemptId"`
	UnsignedTransaction string        `json:"transaction"`
	Status              SessionStatus `json:"status"`
	CreatedAt           time.Time     `json:"createdAt"`
	ExpiresAt           time.Time     `json:"expiresAt"`
}

// Expired reports whether the session's TTL has lapsed at now.
func (s *SignerSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// PaymentContext contains payment information that can be extracted in handlers
// behind the paywall
type PaymentContext struct {
	Verified  bool
	Payer     string
	Amount    string
	Asset     string
	Network   string
	Signature string
	Source    VerificationSource
	SettledAt time.Time
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context
	PaymentContextKey contextKey = "x402-payment"
)
