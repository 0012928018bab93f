package x402

import (
	"errors"
	"fmt"
)

// Sentinel errors. Match with errors.Is; they are usually wrapped in a PaymentError.
var (
	ErrProtocolIncompatible   = errors.New("x402: protocol incompatible")
	ErrMalformedRequirement   = errors.New("x402: malformed payment requirement")
	ErrMalformedProof         = errors.New("x402: malformed payment proof")
	ErrAmountExceeded         = errors.New("x402: amount exceeds configured maximum")
	ErrInvalidKey             = errors.New("x402: invalid private key")
	ErrInstructionShape       = errors.New("x402: transaction must contain exactly one transfer instruction")
	ErrAccountFundingRequired = errors.New("x402: payee token account must be created first")
	ErrSessionNotFound        = errors.New("x402: signer session not found")
	ErrSessionExpired         = errors.New("x402: signer session expired")
	ErrSessionRejected        = errors.New("x402: signer session rejected")
	ErrSignedMismatch         = errors.New("x402: signed transaction does not match the pending transaction")
	ErrAttemptExpired         = errors.New("x402: payment attempt expired")
	ErrAttemptInProgress      = errors.New("x402: payment attempt already in progress")
	ErrConfirmationUnknown    = errors.New("x402: transaction confirmation unknown")
	ErrTransactionFailed      = errors.New("x402: transaction failed on-chain")
	ErrTransactionNotFound    = errors.New("x402: transaction not found")
	ErrFacilitatorUnavailable = errors.New("x402: facilitator unavailable")
	ErrPaymentRejected        = errors.New("x402: payment rejected")
)

// Stage names the step of the payment flow at which a failure happened.
type Stage string

const (
	StageRequest   Stage = "request"
	StageParse     Stage = "parse"
	StageBuild     Stage = "build"
	StageSign      Stage = "sign"
	StageBroadcast Stage = "broadcast"
	StageVerify    Stage = "verify"
	StageReplay    Stage = "replay"
)

// Error codes.
const (
	ErrCodeRequestFailed         = "REQUEST_FAILED"
	ErrCodeProtocolIncompatible  = "PROTOCOL_INCOMPATIBLE"
	ErrCodeInvalidRequirement    = "INVALID_REQUIREMENT"
	ErrCodeAmountExceeded        = "AMOUNT_EXCEEDED"
	ErrCodeAttemptInProgress     = "ATTEMPT_IN_PROGRESS"
	ErrCodeBuildFailed           = "BUILD_FAILED"
	ErrCodeSignFailed            = "SIGN_FAILED"
	ErrCodeSessionNotFound       = "SESSION_NOT_FOUND"
	ErrCodeSessionExpired        = "SESSION_EXPIRED"
	ErrCodeSessionRejected       = "SESSION_REJECTED"
	ErrCodeBroadcastFailed       = "BROADCAST_FAILED"
	ErrCodeAttemptExpired        = "ATTEMPT_EXPIRED"
	ErrCodeConfirmationUnknown   = "CONFIRMATION_UNKNOWN"
	ErrCodeTransactionFailed     = "TRANSACTION_FAILED"
	ErrCodeVerifierUnavailable   = "VERIFIER_UNAVAILABLE"
	ErrCodePaymentRejected       = "PAYMENT_REJECTED"
	ErrCodeReplayFailed          = "REPLAY_FAILED"
	ErrCodeInvalidConfig         = "INVALID_CONFIG"
	ErrCodeNetworkNotSupported   = "NETWORK_NOT_SUPPORTED"
	ErrCodeAccountFundingPending = "ACCOUNT_FUNDING_REQUIRED"
)

// PaymentError represents a terminal failure of a payment flow. It names the
// stage that failed and whether the caller may retry with a new attempt.
type PaymentError struct {
	Stage     Stage
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Stage, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError.
func NewPaymentError(stage Stage, code, message string, retryable bool, err error) *PaymentError {
	return &PaymentError{
		Stage:     stage,
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Err:       err,
	}
}

// AsPaymentError unwraps err to a PaymentError if there is one in its chain.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	if pe, ok := AsPaymentError(err); ok {
		return pe.Code
	}
	return ""
}

// StageOf returns the failing stage recorded in err, or "" if none.
func StageOf(err error) Stage {
	if pe, ok := AsPaymentError(err); ok {
		return pe.Stage
	}
	return ""
}

// IsRetryable reports whether err marks a failure that a fresh attempt may overcome.
func IsRetryable(err error) bool {
	if pe, ok := AsPaymentError(err); ok {
		return pe.Retryable
	}
	return false
}
