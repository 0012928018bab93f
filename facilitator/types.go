package facilitator

import x402 "github.com/becomeliminal/x402-payer"

// VerifyRequest is the body of POST /verify and POST /settle.
type VerifyRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentHeader       string                   `json:"paymentHeader"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest = VerifyRequest

// VerifyResponse is the response from the facilitator verify endpoint
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the response from the facilitator settle endpoint
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// TxSignature returns the settlement transaction, whichever field carried it.
func (r *SettleResponse) TxSignature() string {
	switch {
	case r.Signature != "":
		return r.Signature
	case r.Transaction != "":
		return r.Transaction
	}
	return r.TxHash
}
