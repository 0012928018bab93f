package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodeProof encodes a PaymentProof to X-PAYMENT header format (base64 JSON)
func EncodeProof(proof *PaymentProof) (string, error) {
	proofJSON, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(proofJSON), nil
}

// DecodeProof decodes and validates an X-PAYMENT header
func DecodeProof(header string) (*PaymentProof, error) {
	proofBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode base64: %v", ErrMalformedProof, err)
	}

	var proof PaymentProof
	if err := json.Unmarshal(proofBytes, &proof); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON: %v", ErrMalformedProof, err)
	}

	switch {
	case proof.Signature == "":
		return nil, fmt.Errorf("%w: signature is required", ErrMalformedProof)
	case proof.Payer == "":
		return nil, fmt.Errorf("%w: payer is required", ErrMalformedProof)
	case proof.Amount == "":
		return nil, fmt.Errorf("%w: amount is required", ErrMalformedProof)
	case proof.Asset == "":
		return nil, fmt.Errorf("%w: asset is required", ErrMalformedProof)
	case proof.Network == "":
		return nil, fmt.Errorf("%w: network is required", ErrMalformedProof)
	}

	return &proof, nil
}

// EncodeSettlement encodes a SettlementResponse for the X-PAYMENT-RESPONSE header
func EncodeSettlement(settlement *SettlementResponse) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement decodes an X-PAYMENT-RESPONSE header
func DecodeSettlement(header string) (*SettlementResponse, error) {
	settlementBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var settlement SettlementResponse
	if err := json.Unmarshal(settlementBytes, &settlement); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &settlement, nil
}
