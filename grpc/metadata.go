package grpc

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc/metadata"

	x402 "github.com/becomeliminal/x402-payer"
)

const (
	// MetadataKeyPayment carries the encoded PaymentProof on a paid call.
	MetadataKeyPayment = "x402-payment"

	// MetadataKeyPaymentResponse carries the encoded SettlementResponse in the trailer.
	MetadataKeyPaymentResponse = "x402-payment-response"
)

// EncodePaymentRequired renders req as the base64 of the HTTP 402 body, so a
// gRPC client can reuse the HTTP requirement parser.
func EncodePaymentRequired(req *x402.Requirement, reason string) (string, error) {
	body, err := x402.EncodePaymentRequired(reason, req.Wire())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// DecodePaymentRequired parses a ResourceExhausted status message.
func DecodePaymentRequired(encoded string) (*x402.Requirement, error) {
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	return x402.ParsePaymentRequired(body)
}

// ExtractProofFromMetadata extracts and decodes the payment proof from gRPC metadata
func ExtractProofFromMetadata(md metadata.MD) (*x402.PaymentProof, error) {
	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment found in metadata")
	}
	return x402.DecodeProof(values[0])
}

// ExtractSettlementFromMetadata decodes the settlement a paid call returned
// in its trailer.
func ExtractSettlementFromMetadata(md metadata.MD) (*x402.SettlementResponse, error) {
	values := md.Get(MetadataKeyPaymentResponse)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment response found in metadata")
	}
	return x402.DecodeSettlement(values[0])
}
