package x402

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// Metadata keys carrying a verified payment from the HTTP paywall into gRPC handlers.
const (
	MetadataKeyVerified  = "x-payment-verified"
	MetadataKeyPayer     = "x-payment-payer"
	MetadataKeyAmount    = "x-payment-amount"
	MetadataKeyAsset     = "x-payment-asset"
	MetadataKeyNetwork   = "x-payment-network"
	MetadataKeySignature = "x-payment-signature"
	MetadataKeySource    = "x-payment-source"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		return PaymentMetadata(ctx)
	})
}

// PaymentMetadata renders the verified payment in ctx as gRPC metadata.
func PaymentMetadata(ctx context.Context) metadata.MD {
	md := metadata.MD{}

	payment, ok := GetPaymentFromContext(ctx)
	if !ok || payment == nil || !payment.Verified {
		return md
	}

	md.Set(MetadataKeyVerified, "true")
	md.Set(MetadataKeyPayer, payment.Payer)
	md.Set(MetadataKeyAmount, payment.Amount)
	md.Set(MetadataKeyAsset, payment.Asset)
	md.Set(MetadataKeyNetwork, payment.Network)
	if payment.Signature != "" {
		md.Set(MetadataKeySignature, payment.Signature)
	}
	if payment.Source != "" {
		md.Set(MetadataKeySource, string(payment.Source))
	}

	return md
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata
// Use this in gRPC handlers to access payment details
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	verified := md.Get(MetadataKeyVerified)
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	payment := &PaymentContext{Verified: true}
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}
	payment.Payer = first(MetadataKeyPayer)
	payment.Amount = first(MetadataKeyAmount)
	payment.Asset = first(MetadataKeyAsset)
	payment.Network = first(MetadataKeyNetwork)
	payment.Signature = first(MetadataKeySignature)
	payment.Source = VerificationSource(first(MetadataKeySource))

	return payment, true
}
