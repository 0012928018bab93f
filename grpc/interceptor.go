package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-payer"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments.
// A missing or refused proof is answered with RESOURCE_EXHAUSTED carrying the
// base64 402 body as the status message.
func UnaryServerInterceptor(cfg x402.PaywallConfig) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		paid, trailer, err := authorize(ctx, &cfg, info.FullMethod)
		if err != nil {
			return nil, err
		}
		if paid == nil {
			return handler(ctx, req)
		}

		resp, err := handler(paid, req)
		if err != nil {
			return nil, err
		}
		if trailer != nil {
			if err := grpc.SetTrailer(ctx, trailer); err != nil {
				cfg.Logger.WarnContext(ctx, "failed to set payment trailer", "error", err)
			}
		}
		return resp, nil
	}
}

// authorize returns a context carrying the payment and the settlement
// trailer, or a nil context when fullMethod is free.
func authorize(ctx context.Context, cfg *x402.PaywallConfig, fullMethod string) (context.Context, metadata.MD, error) {
	rule, requiresPayment := cfg.MatchMethod(fullMethod)
	if !requiresPayment {
		return nil, nil, nil
	}
	req := rule.Requirement(fullMethod)

	md, _ := metadata.FromIncomingContext(ctx)
	if len(md.Get(MetadataKeyPayment)) == 0 {
		return nil, nil, paymentRequired(req, "payment required")
	}

	proof, err := ExtractProofFromMetadata(md)
	if err != nil {
		return nil, nil, status.Error(codes.InvalidArgument, fmt.Sprintf("invalid payment: %v", err))
	}

	auth, err := cfg.Authorize(ctx, proof, req)
	if err != nil {
		code := codes.Internal
		if errors.Is(err, x402.ErrFacilitatorUnavailable) {
			code = codes.Unavailable
		}
		return nil, nil, status.Error(code, fmt.Sprintf("payment verification error: %v", err))
	}
	if !auth.Accepted() {
		return nil, nil, paymentRequired(req, auth.Reason)
	}

	var trailer metadata.MD
	if encoded, err := x402.EncodeSettlement(auth.Settlement); err == nil {
		trailer = metadata.Pairs(MetadataKeyPaymentResponse, encoded)
	}
	return context.WithValue(ctx, x402.PaymentContextKey, auth.Payment), trailer, nil
}

// paymentRequired uses RESOURCE_EXHAUSTED to signal payment required, following
// Google Cloud's precedent for billing and quota enforcement.
func paymentRequired(req *x402.Requirement, reason string) error {
	encoded, err := EncodePaymentRequired(req, reason)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

// GetPaymentFromContext extracts payment information from the gRPC context
// This can be used in gRPC service handlers to access payment details
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
// Useful for gRPC handlers that must have valid payment
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
