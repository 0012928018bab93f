package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	x402 "github.com/becomeliminal/x402-payer"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments.
// Payment is checked once, before the stream begins.
func StreamServerInterceptor(cfg x402.PaywallConfig) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		paid, trailer, err := authorize(ss.Context(), &cfg, info.FullMethod)
		if err != nil {
			return err
		}
		if paid == nil {
			return handler(srv, ss)
		}

		err = handler(srv, &paymentServerStream{ServerStream: ss, ctx: paid})
		if err == nil && trailer != nil {
			ss.SetTrailer(trailer)
		}
		return err
	}
}

// paymentServerStream wraps grpc.ServerStream to provide the context carrying the payment
type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
