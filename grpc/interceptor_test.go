package grpc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-payer"
)

const forecast = "/weather.v1.Weather/Forecast"

type mockVerifier struct {
	VerifyFunc func(ctx context.Context, proof *x402.PaymentProof, req *x402.Requirement) (*x402.VerificationResult, error)
	calls      int
}

func (m *mockVerifier) Verify(ctx context.Context, proof *x402.PaymentProof, req *x402.Requirement) (*x402.VerificationResult, error) {
	m.calls++
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, proof, req)
	}
	return &x402.VerificationResult{Valid: true, Payer: proof.Payer, Source: x402.SourceLocal}, nil
}

// fakeTransportStream records trailers set by a unary interceptor.
type fakeTransportStream struct {
	trailer metadata.MD
}

func (s *fakeTransportStream) Method() string                  { return forecast }
func (s *fakeTransportStream) SetHeader(md metadata.MD) error  { return nil }
func (s *fakeTransportStream) SendHeader(md metadata.MD) error { return nil }
func (s *fakeTransportStream) SetTrailer(md metadata.MD) error {
	s.trailer = metadata.Join(s.trailer, md)
	return nil
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx     context.Context
	trailer metadata.MD
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }
func (s *fakeServerStream) SetTrailer(md metadata.MD) {
	s.trailer = metadata.Join(s.trailer, md)
}

func paywallConfig(v x402.ProofVerifier) x402.PaywallConfig {
	return x402.PaywallConfig{
		Verifier: v,
		MethodPricing: map[string]x402.PricingRule{
			"/weather.v1.Weather/*": {
				Amount: "1000",
				Token: x402.TokenRequirement{
					Network:  x402.NetworkSolanaDevnet,
					Asset:    x402.USDCDevnet,
					Payee:    "payee111",
					Decimals: 6,
				},
			},
		},
		SkipMethods: []string{"/weather.v1.Weather/Health"},
	}
}

func paidContext(t *testing.T, proof *x402.PaymentProof) context.Context {
	t.Helper()
	encoded, err := x402.EncodeProof(proof)
	if err != nil {
		t.Fatal(err)
	}
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPayment, encoded))
}

func validProof() *x402.PaymentProof {
	return &x402.PaymentProof{
		Signature: "sig111",
		Payer:     "payer111",
		Amount:    "1000",
		Asset:     x402.USDCDevnet,
		Network:   x402.NetworkSolanaDevnet,
		Timestamp: time.Now().Unix(),
	}
}

func okHandler(called *bool) grpc.UnaryHandler {
	return func(ctx context.Context, req interface{}) (interface{}, error) {
		*called = true
		return "sunny", nil
	}
}

func TestUnaryServerInterceptor_FreeMethod(t *testing.T) {
	interceptor := UnaryServerInterceptor(paywallConfig(&mockVerifier{}))

	var called bool
	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/weather.v1.Weather/Health"}, okHandler(&called))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called || resp != "sunny" {
		t.Error("free method must reach the handler")
	}
}

func TestUnaryServerInterceptor_PaymentRequired(t *testing.T) {
	interceptor := UnaryServerInterceptor(paywallConfig(&mockVerifier{}))

	var called bool
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: forecast}, okHandler(&called))
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
	if called {
		t.Error("handler must not run without payment")
	}

	st, _ := status.FromError(err)
	req, err := DecodePaymentRequired(st.Message())
	if err != nil {
		t.Fatalf("status message is not a requirement: %v", err)
	}
	if req.Resource != forecast || req.Amount.Int64() != 1000 || req.Payee != "payee111" {
		t.Errorf("unexpected requirement %+v", req)
	}
}

func TestUnaryServerInterceptor_ValidPayment(t *testing.T) {
	verifier := &mockVerifier{}
	interceptor := UnaryServerInterceptor(paywallConfig(verifier))

	stream := &fakeTransportStream{}
	ctx := grpc.NewContextWithServerTransportStream(paidContext(t, validProof()), stream)

	var payment *x402.PaymentContext
	resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: forecast}, func(ctx context.Context, req interface{}) (interface{}, error) {
		p, err := RequirePayment(ctx)
		if err != nil {
			return nil, err
		}
		payment = p
		return "sunny", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "sunny" {
		t.Errorf("unexpected response %v", resp)
	}
	if payment == nil || payment.Payer != "payer111" || payment.Signature != "sig111" {
		t.Errorf("unexpected payment context %+v", payment)
	}
	if verifier.calls != 1 {
		t.Errorf("expected one verification, got %d", verifier.calls)
	}

	settlement, err := ExtractSettlementFromMetadata(stream.trailer)
	if err != nil {
		t.Fatalf("missing settlement trailer: %v", err)
	}
	if !settlement.Settled || settlement.Signature != "sig111" {
		t.Errorf("unexpected settlement %+v", settlement)
	}
}

func TestUnaryServerInterceptor_Refusals(t *testing.T) {
	tests := []struct {
		name     string
		ctx      func(t *testing.T) context.Context
		verifier *mockVerifier
		want     codes.Code
	}{
		{
			name: "invalid proof",
			ctx:  func(t *testing.T) context.Context { return paidContext(t, validProof()) },
			verifier: &mockVerifier{VerifyFunc: func(context.Context, *x402.PaymentProof, *x402.Requirement) (*x402.VerificationResult, error) {
				return &x402.VerificationResult{Valid: false, InvalidReason: x402.ReasonRecipientMismatch}, nil
			}},
			want: codes.ResourceExhausted,
		},
		{
			name: "underpaid proof",
			ctx: func(t *testing.T) context.Context {
				p := validProof()
				p.Amount = "1"
				return paidContext(t, p)
			},
			verifier: &mockVerifier{},
			want:     codes.ResourceExhausted,
		},
		{
			name: "garbage metadata",
			ctx: func(t *testing.T) context.Context {
				return metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPayment, "garbage"))
			},
			verifier: &mockVerifier{},
			want:     codes.InvalidArgument,
		},
		{
			name: "facilitator down",
			ctx:  func(t *testing.T) context.Context { return paidContext(t, validProof()) },
			verifier: &mockVerifier{VerifyFunc: func(context.Context, *x402.PaymentProof, *x402.Requirement) (*x402.VerificationResult, error) {
				return nil, fmt.Errorf("%w: 503", x402.ErrFacilitatorUnavailable)
			}},
			want: codes.Unavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interceptor := UnaryServerInterceptor(paywallConfig(tt.verifier))
			var called bool
			_, err := interceptor(tt.ctx(t), nil, &grpc.UnaryServerInfo{FullMethod: forecast}, okHandler(&called))
			if status.Code(err) != tt.want {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
			if called {
				t.Error("handler must not run")
			}
		})
	}
}

func TestStreamServerInterceptor(t *testing.T) {
	interceptor := StreamServerInterceptor(paywallConfig(&mockVerifier{}))
	info := &grpc.StreamServerInfo{FullMethod: "/weather.v1.Weather/Subscribe", IsServerStream: true}

	unpaid := &fakeServerStream{ctx: context.Background()}
	err := interceptor(nil, unpaid, info, func(srv interface{}, ss grpc.ServerStream) error {
		t.Error("handler must not run without payment")
		return nil
	})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}

	paid := &fakeServerStream{ctx: paidContext(t, validProof())}
	err = interceptor(nil, paid, info, func(srv interface{}, ss grpc.ServerStream) error {
		_, err := RequirePayment(ss.Context())
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ExtractSettlementFromMetadata(paid.trailer); err != nil {
		t.Errorf("missing settlement trailer: %v", err)
	}
}

func TestRequirePaymentWithoutPayment(t *testing.T) {
	if _, err := RequirePayment(context.Background()); status.Code(err) != codes.ResourceExhausted {
		t.Errorf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
}
