package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/chain"
	"github.com/becomeliminal/x402-payer/chain/chaintest"
	"github.com/becomeliminal/x402-payer/clock"
	"github.com/becomeliminal/x402-payer/facilitator"
)

var usdc = solana.MustPublicKeyFromBase58(x402.USDCDevnet)

type fixture struct {
	chain *chaintest.FakeClient
	payer solana.PublicKey
	payee solana.PublicKey
	req   *x402.Requirement
}

func newFixture() *fixture {
	f := &fixture{
		chain: chaintest.NewFakeClient(),
		payer: solana.NewWallet().PublicKey(),
		payee: solana.NewWallet().PublicKey(),
	}
	f.req = &x402.Requirement{
		Scheme:   x402.SchemeExact,
		Network:  x402.NetworkSolanaDevnet,
		Asset:    x402.USDCDevnet,
		Amount:   big.NewInt(1000),
		Decimals: 6,
		Payee:    f.payee.String(),
		Resource: "https://api.example.com/data",
	}
	return f
}

// landTransfer records a confirmed USDC transfer of amount from payer to to.
func (f *fixture) landTransfer(sig solana.Signature, to solana.PublicKey, amount int64) *x402.PaymentProof {
	f.chain.PutRecord(&chain.TransactionRecord{
		Signature: sig,
		Confirmed: true,
		FeePayer:  f.payer,
		TokenDeltas: []chain.TokenDelta{
			{Owner: f.payer, Mint: usdc, Delta: big.NewInt(-amount)},
			{Owner: to, Mint: usdc, Delta: big.NewInt(amount)},
		},
	})
	return x402.NewProof(sig.String(), f.payer.String(), f.req, time.Now())
}

type countingVerifier struct {
	inner x402.ProofVerifier
	calls atomic.Int32
}

func (c *countingVerifier) Verify(ctx context.Context, proof *x402.PaymentProof, req *x402.Requirement) (*x402.VerificationResult, error) {
	c.calls.Add(1)
	return c.inner.Verify(ctx, proof, req)
}

type MockFacilitator struct {
	VerifyFunc func(ctx context.Context, req *facilitator.VerifyRequest) (*facilitator.VerifyResponse, error)
	SettleFunc func(ctx context.Context, req *facilitator.SettleRequest) (*facilitator.SettleResponse, error)
	settles    int
}

func (m *MockFacilitator) Verify(ctx context.Context, req *facilitator.VerifyRequest) (*facilitator.VerifyResponse, error) {
	return m.VerifyFunc(ctx, req)
}

func (m *MockFacilitator) Settle(ctx context.Context, req *facilitator.SettleRequest) (*facilitator.SettleResponse, error) {
	m.settles++
	if m.SettleFunc == nil {
		return &facilitator.SettleResponse{Success: true}, nil
	}
	return m.SettleFunc(ctx, req)
}

func TestLocalAmountLowerBound(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		valid  bool
	}{
		{name: "exact", amount: 1000, valid: true},
		{name: "one short", amount: 999},
		{name: "overpaid", amount: 1500, valid: true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			proof := f.landTransfer(solana.Signature{byte(i + 1)}, f.payee, tt.amount)

			res, err := NewLocal(f.chain).Verify(context.Background(), proof, f.req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Valid != tt.valid {
				t.Errorf("expected valid=%v, got %+v", tt.valid, res)
			}
			if !tt.valid && res.InvalidReason != x402.ReasonInsufficientAmount {
				t.Errorf("expected insufficient_amount, got %s", res.InvalidReason)
			}
			if res.Source != x402.SourceLocal {
				t.Errorf("expected local source, got %s", res.Source)
			}
		})
	}
}

func TestLocalIdempotent(t *testing.T) {
	f := newFixture()
	proof := f.landTransfer(solana.Signature{9}, f.payee, 1000)
	local := NewLocal(f.chain)

	first, err := local.Verify(context.Background(), proof, f.req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := local.Verify(context.Background(), proof, f.req)
	if err != nil {
		t.Fatal(err)
	}
	if *first != *second {
		t.Errorf("verification must not depend on call count: %+v vs %+v", first, second)
	}
}

func TestLocalWrongRecipient(t *testing.T) {
	f := newFixture()
	proof := f.landTransfer(solana.Signature{3}, solana.NewWallet().PublicKey(), 1000)

	res, err := NewLocal(f.chain).Verify(context.Background(), proof, f.req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Valid || res.InvalidReason != x402.ReasonRecipientMismatch {
		t.Errorf("expected recipient_mismatch, got %+v", res)
	}
}

func TestLocalFailsClosed(t *testing.T) {
	f := newFixture()
	local := NewLocal(f.chain)

	missing := x402.NewProof(solana.Signature{4}.String(), f.payer.String(), f.req, time.Now())
	res, err := local.Verify(context.Background(), missing, f.req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.InvalidReason != x402.ReasonTransactionNotFound {
		t.Errorf("expected transaction_not_found, got %+v", res)
	}

	f.chain.PutRecord(&chain.TransactionRecord{Signature: solana.Signature{5}, Confirmed: true, Err: "custom program error", FeePayer: f.payer})
	failed := x402.NewProof(solana.Signature{5}.String(), f.payer.String(), f.req, time.Now())
	res, err = local.Verify(context.Background(), failed, f.req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.InvalidReason != x402.ReasonTransactionFailed {
		t.Errorf("expected transaction_failed, got %+v", res)
	}
}

func TestLocalPayerMismatch(t *testing.T) {
	f := newFixture()
	proof := f.landTransfer(solana.Signature{6}, f.payee, 1000)
	proof.Payer = solana.NewWallet().PublicKey().String()

	res, err := NewLocal(f.chain).Verify(context.Background(), proof, f.req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.InvalidReason != x402.ReasonPayerMismatch {
		t.Errorf("expected payer_mismatch, got %+v", res)
	}
}

func TestLocalMalformedSignature(t *testing.T) {
	f := newFixture()
	proof := &x402.PaymentProof{Signature: "not-a-signature", Payer: f.payer.String()}

	_, err := NewLocal(f.chain).Verify(context.Background(), proof, f.req)
	if !errors.Is(err, x402.ErrMalformedProof) {
		t.Fatalf("expected ErrMalformedProof, got %v", err)
	}
}

func TestRemoteSettlesOnlyWhenValid(t *testing.T) {
	f := newFixture()
	proof := x402.NewProof(solana.Signature{7}.String(), f.payer.String(), f.req, time.Now())

	mock := &MockFacilitator{
		VerifyFunc: func(ctx context.Context, req *facilitator.VerifyRequest) (*facilitator.VerifyResponse, error) {
			decoded, err := x402.DecodeProof(req.PaymentHeader)
			if err != nil {
				t.Errorf("facilitator got undecodable header: %v", err)
			}
			if decoded.Signature != proof.Signature {
				t.Errorf("unexpected signature %s", decoded.Signature)
			}
			return &facilitator.VerifyResponse{IsValid: false, InvalidReason: "insufficient_amount"}, nil
		},
	}

	res, err := NewRemote(mock).Verify(context.Background(), proof, f.req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Valid || res.Source != x402.SourceRemote || res.InvalidReason != "insufficient_amount" {
		t.Errorf("unexpected result %+v", res)
	}
	if mock.settles != 0 {
		t.Error("settle must not be called for an invalid payment")
	}
}

func TestRemoteSettleRejected(t *testing.T) {
	f := newFixture()
	mock := &MockFacilitator{
		VerifyFunc: func(ctx context.Context, req *facilitator.VerifyRequest) (*facilitator.VerifyResponse, error) {
			return &facilitator.VerifyResponse{IsValid: true}, nil
		},
		SettleFunc: func(ctx context.Context, req *facilitator.SettleRequest) (*facilitator.SettleResponse, error) {
			return &facilitator.SettleResponse{Success: false}, nil
		},
	}

	res, err := NewRemote(mock).Verify(context.Background(), x402.NewProof("sig", "payer", f.req, time.Now()), f.req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.InvalidReason != x402.ReasonSettlementRejected {
		t.Errorf("expected settlement_rejected, got %+v", res)
	}
}

// hangingFacilitator never answers within the client timeout.
func hangingFacilitator(t *testing.T) *facilitator.Client {
	t.Helper()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	return facilitator.NewClient(server.URL, facilitator.WithTimeout(20*time.Millisecond), facilitator.WithRetries(0, 0))
}

func TestRemoteFirstFallsBackOnTimeout(t *testing.T) {
	f := newFixture()
	proof := f.landTransfer(solana.Signature{8}, f.payee, 1000)
	local := &countingVerifier{inner: NewLocal(f.chain)}

	var fallbacks atomic.Int32
	policy, err := NewPolicy(ModeRemoteFirst, NewRemote(hangingFacilitator(t)), local,
		WithEvents(x402.EventSinkFunc(func(ctx context.Context, e x402.Event) {
			if e.Type == x402.EventVerifierFallback {
				fallbacks.Add(1)
			}
		})))
	if err != nil {
		t.Fatal(err)
	}

	res, err := policy.Verify(context.Background(), proof, f.req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Valid || res.Source != x402.SourceLocal {
		t.Errorf("expected valid local result, got %+v", res)
	}
	if got := local.calls.Load(); got != 1 {
		t.Errorf("expected exactly one local verification, got %d", got)
	}
	if fallbacks.Load() != 1 {
		t.Errorf("expected one fallback event, got %d", fallbacks.Load())
	}
}

func TestFallbackEventUsesClock(t *testing.T) {
	f := newFixture()
	proof := f.landTransfer(solana.Signature{10}, f.payee, 1000)
	down := &MockFacilitator{
		VerifyFunc: func(ctx context.Context, req *facilitator.VerifyRequest) (*facilitator.VerifyResponse, error) {
			return nil, x402.ErrFacilitatorUnavailable
		},
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	var stamped time.Time
	policy, err := NewPolicy(ModeRemoteFirst, NewRemote(down), NewLocal(f.chain),
		WithClock(clock.Fake(now)),
		WithEvents(x402.EventSinkFunc(func(ctx context.Context, e x402.Event) {
			stamped = e.Time
		})))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := policy.Verify(context.Background(), proof, f.req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stamped.Equal(now) {
		t.Errorf("fallback event stamped %v, want %v", stamped, now)
	}
}

func TestRemoteOnlyTimeoutIsTerminal(t *testing.T) {
	f := newFixture()
	proof := f.landTransfer(solana.Signature{10}, f.payee, 1000)
	local := &countingVerifier{inner: NewLocal(f.chain)}

	policy, err := NewPolicy(ModeRemoteOnly, NewRemote(hangingFacilitator(t)), local)
	if err != nil {
		t.Fatal(err)
	}

	_, err = policy.Verify(context.Background(), proof, f.req)
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Fatalf("expected ErrFacilitatorUnavailable, got %v", err)
	}
	if x402.StageOf(err) != x402.StageVerify || !x402.IsRetryable(err) {
		t.Errorf("expected retryable verify-stage error, got %v", err)
	}
	if local.calls.Load() != 0 {
		t.Error("remote-only must not verify locally")
	}
}

func TestRemoteFirstInvalidIsFinal(t *testing.T) {
	f := newFixture()
	local := &countingVerifier{inner: NewLocal(f.chain)}
	remote := NewRemote(&MockFacilitator{
		VerifyFunc: func(ctx context.Context, req *facilitator.VerifyRequest) (*facilitator.VerifyResponse, error) {
			return &facilitator.VerifyResponse{IsValid: false, InvalidReason: "recipient_mismatch"}, nil
		},
	})

	policy, _ := NewPolicy(ModeRemoteFirst, remote, local)
	res, err := policy.Verify(context.Background(), x402.NewProof("sig", "payer", f.req, time.Now()), f.req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.Source != x402.SourceRemote {
		t.Errorf("expected remote rejection, got %+v", res)
	}
	if local.calls.Load() != 0 {
		t.Error("a hard verdict must not fall back")
	}
}

func TestBothRequired(t *testing.T) {
	validRemote := NewRemote(&MockFacilitator{
		VerifyFunc: func(ctx context.Context, req *facilitator.VerifyRequest) (*facilitator.VerifyResponse, error) {
			return &facilitator.VerifyResponse{IsValid: true}, nil
		},
	})

	t.Run("both valid returns local", func(t *testing.T) {
		f := newFixture()
		proof := f.landTransfer(solana.Signature{11}, f.payee, 1000)
		policy, _ := NewPolicy(ModeBothRequired, validRemote, NewLocal(f.chain))

		res, err := policy.Verify(context.Background(), proof, f.req)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Valid || res.Source != x402.SourceLocal {
			t.Errorf("expected valid local result, got %+v", res)
		}
	})

	t.Run("local invalid wins", func(t *testing.T) {
		f := newFixture()
		proof := f.landTransfer(solana.Signature{12}, f.payee, 999)
		policy, _ := NewPolicy(ModeBothRequired, validRemote, NewLocal(f.chain))

		res, err := policy.Verify(context.Background(), proof, f.req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Valid || res.InvalidReason != x402.ReasonInsufficientAmount {
			t.Errorf("expected local rejection, got %+v", res)
		}
	})
}

func TestNewPolicyValidation(t *testing.T) {
	local := NewLocal(chaintest.NewFakeClient())
	if _, err := NewPolicy(ModeRemoteFirst, nil, local); err == nil {
		t.Error("remote-first without remote must fail")
	}
	if _, err := NewPolicy(ModeLocalOnly, nil, local); err != nil {
		t.Errorf("local-only needs no remote: %v", err)
	}
	if _, err := ParseMode("sometimes"); err == nil {
		t.Error("expected unknown mode error")
	}
	if m, _ := ParseMode(""); m != ModeRemoteFirst {
		t.Errorf("expected remote-first default, got %s", m)
	}
}

func TestRemoteOverHTTP(t *testing.T) {
	f := newFixture()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(facilitator.VerifyResponse{IsValid: true, Payer: f.payer.String()})
		case "/settle":
			json.NewEncoder(w).Encode(facilitator.SettleResponse{Success: true, Signature: "settled-sig"})
		}
	}))
	defer server.Close()

	res, err := NewRemote(facilitator.NewClient(server.URL)).Verify(context.Background(), x402.NewProof("sig", f.payer.String(), f.req, time.Now()), f.req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Signature != "settled-sig" || res.Payer != f.payer.String() {
		t.Errorf("unexpected result %+v", res)
	}
}
