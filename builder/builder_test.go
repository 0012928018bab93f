package builder

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/chain"
	"github.com/becomeliminal/x402-payer/chain/chaintest"
)

type MockFunder struct {
	SignFundingFunc func(ctx context.Context, tx *solana.Transaction) error
	calls           int
}

func (m *MockFunder) SignFunding(ctx context.Context, tx *solana.Transaction) error {
	m.calls++
	if m.SignFundingFunc == nil {
		return nil
	}
	return m.SignFundingFunc(ctx, tx)
}

var usdc = solana.MustPublicKeyFromBase58(x402.USDCDevnet)

func tokenRequirement(payee solana.PublicKey, amount int64, decimals int) *x402.Requirement {
	return &x402.Requirement{
		Scheme:   x402.SchemeExact,
		Network:  x402.NetworkSolanaDevnet,
		Asset:    x402.USDCDevnet,
		Amount:   big.NewInt(amount),
		Decimals: decimals,
		Payee:    payee.String(),
		Resource: "https://api.example.com/data",
	}
}

func fastWaiter(client chain.Client) *chain.Waiter {
	w := chain.NewWaiter(client)
	w.Interval = time.Millisecond
	w.Timeout = 50 * time.Millisecond
	return w
}

func TestBuildTokenTransfer(t *testing.T) {
	fake := chaintest.NewFakeClient()
	fake.AddMint(usdc, 6)
	payer := solana.NewWallet().PublicKey()
	payee := solana.NewWallet().PublicKey()
	payeeATA := fake.AddTokenAccount(payee, usdc)

	b := New(fake)
	unsigned, err := b.Build(context.Background(), tokenRequirement(payee, 10000, x402.DecimalsUnknown), payer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := len(unsigned.Transaction.Message.Instructions); n != 1 {
		t.Fatalf("expected exactly one instruction, got %d", n)
	}
	tr := unsigned.Transfer
	if tr.Native {
		t.Error("expected token transfer")
	}
	if !tr.Destination.Equals(payeeATA) {
		t.Errorf("expected destination %s, got %s", payeeATA, tr.Destination)
	}
	if !tr.Owner.Equals(payer) || !tr.Mint.Equals(usdc) {
		t.Errorf("unexpected owner/mint %s/%s", tr.Owner, tr.Mint)
	}
	if tr.Amount.Int64() != 10000 || tr.Decimals != 6 {
		t.Errorf("unexpected amount %s decimals %d", tr.Amount, tr.Decimals)
	}
	if unsigned.Decimals != 6 {
		t.Errorf("expected resolved decimals 6, got %d", unsigned.Decimals)
	}
	if !unsigned.Transaction.Message.AccountKeys[0].Equals(payer) {
		t.Error("payer must be the fee payer")
	}
	if unsigned.AccountCreated {
		t.Error("no account should have been created")
	}
}

func TestBuildNativeTransfer(t *testing.T) {
	fake := chaintest.NewFakeClient()
	payer := solana.NewWallet().PublicKey()
	payee := solana.NewWallet().PublicKey()

	req := &x402.Requirement{
		Scheme:   x402.SchemeExact,
		Network:  x402.NetworkSolanaDevnet,
		Asset:    "SOL",
		Amount:   big.NewInt(1_000_000),
		Decimals: x402.DecimalsUnknown,
		Payee:    payee.String(),
	}

	unsigned, err := New(fake).Build(context.Background(), req, payer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr := unsigned.Transfer
	if !tr.Native || !tr.Destination.Equals(payee) || tr.Amount.Int64() != 1_000_000 {
		t.Errorf("unexpected transfer %+v", tr)
	}
	if unsigned.Decimals != x402.NativeDecimals {
		t.Errorf("expected native decimals, got %d", unsigned.Decimals)
	}
}

func TestBuildFetchesFreshBlockhash(t *testing.T) {
	fake := chaintest.NewFakeClient()
	fake.AddMint(usdc, 6)
	payee := solana.NewWallet().PublicKey()
	fake.AddTokenAccount(payee, usdc)
	payer := solana.NewWallet().PublicKey()

	b := New(fake)
	req := tokenRequirement(payee, 500, 6)
	first, err := b.Build(context.Background(), req, payer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := b.Build(context.Background(), req, payer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Blockhash.Hash.Equals(second.Blockhash.Hash) {
		t.Error("each build must use a fresh blockhash")
	}
	if fake.Blockhashes() != 2 {
		t.Errorf("expected 2 blockhash fetches, got %d", fake.Blockhashes())
	}
}

func TestBuildDecimalsMismatch(t *testing.T) {
	fake := chaintest.NewFakeClient()
	fake.AddMint(usdc, 6)
	payee := solana.NewWallet().PublicKey()
	fake.AddTokenAccount(payee, usdc)

	_, err := New(fake).Build(context.Background(), tokenRequirement(payee, 500, 9), solana.NewWallet().PublicKey())
	if !errors.Is(err, x402.ErrProtocolIncompatible) {
		t.Fatalf("expected ErrProtocolIncompatible, got %v", err)
	}
	if x402.IsRetryable(err) {
		t.Error("decimals mismatch must not be retryable")
	}
}

func TestBuildInvalidPayee(t *testing.T) {
	req := tokenRequirement(solana.NewWallet().PublicKey(), 500, 6)
	req.Payee = "not-a-key"

	_, err := New(chaintest.NewFakeClient()).Build(context.Background(), req, solana.NewWallet().PublicKey())
	if !errors.Is(err, x402.ErrMalformedRequirement) {
		t.Fatalf("expected ErrMalformedRequirement, got %v", err)
	}
	if x402.StageOf(err) != x402.StageBuild {
		t.Errorf("expected build stage, got %s", x402.StageOf(err))
	}
}

func TestBuildMissingAccountWithoutFunder(t *testing.T) {
	fake := chaintest.NewFakeClient()
	fake.AddMint(usdc, 6)
	payee := solana.NewWallet().PublicKey()

	_, err := New(fake).Build(context.Background(), tokenRequirement(payee, 500, 6), solana.NewWallet().PublicKey())
	if !errors.Is(err, x402.ErrAccountFundingRequired) {
		t.Fatalf("expected ErrAccountFundingRequired, got %v", err)
	}
	if !x402.IsRetryable(err) {
		t.Error("funding required must be retryable")
	}
	if len(fake.Sent()) != 0 {
		t.Error("nothing may be submitted without a funder")
	}
}

func TestBuildCreatesMissingAccount(t *testing.T) {
	fake := chaintest.NewFakeClient()
	fake.AddMint(usdc, 6)
	payee := solana.NewWallet().PublicKey()
	payer := solana.NewWallet().PublicKey()
	funder := &MockFunder{}

	b := New(fake, WithFunder(funder), WithWaiter(fastWaiter(fake)))
	unsigned, err := b.Build(context.Background(), tokenRequirement(payee, 500, 6), payer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if funder.calls != 1 {
		t.Errorf("expected funder to sign once, got %d", funder.calls)
	}
	sent := fake.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected the account creation to be submitted alone, got %d", len(sent))
	}
	if _, err := CheckSingleTransfer(sent[0]); !errors.Is(err, x402.ErrInstructionShape) {
		t.Error("account creation must be a separate, non-transfer transaction")
	}
	if !unsigned.AccountCreated {
		t.Error("expected AccountCreated")
	}
	if n := len(unsigned.Transaction.Message.Instructions); n != 1 {
		t.Errorf("payment transaction must keep exactly one instruction, got %d", n)
	}
	ata, _, _ := solana.FindAssociatedTokenAddress(payee, usdc)
	if exists, _ := fake.AccountExists(context.Background(), ata); !exists {
		t.Error("expected payee account to exist after build")
	}
}

func TestCheckSingleTransfer(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	payee := solana.NewWallet().PublicKey()
	hash := solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")
	transfer := system.NewTransferInstruction(100, payer, payee).Build()
	create, err := CreateAccountInstruction(payer, payee, usdc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name         string
		instructions []solana.Instruction
		wantErr      bool
	}{
		{name: "single transfer", instructions: []solana.Instruction{transfer}},
		{name: "two transfers", instructions: []solana.Instruction{transfer, transfer}, wantErr: true},
		{name: "create account", instructions: []solana.Instruction{create}, wantErr: true},
		{name: "transfer plus extra", instructions: []solana.Instruction{create, transfer}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := solana.NewTransaction(tt.instructions, hash, solana.TransactionPayer(payer))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_, err = CheckSingleTransfer(tx)
			if tt.wantErr && !errors.Is(err, x402.ErrInstructionShape) {
				t.Errorf("expected ErrInstructionShape, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
