// Package builder turns a payment requirement into an unsigned Solana
// transaction carrying exactly one transfer instruction.
package builder

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/chain"
)

// AccountFunder signs the transaction that creates a missing payee token
// account. The payer funds it.
type AccountFunder interface {
	SignFunding(ctx context.Context, tx *solana.Transaction) error
}

// Unsigned is a built transaction waiting for the payer's signature.
type Unsigned struct {
	Transaction *solana.Transaction
	Blockhash   chain.Blockhash
	Payer       solana.PublicKey
	Transfer    *Transfer

	// Decimals is the resolved decimals of the asset.
	Decimals int

	// AccountCreated is set when a payee token account had to be created first.
	AccountCreated bool
}

// Base64 encodes the unsigned transaction for a wallet.
func (u *Unsigned) Base64() (string, error) {
	raw, err := u.Transaction.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Builder builds payment transactions.
type Builder struct {
	client chain.Client
	funder AccountFunder
	waiter *chain.Waiter
	logger *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithFunder sets the signer used for payee account creation. Without one,
// a missing payee account fails the build with ErrAccountFundingRequired.
func WithFunder(f AccountFunder) Option {
	return func(b *Builder) { b.funder = f }
}

// WithWaiter sets how account creation is awaited.
func WithWaiter(w *chain.Waiter) Option {
	return func(b *Builder) { b.waiter = w }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// New creates a Builder over client.
func New(client chain.Client, opts ...Option) *Builder {
	b := &Builder{
		client: client,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.waiter == nil {
		b.waiter = chain.NewWaiter(client)
	}
	return b
}

// Build produces an unsigned transfer of req.Amount from payer to req.Payee.
// The blockhash is fetched fresh on every call.
func (b *Builder) Build(ctx context.Context, req *x402.Requirement, payer solana.PublicKey) (*Unsigned, error) {
	payee, err := solana.PublicKeyFromBase58(req.Payee)
	if err != nil {
		return nil, buildError(x402.ErrCodeInvalidRequirement, "invalid payee address", false, fmt.Errorf("%w: %v", x402.ErrMalformedRequirement, err))
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 || !req.Amount.IsUint64() {
		return nil, buildError(x402.ErrCodeInvalidRequirement, "amount must be a positive 64-bit integer", false, x402.ErrMalformedRequirement)
	}
	amount := req.Amount.Uint64()

	out := &Unsigned{Payer: payer}
	var instruction solana.Instruction

	if req.IsNative() {
		out.Decimals = x402.NativeDecimals
		instruction = system.NewTransferInstruction(amount, payer, payee).Build()
	} else {
		mint, err := solana.PublicKeyFromBase58(req.Asset)
		if err != nil {
			return nil, buildError(x402.ErrCodeInvalidRequirement, "invalid asset mint", false, fmt.Errorf("%w: %v", x402.ErrMalformedRequirement, err))
		}
		decimals, err := b.resolveDecimals(ctx, req, mint)
		if err != nil {
			return nil, err
		}
		out.Decimals = int(decimals)

		source, _, err := solana.FindAssociatedTokenAddress(payer, mint)
		if err != nil {
			return nil, buildError(x402.ErrCodeBuildFailed, "failed to derive payer token account", false, err)
		}
		destination, _, err := solana.FindAssociatedTokenAddress(payee, mint)
		if err != nil {
			return nil, buildError(x402.ErrCodeBuildFailed, "failed to derive payee token account", false, err)
		}

		exists, err := b.client.AccountExists(ctx, destination)
		if err != nil {
			return nil, buildError(x402.ErrCodeBuildFailed, "failed to look up payee token account", true, err)
		}
		if !exists {
			if err := b.createAccount(ctx, payer, payee, mint); err != nil {
				return nil, err
			}
			out.AccountCreated = true
		}

		instruction = token.NewTransferCheckedInstructionBuilder().
			SetAmount(amount).
			SetDecimals(decimals).
			SetSourceAccount(source).
			SetDestinationAccount(destination).
			SetMintAccount(mint).
			SetOwnerAccount(payer).
			Build()
	}

	bh, err := b.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, buildError(x402.ErrCodeBuildFailed, "failed to fetch blockhash", true, err)
	}
	tx, err := solana.NewTransaction([]solana.Instruction{instruction}, bh.Hash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, buildError(x402.ErrCodeBuildFailed, "failed to assemble transaction", false, err)
	}

	transfer, err := CheckSingleTransfer(tx)
	if err != nil {
		return nil, buildError(x402.ErrCodeBuildFailed, "built transaction has unexpected shape", false, err)
	}

	out.Transaction = tx
	out.Blockhash = *bh
	out.Transfer = transfer
	return out, nil
}

func (b *Builder) resolveDecimals(ctx context.Context, req *x402.Requirement, mint solana.PublicKey) (uint8, error) {
	onChain, err := b.client.MintDecimals(ctx, mint)
	if err != nil {
		return 0, buildError(x402.ErrCodeBuildFailed, "failed to read mint decimals", true, err)
	}
	if req.Decimals != x402.DecimalsUnknown && req.Decimals != int(onChain) {
		return 0, x402.NewPaymentError(x402.StageBuild, x402.ErrCodeProtocolIncompatible,
			fmt.Sprintf("requirement says %d decimals, mint has %d", req.Decimals, onChain), false, x402.ErrProtocolIncompatible)
	}
	return onChain, nil
}

// createAccount creates payee's associated token account in a transaction of
// its own and waits for it to confirm.
func (b *Builder) createAccount(ctx context.Context, payer, owner, mint solana.PublicKey) error {
	if b.funder == nil {
		return x402.NewPaymentError(x402.StageBuild, x402.ErrCodeAccountFundingPending,
			"payee token account does not exist; fund it from the wallet and retry", true, x402.ErrAccountFundingRequired)
	}

	instruction, err := CreateAccountInstruction(payer, owner, mint)
	if err != nil {
		return buildError(x402.ErrCodeBuildFailed, "failed to build account creation", false, err)
	}
	bh, err := b.client.LatestBlockhash(ctx)
	if err != nil {
		return buildError(x402.ErrCodeBuildFailed, "failed to fetch blockhash", true, err)
	}
	tx, err := solana.NewTransaction([]solana.Instruction{instruction}, bh.Hash, solana.TransactionPayer(payer))
	if err != nil {
		return buildError(x402.ErrCodeBuildFailed, "failed to assemble account creation", false, err)
	}
	if err := b.funder.SignFunding(ctx, tx); err != nil {
		return buildError(x402.ErrCodeSignFailed, "failed to sign account creation", false, err)
	}

	sig, err := b.client.SendTransaction(ctx, tx)
	if err != nil {
		return buildError(x402.ErrCodeBroadcastFailed, "failed to submit account creation", true, err)
	}
	b.logger.InfoContext(ctx, "creating payee token account",
		slog.String("owner", owner.String()),
		slog.String("mint", mint.String()),
		slog.String("signature", sig.String()),
	)

	conf, err := b.waiter.Wait(ctx, sig, bh.LastValidBlockHeight)
	if err != nil {
		return buildError(x402.ErrCodeBuildFailed, "interrupted waiting for account creation", true, err)
	}
	if conf.Outcome != chain.OutcomeConfirmed {
		return buildError(x402.ErrCodeBuildFailed, fmt.Sprintf("account creation %s: %s", conf.Outcome, conf.Err), true, nil)
	}
	return nil
}

// CreateAccountInstruction builds an idempotent associated token account
// creation for owner and mint, paid by payer.
func CreateAccountInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ATA: %w", err)
	}
	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsWritable: true},
		{PublicKey: owner},
		{PublicKey: mint},
		{PublicKey: solana.SystemProgramID},
		{PublicKey: solana.TokenProgramID},
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1}), nil
}

// Transfer is the decoded single instruction of a payment transaction.
type Transfer struct {
	Native      bool
	Source      solana.PublicKey
	Destination solana.PublicKey
	Mint        solana.PublicKey
	Owner       solana.PublicKey
	Amount      *big.Int
	Decimals    uint8
}

// CheckSingleTransfer decodes tx and rejects anything other than exactly one
// system Transfer or SPL TransferChecked instruction.
func CheckSingleTransfer(tx *solana.Transaction) (*Transfer, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: no transaction", x402.ErrInstructionShape)
	}
	if n := len(tx.Message.Instructions); n != 1 {
		return nil, fmt.Errorf("%w: found %d instructions", x402.ErrInstructionShape, n)
	}
	ins := tx.Message.Instructions[0]
	program, err := tx.Message.Program(ins.ProgramIDIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInstructionShape, err)
	}
	keys := tx.Message.AccountKeys
	account := func(i int) (solana.PublicKey, error) {
		if int(ins.Accounts[i]) >= len(keys) {
			return solana.PublicKey{}, fmt.Errorf("%w: account index out of range", x402.ErrInstructionShape)
		}
		return keys[ins.Accounts[i]], nil
	}

	switch {
	case program.Equals(solana.SystemProgramID):
		if len(ins.Data) != 12 || binary.LittleEndian.Uint32(ins.Data[:4]) != system.Instruction_Transfer || len(ins.Accounts) != 2 {
			return nil, fmt.Errorf("%w: system instruction is not a transfer", x402.ErrInstructionShape)
		}
		from, err := account(0)
		if err != nil {
			return nil, err
		}
		to, err := account(1)
		if err != nil {
			return nil, err
		}
		return &Transfer{
			Native:      true,
			Source:      from,
			Destination: to,
			Owner:       from,
			Amount:      new(big.Int).SetUint64(binary.LittleEndian.Uint64(ins.Data[4:12])),
			Decimals:    x402.NativeDecimals,
		}, nil

	case program.Equals(solana.TokenProgramID):
		if len(ins.Data) != 10 || ins.Data[0] != token.Instruction_TransferChecked || len(ins.Accounts) < 4 {
			return nil, fmt.Errorf("%w: token instruction is not TransferChecked", x402.ErrInstructionShape)
		}
		var accts [4]solana.PublicKey
		for i := range accts {
			if accts[i], err = account(i); err != nil {
				return nil, err
			}
		}
		return &Transfer{
			Source:      accts[0],
			Mint:        accts[1],
			Destination: accts[2],
			Owner:       accts[3],
			Amount:      new(big.Int).SetUint64(binary.LittleEndian.Uint64(ins.Data[1:9])),
			Decimals:    ins.Data[9],
		}, nil
	}
	return nil, fmt.Errorf("%w: unexpected program %s", x402.ErrInstructionShape, program)
}

func buildError(code, msg string, retryable bool, err error) *x402.PaymentError {
	return x402.NewPaymentError(x402.StageBuild, code, msg, retryable, err)
}
