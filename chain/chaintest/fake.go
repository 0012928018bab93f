// Package chaintest provides an in-memory chain.Client that simulates the
// effect of simple transfer transactions.
package chaintest

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/chain"
)

// Fee is the lamport fee charged to the fee payer of every simulated transaction.
const Fee = 5000

// BlockhashValidity is the number of blocks a fake blockhash stays valid.
const BlockhashValidity = 150

// FakeClient implements chain.Client. The ...Func fields override the
// simulated behaviour of one call.
type FakeClient struct {
	SendTransactionFunc func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatusFunc func(ctx context.Context, sig solana.Signature) (*chain.SignatureStatus, error)
	TransactionFunc     func(ctx context.Context, sig solana.Signature) (*chain.TransactionRecord, error)
	BlockHeightFunc     func(ctx context.Context) (uint64, error)

	mu         sync.Mutex
	height     uint64
	hashSeq    uint64
	accounts   map[solana.PublicKey]bool
	owners     map[solana.PublicKey]solana.PublicKey
	mints      map[solana.PublicKey]uint8
	records    map[solana.Signature]*chain.TransactionRecord
	sent       []*solana.Transaction
	blockhashs int
	calls      int
}

// NewFakeClient returns an empty simulated chain at block height 1000.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		height:   1000,
		accounts: make(map[solana.PublicKey]bool),
		owners:   make(map[solana.PublicKey]solana.PublicKey),
		mints:    make(map[solana.PublicKey]uint8),
		records:  make(map[solana.Signature]*chain.TransactionRecord),
	}
}

// AddMint registers an SPL mint.
func (f *FakeClient) AddMint(mint solana.PublicKey, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mints[mint] = decimals
	f.accounts[mint] = true
}

// AddTokenAccount creates owner's associated token account for mint.
func (f *FakeClient) AddTokenAccount(owner, mint solana.PublicKey) solana.PublicKey {
	ata, _, _ := solana.FindAssociatedTokenAddress(owner, mint)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[ata] = true
	f.owners[ata] = owner
	return ata
}

// PutRecord stores a transaction record as if it had landed.
func (f *FakeClient) PutRecord(rec *chain.TransactionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Signature] = rec
}

// Record returns the simulated record of sig, if any.
func (f *FakeClient) Record(sig solana.Signature) (*chain.TransactionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[sig]
	return rec, ok
}

// SetHeight moves the simulated block height.
func (f *FakeClient) SetHeight(h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height = h
}

// Sent returns every transaction submitted so far.
func (f *FakeClient) Sent() []*solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*solana.Transaction(nil), f.sent...)
}

// Blockhashes returns how many blockhashes were handed out.
func (f *FakeClient) Blockhashes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockhashs
}

// Calls returns the total number of chain calls made.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeClient) count() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

// LatestBlockhash implements chain.Client. Every call returns a new hash.
func (f *FakeClient) LatestBlockhash(ctx context.Context) (*chain.Blockhash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.blockhashs++
	f.hashSeq++
	var h solana.Hash
	binary.LittleEndian.PutUint64(h[:8], f.hashSeq)
	h[31] = 0x42
	return &chain.Blockhash{Hash: h, LastValidBlockHeight: f.height + BlockhashValidity}, nil
}

// BlockHeight implements chain.Client.
func (f *FakeClient) BlockHeight(ctx context.Context) (uint64, error) {
	f.count()
	if f.BlockHeightFunc != nil {
		return f.BlockHeightFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

// AccountExists implements chain.Client.
func (f *FakeClient) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.accounts[account], nil
}

// MintDecimals implements chain.Client.
func (f *FakeClient) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	d, ok := f.mints[mint]
	if !ok {
		return 0, x402.ErrTransactionNotFound
	}
	return d, nil
}

// SendTransaction implements chain.Client. The transaction's effect is
// applied immediately and recorded as confirmed.
func (f *FakeClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.count()
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()

	if f.SendTransactionFunc != nil {
		return f.SendTransactionFunc(ctx, tx)
	}
	rec := f.Simulate(tx)
	f.PutRecord(rec)
	return rec.Signature, nil
}

// SignatureStatus implements chain.Client.
func (f *FakeClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*chain.SignatureStatus, error) {
	f.count()
	if f.SignatureStatusFunc != nil {
		return f.SignatureStatusFunc(ctx, sig)
	}
	rec, ok := f.Record(sig)
	if !ok {
		return nil, nil
	}
	return &chain.SignatureStatus{Slot: rec.Slot, Confirmed: rec.Confirmed, Finalized: rec.Confirmed, Err: rec.Err}, nil
}

// Transaction implements chain.Client.
func (f *FakeClient) Transaction(ctx context.Context, sig solana.Signature) (*chain.TransactionRecord, error) {
	f.count()
	if f.TransactionFunc != nil {
		return f.TransactionFunc(ctx, sig)
	}
	rec, ok := f.Record(sig)
	if !ok {
		return nil, x402.ErrTransactionNotFound
	}
	return rec, nil
}

// Simulate computes the record a transaction would produce without storing it.
// It understands system transfers, SPL TransferChecked and associated token
// account creation.
func (f *FakeClient) Simulate(tx *solana.Transaction) *chain.TransactionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := &chain.TransactionRecord{
		Slot:         f.height,
		Confirmed:    true,
		Fee:          Fee,
		NativeDeltas: make(map[solana.PublicKey]*big.Int),
	}
	if len(tx.Signatures) > 0 {
		rec.Signature = tx.Signatures[0]
	}
	keys := tx.Message.AccountKeys
	if len(keys) > 0 {
		rec.FeePayer = keys[0]
		addNative(rec, keys[0], -Fee)
	}

	for _, ins := range tx.Message.Instructions {
		program, err := tx.Message.Program(ins.ProgramIDIndex)
		if err != nil {
			continue
		}
		account := func(i int) solana.PublicKey {
			if i >= len(ins.Accounts) || int(ins.Accounts[i]) >= len(keys) {
				return solana.PublicKey{}
			}
			return keys[ins.Accounts[i]]
		}

		switch {
		case program.Equals(solana.SystemProgramID) && len(ins.Data) >= 12 && binary.LittleEndian.Uint32(ins.Data[:4]) == 2:
			lamports := int64(binary.LittleEndian.Uint64(ins.Data[4:12]))
			addNative(rec, account(0), -lamports)
			addNative(rec, account(1), lamports)

		case program.Equals(solana.TokenProgramID) && len(ins.Data) >= 10 && ins.Data[0] == 12:
			amount := new(big.Int).SetUint64(binary.LittleEndian.Uint64(ins.Data[1:9]))
			mint := account(1)
			destOwner, ok := f.owners[account(2)]
			if !ok {
				rec.Err = "InvalidAccountData"
				continue
			}
			rec.TokenDeltas = append(rec.TokenDeltas,
				chain.TokenDelta{Owner: account(3), Mint: mint, Delta: new(big.Int).Neg(amount)},
				chain.TokenDelta{Owner: destOwner, Mint: mint, Delta: amount},
			)

		case program.Equals(solana.SPLAssociatedTokenAccountProgramID):
			ata, owner := account(1), account(2)
			f.accounts[ata] = true
			f.owners[ata] = owner
		}
	}
	return rec
}

func addNative(rec *chain.TransactionRecord, key solana.PublicKey, delta int64) {
	cur, ok := rec.NativeDeltas[key]
	if !ok {
		cur = new(big.Int)
		rec.NativeDeltas[key] = cur
	}
	cur.Add(cur, big.NewInt(delta))
}
