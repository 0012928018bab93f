// Package chain is the engine's view of the Solana ledger: submit a signed
// transaction, follow its confirmation, and read the balance changes it made.
package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/becomeliminal/x402-payer"
)

// ErrBlockhashExpired reports that the chain refused a transaction because its
// recent blockhash is no longer valid.
var ErrBlockhashExpired = errors.New("chain: blockhash expired")

// ErrSendRejected reports that a transaction certainly did not reach the
// chain: the node answered with an error, or the request was never made.
// Any other send error leaves the transaction's fate unknown.
var ErrSendRejected = errors.New("chain: transaction rejected")

// Client is the capability set the builder, engine and local verifier need.
// Implementations must be safe for concurrent use.
type Client interface {
	// LatestBlockhash fetches fresh expiry material for a new transaction.
	LatestBlockhash(ctx context.Context) (*Blockhash, error)

	// BlockHeight returns the current block height used to decide expiry.
	BlockHeight(ctx context.Context) (uint64, error)

	// AccountExists reports whether an account is initialised on-chain.
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)

	// MintDecimals returns the decimals of an SPL mint.
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)

	// SendTransaction submits a signed transaction.
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// SignatureStatus returns the status of sig, or nil if the cluster does not know it.
	SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)

	// Transaction fetches a transaction and its balance changes. It returns
	// x402.ErrTransactionNotFound if the cluster has no record of it.
	Transaction(ctx context.Context, sig solana.Signature) (*TransactionRecord, error)
}

// Blockhash is recent-blockhash expiry material.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// SignatureStatus is the cluster's view of a submitted signature.
type SignatureStatus struct {
	Slot      uint64
	Confirmed bool
	Finalized bool
	Err       string
}

// TokenDelta is the change of one owner's balance of one mint.
type TokenDelta struct {
	Owner solana.PublicKey
	Mint  solana.PublicKey
	Delta *big.Int
}

// TransactionRecord is a fetched transaction reduced to what verification needs.
type TransactionRecord struct {
	Signature    solana.Signature
	Slot         uint64
	Confirmed    bool
	Err          string
	FeePayer     solana.PublicKey
	Fee          uint64
	NativeDeltas map[solana.PublicKey]*big.Int
	TokenDeltas  []TokenDelta
}

// Received returns how much of asset owner gained in the transaction. Native
// amounts are in lamports.
func (r *TransactionRecord) Received(owner solana.PublicKey, asset string) *big.Int {
	total := new(big.Int)
	if x402.IsNativeAsset(asset) {
		if d, ok := r.NativeDeltas[owner]; ok {
			total.Set(d)
		}
		return total
	}
	mint, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return total
	}
	for _, td := range r.TokenDeltas {
		if td.Owner.Equals(owner) && td.Mint.Equals(mint) {
			total.Add(total, td.Delta)
		}
	}
	return total
}

// Recipients lists the accounts whose balance of asset increased. The fee
// payer never counts as a native recipient.
func (r *TransactionRecord) Recipients(asset string) []solana.PublicKey {
	var out []solana.PublicKey
	if x402.IsNativeAsset(asset) {
		for k, d := range r.NativeDeltas {
			if d.Sign() > 0 && !k.Equals(r.FeePayer) {
				out = append(out, k)
			}
		}
		return out
	}
	mint, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return nil
	}
	for _, td := range r.TokenDeltas {
		if td.Mint.Equals(mint) && td.Delta.Sign() > 0 {
			out = append(out, td.Owner)
		}
	}
	return out
}

// IsBlockhashExpired reports whether err is the chain rejecting stale
// expiry material.
func IsBlockhashExpired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBlockhashExpired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"blockhash not found",
		"blockhashnotfound",
		"block height exceeded",
		"blockhash_expired",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
