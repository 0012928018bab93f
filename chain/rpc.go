package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/time/rate"

	x402 "github.com/becomeliminal/x402-payer"
)

// RPCAPI is the subset of *rpc.Client used by RPCClient.
type RPCAPI interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetTokenSupply(ctx context.Context, mint solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenSupplyResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// RPCClient implements Client over a Solana JSON-RPC endpoint. Every call is
// throttled by a shared token bucket and bounded by a per-call timeout.
type RPCClient struct {
	api        RPCAPI
	limiter    *rate.Limiter
	commitment rpc.CommitmentType
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures an RPCClient.
type Option func(*RPCClient)

// WithRateLimit caps RPC calls at rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *RPCClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithCommitment sets the commitment level used for reads.
func WithCommitment(commitment rpc.CommitmentType) Option {
	return func(c *RPCClient) { c.commitment = commitment }
}

// WithTimeout bounds each RPC call.
func WithTimeout(d time.Duration) Option {
	return func(c *RPCClient) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *RPCClient) { c.logger = logger }
}

// WithAPI replaces the underlying JSON-RPC client.
func WithAPI(api RPCAPI) Option {
	return func(c *RPCClient) { c.api = api }
}

// NewRPCClient connects to endpoint. Defaults: 10 requests/s, confirmed
// commitment, 15s per call.
func NewRPCClient(endpoint string, opts ...Option) *RPCClient {
	c := &RPCClient{
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		commitment: rpc.CommitmentConfirmed,
		timeout:    15 * time.Second,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.api == nil {
		c.api = rpc.New(endpoint)
	}
	return c
}

// EndpointForNetwork returns the public RPC endpoint for a network name.
func EndpointForNetwork(network string) (string, error) {
	switch x402.CanonicalNetwork(network) {
	case x402.NetworkSolana:
		return rpc.MainNetBeta_RPC, nil
	case x402.NetworkSolanaDevnet:
		return rpc.DevNet_RPC, nil
	}
	return "", fmt.Errorf("no default RPC endpoint for network %q", network)
}

func (c *RPCClient) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limiter: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	return callCtx, cancel, nil
}

// LatestBlockhash implements Client.
func (c *RPCClient) LatestBlockhash(ctx context.Context) (*Blockhash, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := c.api.GetLatestBlockhash(callCtx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}
	if res == nil || res.Value == nil {
		return nil, fmt.Errorf("failed to get blockhash: empty result")
	}
	return &Blockhash{Hash: res.Value.Blockhash, LastValidBlockHeight: res.Value.LastValidBlockHeight}, nil
}

// BlockHeight implements Client.
func (c *RPCClient) BlockHeight(ctx context.Context) (uint64, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	h, err := c.api.GetBlockHeight(callCtx, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("failed to get block height: %w", err)
	}
	return h, nil
}

// AccountExists implements Client.
func (c *RPCClient) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	res, err := c.api.GetAccountInfo(callCtx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get account %s: %w", account, err)
	}
	return res != nil && res.Value != nil, nil
}

// MintDecimals implements Client.
func (c *RPCClient) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	res, err := c.api.GetTokenSupply(callCtx, mint, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("failed to get token supply for %s: %w", mint, err)
	}
	if res == nil || res.Value == nil {
		return 0, fmt.Errorf("failed to get token supply for %s: empty result", mint)
	}
	return res.Value.Decimals, nil
}

// SendTransaction implements Client. Preflight runs at finalized commitment
// so a stale blockhash is reported as ErrBlockhashExpired. Errors the node
// itself returned wrap ErrSendRejected; transport errors and timeouts do not.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", ErrSendRejected, err)
	}
	defer cancel()

	sig, err := c.api.SendTransactionWithOpts(callCtx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		if IsBlockhashExpired(err) {
			return solana.Signature{}, fmt.Errorf("%w: %v", ErrBlockhashExpired, err)
		}
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return solana.Signature{}, fmt.Errorf("%w: %v", ErrSendRejected, err)
		}
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	c.logger.DebugContext(ctx, "transaction sent", slog.String("signature", sig.String()))
	return sig, nil
}

// SignatureStatus implements Client. History is searched so that old
// signatures are still found during reconciliation.
func (c *RPCClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := c.api.GetSignatureStatuses(callCtx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return nil, nil
	}
	v := res.Value[0]
	status := &SignatureStatus{
		Slot:      v.Slot,
		Confirmed: v.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || v.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
		Finalized: v.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
	}
	if v.Err != nil {
		status.Err = fmt.Sprint(v.Err)
	}
	return status, nil
}

// Transaction implements Client.
func (c *RPCClient) Transaction(ctx context.Context, sig solana.Signature) (*TransactionRecord, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	maxVersion := uint64(0)
	res, err := c.api.GetTransaction(callCtx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && res == nil) {
		return nil, x402.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", sig, err)
	}
	return RecordFromResult(sig, res)
}

// RecordFromResult reduces a getTransaction result to balance deltas.
func RecordFromResult(sig solana.Signature, res *rpc.GetTransactionResult) (*TransactionRecord, error) {
	if res.Transaction == nil || res.Meta == nil {
		return nil, fmt.Errorf("transaction %s has no meta", sig)
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", sig, err)
	}

	meta := res.Meta
	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, meta.LoadedAddresses.Writable...)
	keys = append(keys, meta.LoadedAddresses.ReadOnly...)

	rec := &TransactionRecord{
		Signature:    sig,
		Slot:         res.Slot,
		Confirmed:    true,
		Fee:          meta.Fee,
		NativeDeltas: make(map[solana.PublicKey]*big.Int),
	}
	if len(keys) > 0 {
		rec.FeePayer = keys[0]
	}
	if meta.Err != nil {
		rec.Err = fmt.Sprint(meta.Err)
	}

	for i, key := range keys {
		if i >= len(meta.PreBalances) || i >= len(meta.PostBalances) {
			break
		}
		delta := new(big.Int).SetUint64(meta.PostBalances[i])
		delta.Sub(delta, new(big.Int).SetUint64(meta.PreBalances[i]))
		if delta.Sign() != 0 {
			rec.NativeDeltas[key] = delta
		}
	}

	rec.TokenDeltas = tokenDeltas(meta.PreTokenBalances, meta.PostTokenBalances)
	return rec, nil
}

type tokenKey struct {
	owner solana.PublicKey
	mint  solana.PublicKey
}

func tokenDeltas(pre, post []rpc.TokenBalance) []TokenDelta {
	sums := make(map[tokenKey]*big.Int)
	var order []tokenKey

	add := func(b rpc.TokenBalance, sign int) {
		if b.Owner == nil || b.UiTokenAmount == nil {
			return
		}
		amount, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
		if !ok {
			return
		}
		k := tokenKey{owner: *b.Owner, mint: b.Mint}
		if _, seen := sums[k]; !seen {
			sums[k] = new(big.Int)
			order = append(order, k)
		}
		if sign < 0 {
			sums[k].Sub(sums[k], amount)
		} else {
			sums[k].Add(sums[k], amount)
		}
	}
	for _, b := range pre {
		add(b, -1)
	}
	for _, b := range post {
		add(b, 1)
	}

	out := make([]TokenDelta, 0, len(order))
	for _, k := range order {
		if sums[k].Sign() != 0 {
			out = append(out, TokenDelta{Owner: k.owner, Mint: k.mint, Delta: sums[k]})
		}
	}
	return out
}
