package engine

import (
	"fmt"
	"log/slog"
	"math/big"
	"time"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/builder"
	"github.com/becomeliminal/x402-payer/chain"
	"github.com/becomeliminal/x402-payer/clock"
	"github.com/becomeliminal/x402-payer/ledger"
	"github.com/becomeliminal/x402-payer/replay"
	"github.com/becomeliminal/x402-payer/signer"
	"github.com/becomeliminal/x402-payer/verifier"
)

// DefaultMaxAmount caps a single payment at 10 USDC in atomic units.
const DefaultMaxAmount = 10_000_000

// Config wires the engine's components.
type Config struct {
	// Network is the chain the engine pays on (e.g. "solana-devnet").
	// Requirements for any other network are refused.
	Network string

	// Chain is required.
	Chain chain.Client

	// Signer is required: a *signer.Custodial or *signer.Interactive.
	Signer signer.Signer

	// Verifier checks proofs after broadcast. Required.
	Verifier x402.ProofVerifier

	// LocalVerifier backs VerifySignature. Defaults to verifier.NewLocal(Chain).
	LocalVerifier x402.ProofVerifier

	// Builder defaults to builder.New(Chain), funded by Signer when it can
	// fund accounts.
	Builder *builder.Builder

	// Waiter defaults to chain.NewWaiter(Chain).
	Waiter *chain.Waiter

	// Replayer defaults to replay.New().
	Replayer *replay.Replayer

	// Ledger defaults to an in-memory store.
	Ledger ledger.Store

	// Events receives every state transition. Defaults to NopSink.
	Events x402.EventSink

	// MaxAmount is the largest amount, in atomic units, the engine will pay
	// without asking. Defaults to DefaultMaxAmount.
	MaxAmount *big.Int

	// StaleAfter is how long an open attempt in the ledger blocks a new
	// attempt for the same resource and payer. Defaults to 2 minutes.
	StaleAfter time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("network is required")
	}
	if c.Chain == nil {
		return fmt.Errorf("chain client is required")
	}
	if c.Signer == nil {
		return fmt.Errorf("signer is required")
	}
	if c.Verifier == nil {
		return fmt.Errorf("verifier is required")
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Events == nil {
		c.Events = x402.NopSink{}
	}
	if c.MaxAmount == nil {
		c.MaxAmount = big.NewInt(DefaultMaxAmount)
	}
	if c.MaxAmount.Sign() <= 0 {
		return fmt.Errorf("max amount must be positive")
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.LocalVerifier == nil {
		c.LocalVerifier = verifier.NewLocal(c.Chain)
	}
	if c.Waiter == nil {
		c.Waiter = chain.NewWaiter(c.Chain)
		c.Waiter.Logger = c.Logger
	}
	if c.Builder == nil {
		opts := []builder.Option{builder.WithWaiter(c.Waiter), builder.WithLogger(c.Logger)}
		if funder, ok := c.Signer.(builder.AccountFunder); ok {
			opts = append(opts, builder.WithFunder(funder))
		}
		c.Builder = builder.New(c.Chain, opts...)
	}
	if c.Replayer == nil {
		c.Replayer = replay.New(replay.WithLogger(c.Logger))
	}
	if c.Ledger == nil {
		c.Ledger = ledger.NewMemoryStore()
	}
	return nil
}
