package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/chain"
	"github.com/becomeliminal/x402-payer/config"
	"github.com/becomeliminal/x402-payer/engine"
	"github.com/becomeliminal/x402-payer/facilitator"
	"github.com/becomeliminal/x402-payer/ledger"
	"github.com/becomeliminal/x402-payer/replay"
	"github.com/becomeliminal/x402-payer/signer"
	"github.com/becomeliminal/x402-payer/verifier"
)

// app holds the components built from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	engine   *engine.Engine
	sessions *signer.MemorySessionStore
	ledger   ledger.Store
	closers  []func() error
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Log.NewLogger(os.Stderr), nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	client, err := newChainClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	s, err := a.newSigner()
	if err != nil {
		return nil, err
	}

	local := verifier.NewLocal(client)
	policy, err := newPolicy(cfg, local, logger)
	if err != nil {
		return nil, err
	}

	if err := a.openLedger(ctx); err != nil {
		return nil, err
	}

	maxAmount, err := x402.ParseAtomic(cfg.Payments.MaxAmount)
	if err != nil {
		a.Close()
		return nil, err
	}

	waiter := chain.NewWaiter(client)
	waiter.Interval = cfg.Confirmation.Interval.Std()
	waiter.Timeout = cfg.Confirmation.Timeout.Std()

	var notifier engine.ExpiryNotifier
	if a.sessions != nil {
		notifier = a.sessions
	}
	a.engine, err = engine.New(engine.Config{
		Network:       cfg.Network,
		Chain:         client,
		Signer:        s,
		Verifier:      policy,
		LocalVerifier: local,
		Waiter:        waiter,
		Replayer:      replay.New(replay.WithLogger(logger)),
		Ledger:        a.ledger,
		Events:        x402.NewSlogSink(logger),
		MaxAmount:     maxAmount,
		StaleAfter:    cfg.Payments.StaleAfter.Std(),
		Logger:        logger,
	}, notifier)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newChainClient(cfg *config.Config, logger *slog.Logger) (*chain.RPCClient, error) {
	endpoint := cfg.RPC.Endpoint
	if endpoint == "" {
		var err error
		if endpoint, err = chain.EndpointForNetwork(cfg.Network); err != nil {
			return nil, err
		}
	}
	opts := []chain.Option{chain.WithLogger(logger)}
	if cfg.RPC.RateLimit > 0 {
		opts = append(opts, chain.WithRateLimit(cfg.RPC.RateLimit, max(cfg.RPC.Burst, 1)))
	}
	if cfg.RPC.Timeout > 0 {
		opts = append(opts, chain.WithTimeout(cfg.RPC.Timeout.Std()))
	}
	return chain.NewRPCClient(endpoint, opts...), nil
}

func (a *app) newSigner() (signer.Signer, error) {
	sc := a.cfg.Signer
	if sc.Mode == config.SignerInteractive {
		wallet, err := solana.PublicKeyFromBase58(sc.Wallet)
		if err != nil {
			return nil, fmt.Errorf("invalid signer.wallet: %w", err)
		}
		a.sessions = signer.NewMemorySessionStore(signer.WithStoreLogger(a.logger))
		return signer.NewInteractive(wallet, a.sessions, signer.WithTTL(sc.SessionTTL.Std())), nil
	}
	if sc.KeyFile != "" {
		return signer.LoadCustodial(sc.KeyFile)
	}
	return signer.NewCustodial(sc.PrivateKey)
}

func newPolicy(cfg *config.Config, local x402.ProofVerifier, logger *slog.Logger) (*verifier.Policy, error) {
	mode, err := cfg.Verifier.Mode()
	if err != nil {
		return nil, err
	}
	var remote x402.ProofVerifier
	if cfg.Verifier.FacilitatorURL != "" {
		remote = verifier.NewRemote(facilitator.NewClient(cfg.Verifier.FacilitatorURL,
			facilitator.WithTimeout(cfg.Verifier.Timeout.Std()),
			facilitator.WithRetries(cfg.Verifier.Retries, cfg.Verifier.RetryDelay.Std()),
			facilitator.WithLogger(logger),
		))
	}
	return verifier.NewPolicy(mode, remote, local, verifier.WithLogger(logger), verifier.WithEvents(x402.NewSlogSink(logger)))
}

func (a *app) openLedger(ctx context.Context) error {
	if a.cfg.Ledger.Driver != config.LedgerPostgres {
		a.ledger = ledger.NewMemoryStore()
		return nil
	}
	store, err := ledger.Open(ctx, a.cfg.Ledger.DSN)
	if err != nil {
		return err
	}
	a.ledger = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// Close releases the ledger connection.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close failed", slog.Any("error", err))
		}
	}
}
