// Package config loads the payer's configuration.
//
// Values are layered: built-in defaults, then the YAML file, then X402_*
// environment variables. The result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/verifier"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "X402_CONFIG"

// Signer modes.
const (
	SignerCustodial   = "custodial"
	SignerInteractive = "interactive"
)

// Ledger drivers.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
)

// Duration is a time.Duration written as a string ("45s", "2m") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete payer configuration.
type Config struct {
	// Network is the x402 network the payer settles on.
	Network string `yaml:"network"`

	RPC          RPCConfig          `yaml:"rpc"`
	Signer       SignerConfig       `yaml:"signer"`
	Verifier     VerifierConfig     `yaml:"verifier"`
	Payments     PaymentsConfig     `yaml:"payments"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
}

// RPCConfig configures the Solana JSON-RPC client.
type RPCConfig struct {
	// Endpoint defaults to the public endpoint of Network.
	Endpoint string `yaml:"endpoint"`

	// RateLimit caps requests per second; 0 disables throttling.
	RateLimit float64  `yaml:"rate_limit"`
	Burst     int      `yaml:"burst"`
	Timeout   Duration `yaml:"timeout"`
}

// SignerConfig selects custodial or interactive signing.
type SignerConfig struct {
	Mode string `yaml:"mode"`

	// KeyFile is a solana-keygen JSON keypair, used in custodial mode.
	KeyFile string `yaml:"key_file"`

	// PrivateKey is a base58 key, used in custodial mode when KeyFile is
	// empty. Prefer X402_PRIVATE_KEY over writing it to the file.
	PrivateKey string `yaml:"private_key"`

	// Wallet is the public key that signs in interactive mode.
	Wallet string `yaml:"wallet"`

	SessionTTL Duration `yaml:"session_ttl"`
}

// VerifierConfig selects the verification policy.
type VerifierConfig struct {
	// Policy defaults to remote-first with a facilitator and local-only
	// without one.
	Policy         string   `yaml:"policy"`
	FacilitatorURL string   `yaml:"facilitator_url"`
	Timeout        Duration `yaml:"timeout"`
	Retries        int      `yaml:"retries"`
	RetryDelay     Duration `yaml:"retry_delay"`
}

// PaymentsConfig bounds what the engine will pay.
type PaymentsConfig struct {
	// MaxAmount is in atomic units.
	MaxAmount  string   `yaml:"max_amount"`
	StaleAfter Duration `yaml:"stale_after"`
}

// ConfirmationConfig tunes the confirmation poll.
type ConfirmationConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// LedgerConfig selects where payment attempts are recorded.
type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ServerConfig configures the handoff API.
type ServerConfig struct {
	Addr          string   `yaml:"addr"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Network: x402.NetworkSolanaDevnet,
		RPC: RPCConfig{
			RateLimit: 10,
			Burst:     5,
			Timeout:   Duration(30 * time.Second),
		},
		Signer: SignerConfig{
			Mode:       SignerCustodial,
			SessionTTL: Duration(45 * time.Second),
		},
		Verifier: VerifierConfig{
			Timeout:    Duration(10 * time.Second),
			Retries:    2,
			RetryDelay: Duration(500 * time.Millisecond),
		},
		Payments: PaymentsConfig{
			MaxAmount:  "10000000",
			StaleAfter: Duration(2 * time.Minute),
		},
		Confirmation: ConfirmationConfig{
			Interval: Duration(500 * time.Millisecond),
			Timeout:  Duration(60 * time.Second),
		},
		Ledger: LedgerConfig{Driver: LedgerMemory},
		Server: ServerConfig{
			Addr:          "127.0.0.1:8402",
			SweepInterval: Duration(5 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (or X402_CONFIG when path is empty) over the defaults,
// applies environment overrides and validates. With neither set, the
// defaults and environment alone are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from X402_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("X402_NETWORK", &c.Network)
	str("X402_RPC_ENDPOINT", &c.RPC.Endpoint)
	str("X402_SIGNER_MODE", &c.Signer.Mode)
	str("X402_KEY_FILE", &c.Signer.KeyFile)
	str("X402_PRIVATE_KEY", &c.Signer.PrivateKey)
	str("X402_WALLET", &c.Signer.Wallet)
	dur("X402_SESSION_TTL", &c.Signer.SessionTTL)
	str("X402_VERIFIER_POLICY", &c.Verifier.Policy)
	str("X402_FACILITATOR_URL", &c.Verifier.FacilitatorURL)
	str("X402_MAX_AMOUNT", &c.Payments.MaxAmount)
	str("X402_LEDGER_DRIVER", &c.Ledger.Driver)
	str("X402_LEDGER_DSN", &c.Ledger.DSN)
	str("X402_SERVER_ADDR", &c.Server.Addr)
	str("X402_LOG_LEVEL", &c.Log.Level)
	str("X402_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("X402_RPC_RATE_LIMIT"); ok && v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("X402_RPC_RATE_LIMIT: %w", err))
		} else {
			c.RPC.RateLimit = rps
		}
	}
	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch x402.CanonicalNetwork(c.Network) {
	case x402.NetworkSolana, x402.NetworkSolanaDevnet:
	default:
		errs = append(errs, fmt.Errorf("unsupported network %q", c.Network))
	}

	switch c.Signer.Mode {
	case SignerCustodial:
		if c.Signer.KeyFile == "" && c.Signer.PrivateKey == "" {
			errs = append(errs, fmt.Errorf("signer.key_file or signer.private_key is required in custodial mode"))
		}
	case SignerInteractive:
		if c.Signer.Wallet == "" {
			errs = append(errs, fmt.Errorf("signer.wallet is required in interactive mode"))
		}
		if c.Signer.SessionTTL <= 0 {
			errs = append(errs, fmt.Errorf("signer.session_ttl must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("signer.mode must be %s or %s", SignerCustodial, SignerInteractive))
	}

	mode, err := c.Verifier.Mode()
	if err != nil {
		errs = append(errs, err)
	} else if mode != verifier.ModeLocalOnly && c.Verifier.FacilitatorURL == "" {
		errs = append(errs, fmt.Errorf("verifier.facilitator_url is required by policy %s", mode))
	}
	if c.Verifier.Retries < 0 {
		errs = append(errs, fmt.Errorf("verifier.retries must not be negative"))
	}

	if max, err := x402.ParseAtomic(c.Payments.MaxAmount); err != nil || max.Sign() <= 0 {
		errs = append(errs, fmt.Errorf("payments.max_amount must be a positive integer, got %q", c.Payments.MaxAmount))
	}
	if c.Confirmation.Interval <= 0 || c.Confirmation.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("confirmation.interval and confirmation.timeout must be positive"))
	}
	if c.Server.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("server.sweep_interval must be positive"))
	}

	switch c.Ledger.Driver {
	case LedgerMemory:
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			errs = append(errs, fmt.Errorf("ledger.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver must be %s or %s", LedgerMemory, LedgerPostgres))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Mode resolves Policy.
func (v VerifierConfig) Mode() (verifier.Mode, error) {
	if v.Policy == "" && v.FacilitatorURL == "" {
		return verifier.ModeLocalOnly, nil
	}
	return verifier.ParseMode(v.Policy)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the logger described by l, writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
