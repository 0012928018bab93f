package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/becomeliminal/x402-payer/verifier"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "x402.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
network: solana
rpc:
  endpoint: https://rpc.example.com
  rate_limit: 25
signer:
  mode: interactive
  wallet: 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin
  session_ttl: 30s
verifier:
  policy: both-required
  facilitator_url: https://facilitator.example.com
payments:
  max_amount: "5000000"
ledger:
  driver: postgres
  dsn: postgres://x402@localhost/x402
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Network != "solana" || cfg.RPC.Endpoint != "https://rpc.example.com" || cfg.RPC.RateLimit != 25 {
		t.Errorf("unexpected top-level values %+v", cfg)
	}
	if cfg.Signer.SessionTTL.Std() != 30*time.Second {
		t.Errorf("session_ttl = %v, want 30s", cfg.Signer.SessionTTL.Std())
	}
	if mode, _ := cfg.Verifier.Mode(); mode != verifier.ModeBothRequired {
		t.Errorf("policy = %s", mode)
	}
	// untouched fields keep their defaults
	if cfg.Confirmation.Timeout.Std() != 60*time.Second || cfg.Verifier.Retries != 2 {
		t.Errorf("defaults lost: %+v %+v", cfg.Confirmation, cfg.Verifier)
	}
	if level, _ := cfg.Log.SlogLevel(); level != slog.LevelDebug {
		t.Errorf("level = %v", level)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
signer:
  private_key: from-file
`)
	t.Setenv("X402_PRIVATE_KEY", "from-env")
	t.Setenv("X402_MAX_AMOUNT", "42")
	t.Setenv("X402_RPC_RATE_LIMIT", "2.5")
	t.Setenv("X402_SESSION_TTL", "1m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Signer.PrivateKey != "from-env" {
		t.Errorf("environment must win over the file, got %q", cfg.Signer.PrivateKey)
	}
	if cfg.Payments.MaxAmount != "42" || cfg.RPC.RateLimit != 2.5 || cfg.Signer.SessionTTL.Std() != time.Minute {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoadFromEnvPath(t *testing.T) {
	path := writeConfig(t, "signer:\n  private_key: k\nnetwork: solana-devnet\n")
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Signer.PrivateKey != "k" {
		t.Errorf("config not read from %s", EnvConfig)
	}
	if mode, _ := cfg.Verifier.Mode(); mode != verifier.ModeLocalOnly {
		t.Errorf("without a facilitator the policy must be local-only, got %s", mode)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "bad duration",
			content: "signer:\n  private_key: k\n  session_ttl: soon\n",
			wantErr: "invalid duration",
		},
		{
			name:    "duration as number",
			content: "signer:\n  private_key: k\nconfirmation:\n  timeout: [1]\n",
			wantErr: "duration must be a string",
		},
		{
			name:    "bad env duration",
			content: "signer:\n  private_key: k\n",
			env:     map[string]string{"X402_SESSION_TTL": "later"},
			wantErr: "X402_SESSION_TTL",
		},
		{
			name:    "custodial without key",
			content: "network: solana\n",
			wantErr: "custodial mode",
		},
		{
			name:    "interactive without wallet",
			content: "signer:\n  mode: interactive\n",
			wantErr: "signer.wallet",
		},
		{
			name:    "remote policy without facilitator",
			content: "signer:\n  private_key: k\nverifier:\n  policy: remote-only\n",
			wantErr: "facilitator_url",
		},
		{
			name:    "unknown network",
			content: "network: base\nsigner:\n  private_key: k\n",
			wantErr: "unsupported network",
		},
		{
			name:    "postgres without dsn",
			content: "signer:\n  private_key: k\nledger:\n  driver: postgres\n",
			wantErr: "ledger.dsn",
		},
		{
			name:    "zero max amount",
			content: "signer:\n  private_key: k\npayments:\n  max_amount: \"0\"\n",
			wantErr: "max_amount",
		},
		{
			name:    "bad log format",
			content: "signer:\n  private_key: k\nlog:\n  format: xml\n",
			wantErr: "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info must be filtered at warn level, got %q", buf.String())
	}
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Warn("shown")
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}
