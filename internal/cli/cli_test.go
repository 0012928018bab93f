package cli

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/chain/chaintest"
	"github.com/becomeliminal/x402-payer/config"
	"github.com/becomeliminal/x402-payer/engine"
	"github.com/becomeliminal/x402-payer/ledger"
	"github.com/becomeliminal/x402-payer/signer"
	"github.com/becomeliminal/x402-payer/verifier"
)

func TestWriteKeypairLoadsAsCustodial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payer.json")

	pub, err := writeKeypair(path, false)
	if err != nil {
		t.Fatalf("writeKeypair failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	s, err := signer.LoadCustodial(path)
	if err != nil {
		t.Fatalf("keypair does not load: %v", err)
	}
	if !s.PublicKey().Equals(pub) {
		t.Errorf("loaded key %s, wrote %s", s.PublicKey(), pub)
	}

	if _, err := writeKeypair(path, false); err == nil {
		t.Error("expected refusal to overwrite without force")
	}
	if _, err := writeKeypair(path, true); err != nil {
		t.Errorf("force overwrite failed: %v", err)
	}
}

func TestParseHeaders(t *testing.T) {
	h, err := parseHeaders([]string{"Accept: application/json", "X-Trace:abc", "X-Multi: a", "X-Multi: b"})
	if err != nil {
		t.Fatal(err)
	}
	if h.Get("Accept") != "application/json" || h.Get("X-Trace") != "abc" {
		t.Errorf("unexpected headers %v", h)
	}
	if got := h.Values("X-Multi"); len(got) != 2 {
		t.Errorf("expected repeated header values, got %v", got)
	}

	for _, bad := range []string{"no-colon", ": empty-name"} {
		if _, err := parseHeaders([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, cmd := range []string{"list", "get"} {
		if c, _, err := attemptsCmd.Find([]string{cmd}); err != nil || c.Name() != cmd {
			t.Errorf("attempts %s not registered", cmd)
		}
	}
	if f := verifyCmd.Flags().Lookup("asset"); f == nil || f.DefValue != "USDC" {
		t.Error("verify --asset should default to USDC")
	}
}

func TestHandoffServerForInteractiveSigner(t *testing.T) {
	fake := chaintest.NewFakeClient()
	policy, err := verifier.NewPolicy(verifier.ModeLocalOnly, nil, verifier.NewLocal(fake))
	if err != nil {
		t.Fatal(err)
	}
	sessions := signer.NewMemorySessionStore()
	eng, err := engine.New(engine.Config{
		Network:  x402.NetworkSolanaDevnet,
		Chain:    fake,
		Signer:   signer.NewInteractive(solana.NewWallet().PublicKey(), sessions),
		Verifier: policy,
		Ledger:   ledger.NewMemoryStore(),
	}, sessions)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	a := &app{cfg: cfg, logger: slog.New(slog.DiscardHandler), engine: eng, sessions: sessions}

	srv, err := newHandoffServer(a, cfg.Server.Addr)
	if err != nil {
		t.Fatal(err)
	}
	if srv.Addr != cfg.Server.Addr {
		t.Errorf("expected addr %s, got %s", cfg.Server.Addr, srv.Addr)
	}

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown session, got %d", w.Code)
	}
}
