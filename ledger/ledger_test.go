package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	x402 "github.com/becomeliminal/x402-payer"
)

func testAttempt(id string, created time.Time) *x402.PaymentAttempt {
	return &x402.PaymentAttempt{
		ID:        id,
		Resource:  "https://api.example.com/weather",
		Network:   x402.NetworkSolanaDevnet,
		Asset:     x402.USDCDevnet,
		Amount:    "1000",
		Payee:     "payee1",
		Payer:     "payer1",
		Mode:      x402.ModeCustodial,
		Status:    x402.AttemptUnsigned,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Unix(1700000000, 0)

	a := testAttempt("a1", base)
	if err := store.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, a); err == nil {
		t.Error("duplicate create must fail")
	}

	a.Status = x402.AttemptBroadcast
	a.Signature = "5sig"
	if err := store.Update(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != x402.AttemptBroadcast || got.Signature != "5sig" {
		t.Errorf("unexpected attempt %+v", got)
	}

	got.Status = x402.AttemptFailed
	again, _ := store.Get(ctx, "a1")
	if again.Status != x402.AttemptBroadcast {
		t.Error("Get must return a copy")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Update(ctx, testAttempt("missing", base)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Unix(1700000000, 0)

	for i, id := range []string{"a1", "a2", "a3"} {
		a := testAttempt(id, base.Add(time.Duration(i)*time.Second))
		if id == "a2" {
			a.Status = x402.AttemptConfirmed
			a.Payer = "payer2"
		}
		store.Create(ctx, a)
	}

	all, _ := store.List(ctx, Filter{})
	if len(all) != 3 || all[0].ID != "a3" || all[2].ID != "a1" {
		t.Errorf("expected newest first, got %v", ids(all))
	}

	limited, _ := store.List(ctx, Filter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(limited))
	}

	confirmed, _ := store.List(ctx, Filter{Status: x402.AttemptConfirmed})
	if len(confirmed) != 1 || confirmed[0].ID != "a2" {
		t.Errorf("unexpected status filter result %v", ids(confirmed))
	}

	byPayer, _ := store.List(ctx, Filter{Payer: "payer1"})
	if len(byPayer) != 2 {
		t.Errorf("unexpected payer filter result %v", ids(byPayer))
	}
}

func TestMemoryStoreFindOpen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := testAttempt("a1", time.Unix(1700000000, 0))
	store.Create(ctx, a)

	open, err := store.FindOpen(ctx, a.Resource, a.Payer)
	if err != nil || open.ID != "a1" {
		t.Fatalf("expected open attempt, got %v %v", open, err)
	}
	if _, err := store.FindOpen(ctx, a.Resource, "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other payer, got %v", err)
	}

	a.Status = x402.AttemptExpired
	store.Update(ctx, a)
	if _, err := store.FindOpen(ctx, a.Resource, a.Payer); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal attempts are not open, got %v", err)
	}
}

func ids(attempts []*x402.PaymentAttempt) []string {
	out := make([]string, len(attempts))
	for i, a := range attempts {
		out[i] = a.ID
	}
	return out
}
