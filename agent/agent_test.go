package agent

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/engine"
	"github.com/becomeliminal/x402-payer/replay"
)

type mockFetcher struct {
	DoFunc func(ctx context.Context, r *http.Request) (*engine.Result, error)
	last   *http.Request
}

func (m *mockFetcher) Do(ctx context.Context, r *http.Request) (*engine.Result, error) {
	m.last = r
	return m.DoFunc(ctx, r)
}

func call(t *testing.T, tool *Tool, args map[string]interface{}) (*mcp.CallToolResult, *Report) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = ToolName
	req.Params.Arguments = args

	res, err := tool.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	var report Report
	if err := json.Unmarshal([]byte(text.Text), &report); err != nil {
		// plain error text
		return res, nil
	}
	return res, &report
}

func usdcRequirement() *x402.Requirement {
	return &x402.Requirement{
		Scheme:   x402.SchemeExact,
		Network:  x402.NetworkSolanaDevnet,
		Asset:    x402.USDCDevnet,
		Amount:   big.NewInt(1500),
		Decimals: 6,
		Payee:    "payee111",
	}
}

func TestHandleReportsPayment(t *testing.T) {
	fetcher := &mockFetcher{DoFunc: func(ctx context.Context, r *http.Request) (*engine.Result, error) {
		return &engine.Result{
			State:       x402.StateDone,
			Paid:        true,
			Requirement: usdcRequirement(),
			Attempt:     &x402.PaymentAttempt{ID: "att-1", Signature: "sig111"},
			Response:    &replay.Result{StatusCode: http.StatusOK, ContentType: "application/json", Body: []byte(`{"temp":21}`)},
		}, nil
	}}

	res, report := call(t, NewTool(fetcher), map[string]interface{}{
		"url":    "https://api.example.com/weather",
		"method": "post",
		"body":   `{"city":"Lisbon"}`,
	})
	if res.IsError {
		t.Fatal("successful payment must not be a tool error")
	}
	if report == nil {
		t.Fatal("expected a JSON report")
	}
	if !report.Paid || report.State != x402.StateDone || report.Status != http.StatusOK {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Amount != "0.0015" || report.Asset != "USDC" {
		t.Errorf("amount must be shown in display units, got %s %s", report.Amount, report.Asset)
	}
	if report.Body != `{"temp":21}` || report.Signature != "sig111" || report.AttemptID != "att-1" {
		t.Errorf("unexpected report %+v", report)
	}

	if fetcher.last.Method != http.MethodPost {
		t.Errorf("method = %s", fetcher.last.Method)
	}
	sent, _ := io.ReadAll(fetcher.last.Body)
	if string(sent) != `{"city":"Lisbon"}` || fetcher.last.Header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected request body %q", sent)
	}
}

func TestHandleReportsFailure(t *testing.T) {
	fetcher := &mockFetcher{DoFunc: func(ctx context.Context, r *http.Request) (*engine.Result, error) {
		return &engine.Result{State: x402.StateFailed, Requirement: usdcRequirement()},
			x402.NewPaymentError(x402.StageBuild, x402.ErrCodeAmountExceeded, "too expensive", false, x402.ErrAmountExceeded)
	}}

	res, report := call(t, NewTool(fetcher), map[string]interface{}{"url": "https://api.example.com/weather"})
	if !res.IsError {
		t.Error("failed payment must be a tool error")
	}
	if report == nil || report.Code != x402.ErrCodeAmountExceeded || report.Paid {
		t.Errorf("unexpected report %+v", report)
	}
	if fetcher.last.Method != http.MethodGet {
		t.Errorf("default method must be GET, got %s", fetcher.last.Method)
	}
}

func TestHandleReportsPendingSession(t *testing.T) {
	fetcher := &mockFetcher{DoFunc: func(ctx context.Context, r *http.Request) (*engine.Result, error) {
		return &engine.Result{
			State:       x402.StateAwaitingSignature,
			Requirement: usdcRequirement(),
			Session:     &x402.SignerSession{ID: "sess-1"},
		}, nil
	}}

	_, report := call(t, NewTool(fetcher), map[string]interface{}{"url": "https://api.example.com/weather"})
	if report == nil || report.SessionID != "sess-1" || report.State != x402.StateAwaitingSignature {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestHandleRequiresURL(t *testing.T) {
	fetcher := &mockFetcher{DoFunc: func(ctx context.Context, r *http.Request) (*engine.Result, error) {
		t.Error("nothing must be fetched")
		return nil, nil
	}}

	res, _ := call(t, NewTool(fetcher), map[string]interface{}{})
	if !res.IsError {
		t.Error("expected tool error")
	}
}

func TestTruncate(t *testing.T) {
	s, cut := truncate("héllo", 2)
	if s != "h" || !cut {
		t.Errorf("truncate must not split a rune, got %q %v", s, cut)
	}
	s, cut = truncate("hello", 10)
	if s != "hello" || cut {
		t.Errorf("short strings are kept, got %q %v", s, cut)
	}
	if long, cut := truncate(strings.Repeat("a", maxBodyChars+1), maxBodyChars); len(long) != maxBodyChars || !cut {
		t.Error("long bodies must be truncated")
	}
}

func TestDefinition(t *testing.T) {
	def := NewTool(&mockFetcher{}).Definition()
	if def.Name != ToolName {
		t.Errorf("name = %s", def.Name)
	}
	if len(def.InputSchema.Required) != 1 || def.InputSchema.Required[0] != "url" {
		t.Errorf("only url is required, got %v", def.InputSchema.Required)
	}
}
