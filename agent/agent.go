// Package agent exposes the payment engine to AI agents as an MCP tool.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/engine"
)

// ToolName is the name agents call.
const ToolName = "x402_pay_for_service"

// maxBodyChars bounds the upstream body echoed back to the agent.
const maxBodyChars = 16 << 10

// Fetcher runs a request through the payment engine. *engine.Engine
// implements it.
type Fetcher interface {
	Do(ctx context.Context, r *http.Request) (*engine.Result, error)
}

// Report is the JSON the tool returns.
type Report struct {
	Paid      bool       `json:"paid"`
	State     x402.State `json:"state"`
	Status    int        `json:"status,omitempty"`
	AttemptID string     `json:"attemptId,omitempty"`
	Amount    string     `json:"amount,omitempty"`
	Asset     string     `json:"asset,omitempty"`
	Payee     string     `json:"payee,omitempty"`
	Signature string     `json:"signature,omitempty"`

	// SessionID is set when a wallet must approve the payment first.
	SessionID string `json:"sessionId,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`

	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Tool handles calls to x402_pay_for_service.
type Tool struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// Option configures a Tool.
type Option func(*Tool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tool) { t.logger = logger }
}

// NewTool creates the tool handler.
func NewTool(fetcher Fetcher, opts ...Option) *Tool {
	t := &Tool{fetcher: fetcher, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Definition describes the tool to MCP clients.
func (t *Tool) Definition() mcp.Tool {
	return mcp.NewTool(ToolName,
		mcp.WithDescription("Call an HTTP service, paying for it on Solana when it answers 402 Payment Required. "+
			"Reports whether a payment was made and returns the service's response."),
		mcp.WithString("url", mcp.Required(), mcp.Description("URL of the service")),
		mcp.WithString("method", mcp.Description("HTTP method, GET by default")),
		mcp.WithString("body", mcp.Description("Request body, sent as JSON")),
	)
}

// NewServer creates an MCP server carrying the tool.
func NewServer(fetcher Fetcher, version string, opts ...Option) *server.MCPServer {
	s := server.NewMCPServer("x402-payer", version)
	t := NewTool(fetcher, opts...)
	s.AddTool(t.Definition(), t.Handle)
	return s
}

// Handle implements server.ToolHandlerFunc. Payment failures are reported
// as tool errors, not protocol errors, so the agent can read them.
func (t *Tool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	url, _ := args["url"].(string)
	if url == "" {
		return mcp.NewToolResultError("url is required"), nil
	}
	method, _ := args["method"].(string)
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	body, _ := args["body"].(string)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid request: %v", err)), nil
	}
	if body != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	result, err := t.fetcher.Do(ctx, httpReq)
	report := buildReport(result, err)
	if err != nil {
		t.logger.WarnContext(ctx, "paid call failed", slog.String("url", url), slog.Any("error", err))
	}

	out, merr := json.MarshalIndent(report, "", "  ")
	if merr != nil {
		return nil, fmt.Errorf("failed to encode report: %w", merr)
	}
	if err != nil {
		return mcp.NewToolResultError(string(out)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func buildReport(result *engine.Result, err error) *Report {
	report := &Report{State: x402.StateFailed}
	if err != nil {
		report.Error = err.Error()
		report.Code = x402.GetPaymentErrorCode(err)
	}
	if result == nil {
		return report
	}

	report.Paid = result.Paid
	report.State = result.State
	if req := result.Requirement; req != nil {
		report.Amount = req.DisplayAmount()
		report.Asset = assetName(req)
		report.Payee = req.Payee
	}
	if a := result.Attempt; a != nil {
		report.AttemptID = a.ID
		report.Signature = a.Signature
	}
	if s := result.Session; s != nil {
		report.SessionID = s.ID
		report.ExpiresAt = s.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if resp := result.Response; resp != nil {
		report.Status = resp.StatusCode
		report.ContentType = resp.ContentType
		report.Body, report.Truncated = truncate(string(resp.Body), maxBodyChars)
	}
	return report
}

func assetName(req *x402.Requirement) string {
	if info, ok := x402.LookupAsset(req.Network, req.Asset); ok {
		return info.Symbol
	}
	return req.Asset
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n], true
}
