// Package replay re-issues a recorded request with a payment proof attached
// and hands the upstream response back unchanged.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	x402 "github.com/becomeliminal/x402-payer"
)

// Result is the upstream response to a paid request.
type Result struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string

	// Settlement is the decoded X-PAYMENT-RESPONSE header, if the resource sent one.
	Settlement *x402.SettlementResponse
}

// Replayer sends paid requests.
type Replayer struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Replayer) { r.client = hc }
}

// WithTimeout bounds a replay.
func WithTimeout(d time.Duration) Option {
	return func(r *Replayer) { r.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replayer) { r.logger = logger }
}

// New creates a Replayer. Default timeout is 30s.
func New(opts ...Option) *Replayer {
	r := &Replayer{
		client:  http.DefaultClient,
		timeout: 30 * time.Second,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send issues rec without a proof. The engine uses it for the first,
// unpaid request.
func (r *Replayer) Send(ctx context.Context, rec *x402.RecordedRequest) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := rec.NewRequest(ctx)
	if err != nil {
		return nil, x402.NewPaymentError(x402.StageRequest, x402.ErrCodeRequestFailed, "failed to build request", false, err)
	}
	result, err := r.do(ctx, req)
	if err != nil {
		return nil, x402.NewPaymentError(x402.StageRequest, x402.ErrCodeRequestFailed, "request failed", true, err)
	}
	return result, nil
}

// Replay re-issues rec with the X-PAYMENT header set to proof. The recorded
// body bytes are sent as they are.
func (r *Replayer) Replay(ctx context.Context, rec *x402.RecordedRequest, proof *x402.PaymentProof) (*Result, error) {
	header, err := x402.EncodeProof(proof)
	if err != nil {
		return nil, replayError("failed to encode proof", false, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := rec.NewRequest(ctx)
	if err != nil {
		return nil, replayError("failed to rebuild request", false, err)
	}
	req.Header.Set(x402.HeaderPayment, header)

	result, err := r.do(ctx, req)
	if err != nil {
		return nil, replayError("paid request failed", true, err)
	}
	return result, nil
}

func (r *Replayer) do(ctx context.Context, req *http.Request) (*Result, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	result := &Result{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header.Clone(),
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if raw := resp.Header.Get(x402.HeaderPaymentResponse); raw != "" {
		settlement, err := x402.DecodeSettlement(raw)
		if err != nil {
			r.logger.WarnContext(ctx, "ignoring undecodable settlement header", slog.Any("error", err))
		} else {
			result.Settlement = settlement
		}
	}
	return result, nil
}

// Response rebuilds an *http.Response around res, for parsers that
// expect one.
func (res *Result) Response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    res.StatusCode,
		Status:        fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode)),
		Header:        res.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
		Request:       req,
	}
}

// Forward writes result to w: status, content type and body verbatim, plus
// the settlement header exposed to cross-origin callers.
func Forward(w http.ResponseWriter, result *Result) error {
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	if raw := result.Header.Get(x402.HeaderPaymentResponse); raw != "" {
		w.Header().Set(x402.HeaderPaymentResponse, raw)
		w.Header().Set("Access-Control-Expose-Headers", x402.HeaderPaymentResponse)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Body)))
	w.WriteHeader(result.StatusCode)
	if _, err := w.Write(result.Body); err != nil {
		return fmt.Errorf("failed to forward body: %w", err)
	}
	return nil
}

func replayError(msg string, retryable bool, err error) *x402.PaymentError {
	return x402.NewPaymentError(x402.StageReplay, x402.ErrCodeReplayFailed, msg, retryable, err)
}
