// Package facilitator is an HTTP client for an x402 facilitator service.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/clock"
)

// Client handles communication with an x402 facilitator. Every failure that
// is not an explicit verdict from the facilitator (transport errors,
// timeouts, non-2xx statuses, undecodable bodies) wraps
// x402.ErrFacilitatorUnavailable and is retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	clock      clock.Clock
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds each individual call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetries sets how many times a soft failure is retried and the initial
// backoff, which doubles per retry.
func WithRetries(n int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = max(n, 0)
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

// WithClock sets the clock that times retry backoff.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a facilitator client. Defaults: 10s per call, 2 retries
// starting at 200ms.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    10 * time.Second,
		maxRetries: 2,
		retryDelay: 200 * time.Millisecond,
		clock:      clock.Real(),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify checks if a payment is valid via POST /verify.
func (c *Client) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes the payment via POST /settle.
func (c *Client) Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error) {
	var resp SettleResponse
	if err := c.post(ctx, "/settle", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	delay := c.retryDelay
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WarnContext(ctx, "retrying facilitator call",
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, ctx.Err())
			case <-c.clock.After(delay):
			}
			delay *= 2
		}

		lastErr = c.do(ctx, path, body, out)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, path string, body []byte, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", x402.ErrFacilitatorUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s returned status %d: %s", x402.ErrFacilitatorUnavailable, path, resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", x402.ErrFacilitatorUnavailable, path, err)
	}
	return nil
}
