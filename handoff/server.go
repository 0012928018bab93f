// Package handoff serves the HTTP API a wallet or agent uses to drive the
// engine: fetching paid resources, approving or rejecting interactive
// signer sessions, and reading payment history.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/engine"
	"github.com/becomeliminal/x402-payer/ledger"
	"github.com/becomeliminal/x402-payer/replay"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
)

// FetchRequest is the body of POST /v1/fetch.
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// SubmitRequest is the body of POST /v1/sessions/{id}/signed.
type SubmitRequest struct {
	Transaction string `json:"transaction"`
}

// SessionView is a pending session with the terms the wallet is asked to
// approve.
type SessionView struct {
	SessionID   string             `json:"sessionId"`
	AttemptID   string             `json:"attemptId"`
	Transaction string             `json:"transaction"`
	Status      x402.SessionStatus `json:"status"`
	ExpiresAt   string             `json:"expiresAt"`
	Amount      string             `json:"amount,omitempty"`
	Asset       string             `json:"asset,omitempty"`
	Payee       string             `json:"payee,omitempty"`
	Resource    string             `json:"resource,omitempty"`
}

// PendingResponse is returned with 202 when a fetch waits for a signature.
type PendingResponse struct {
	State   x402.State           `json:"state"`
	Attempt *x402.PaymentAttempt `json:"attempt"`
	Session *SessionView         `json:"session"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error     string     `json:"error"`
	Code      string     `json:"code,omitempty"`
	Stage     x402.Stage `json:"stage,omitempty"`
	Retryable bool       `json:"retryable"`
	AttemptID string     `json:"attemptId,omitempty"`
}

// Server routes the handoff API.
type Server struct {
	engine *engine.Engine
	mux    *runtime.ServeMux
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New registers the routes on a fresh grpc-gateway mux.
func New(eng *engine.Engine, opts ...Option) (*Server, error) {
	s := &Server{
		engine: eng,
		mux:    runtime.NewServeMux(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/fetch", s.fetch},
		{http.MethodGet, "/v1/sessions/{id}", s.getSession},
		{http.MethodPost, "/v1/sessions/{id}/signed", s.submitSigned},
		{http.MethodPost, "/v1/sessions/{id}/reject", s.reject},
		{http.MethodGet, "/v1/attempts", s.listAttempts},
		{http.MethodGet, "/v1/attempts/{id}", s.getAttempt},
		{http.MethodGet, "/v1/verify/{signature}", s.verify},
	}
	for _, r := range routes {
		if err := s.mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var in FetchRequest
	if err := decodeBody(r, &in); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.URL == "" {
		sendError(w, http.StatusBadRequest, "url is required")
		return
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(r.Context(), method, in.URL, body)
	if err != nil {
		sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	result, err := s.engine.Do(r.Context(), req)
	if err != nil {
		s.sendPaymentError(w, r, err, attemptOf(result))
		return
	}
	if result.Pending() {
		s.sendPending(w, r, result)
		return
	}
	s.forward(w, result)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, params map[string]string) {
	session, err := s.engine.Session(params["id"])
	if err != nil {
		s.sendPaymentError(w, r, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, s.view(r.Context(), session))
}

func (s *Server) submitSigned(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var in SubmitRequest
	if err := decodeBody(r, &in); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Transaction == "" {
		sendError(w, http.StatusBadRequest, "transaction is required")
		return
	}

	result, err := s.engine.SubmitSigned(r.Context(), params["id"], in.Transaction)
	if err != nil {
		s.sendPaymentError(w, r, err, attemptOf(result))
		return
	}
	if result.Response == nil {
		sendJSON(w, http.StatusOK, result.Settlement)
		return
	}
	s.forward(w, result)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, params map[string]string) {
	attempt, err := s.engine.Reject(r.Context(), params["id"])
	if err != nil {
		s.sendPaymentError(w, r, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, attempt)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	filter := ledger.Filter{
		Status: x402.AttemptStatus(q.Get("status")),
		Payer:  q.Get("payer"),
		Limit:  defaultListLimit,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	attempts, err := s.engine.Attempts().List(r.Context(), filter)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to list attempts", slog.Any("error", err))
		sendError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []*x402.PaymentAttempt{}
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

func (s *Server) getAttempt(w http.ResponseWriter, r *http.Request, params map[string]string) {
	attempt, err := s.engine.Attempts().Get(r.Context(), params["id"])
	if errors.Is(err, ledger.ErrNotFound) {
		sendError(w, http.StatusNotFound, "attempt not found")
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to get attempt", slog.Any("error", err))
		sendError(w, http.StatusInternalServerError, "failed to get attempt")
		return
	}
	sendJSON(w, http.StatusOK, attempt)
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request, params map[string]string) {
	q := r.URL.Query()
	payee := q.Get("payee")
	if payee == "" {
		sendError(w, http.StatusBadRequest, "payee is required")
		return
	}
	amount, err := x402.ParseAtomic(q.Get("amount"))
	if err != nil {
		sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid amount: %v", err))
		return
	}

	network := s.engine.Network()
	asset := q.Get("asset")
	if asset == "" {
		asset = "USDC"
	}
	if info, ok := x402.LookupAsset(network, asset); ok {
		asset = info.Mint
	}

	req := &x402.Requirement{
		Scheme:   x402.SchemeExact,
		Network:  network,
		Asset:    asset,
		Amount:   amount,
		Decimals: x402.DecimalsUnknown,
		Payee:    payee,
	}
	res, err := s.engine.VerifySignature(r.Context(), params["signature"], req)
	if err != nil {
		s.sendPaymentError(w, r, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, res)
}

func (s *Server) view(ctx context.Context, session *x402.SignerSession) *SessionView {
	v := &SessionView{
		SessionID:   session.ID,
		AttemptID:   session.AttemptID,
		Transaction: session.UnsignedTransaction,
		Status:      session.Status,
		ExpiresAt:   session.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if attempt, err := s.engine.Attempts().Get(ctx, session.AttemptID); err == nil {
		v.Amount = attempt.Amount
		v.Asset = attempt.Asset
		v.Payee = attempt.Payee
		v.Resource = attempt.Resource
	}
	return v
}

func (s *Server) sendPending(w http.ResponseWriter, r *http.Request, result *engine.Result) {
	sendJSON(w, http.StatusAccepted, &PendingResponse{
		State:   result.State,
		Attempt: result.Attempt,
		Session: s.view(r.Context(), result.Session),
	})
}

// forward writes the upstream response, adding the settlement header when
// the engine paid and the resource did not send one.
func (s *Server) forward(w http.ResponseWriter, result *engine.Result) {
	resp := result.Response
	if result.Paid && resp.Header.Get(x402.HeaderPaymentResponse) == "" && result.Settlement != nil {
		if encoded, err := x402.EncodeSettlement(result.Settlement); err == nil {
			cp := *resp
			cp.Header = resp.Header.Clone()
			if cp.Header == nil {
				cp.Header = http.Header{}
			}
			cp.Header.Set(x402.HeaderPaymentResponse, encoded)
			resp = &cp
		}
	}
	if err := replay.Forward(w, resp); err != nil {
		s.logger.Warn("failed to forward upstream response", slog.Any("error", err))
	}
}

func (s *Server) sendPaymentError(w http.ResponseWriter, r *http.Request, err error, attempt *x402.PaymentAttempt) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "payment failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}

	body := ErrorResponse{
		Error:     err.Error(),
		Code:      x402.GetPaymentErrorCode(err),
		Stage:     x402.StageOf(err),
		Retryable: x402.IsRetryable(err),
	}
	if attempt != nil {
		body.AttemptID = attempt.ID
	}
	sendJSON(w, status, body)
}

// StatusFor maps a payment error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, x402.ErrSessionExpired), errors.Is(err, x402.ErrAttemptExpired):
		return http.StatusGone
	case errors.Is(err, x402.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, x402.ErrAttemptInProgress):
		return http.StatusConflict
	case errors.Is(err, x402.ErrPaymentRejected), errors.Is(err, x402.ErrSessionRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, x402.ErrProtocolIncompatible),
		errors.Is(err, x402.ErrMalformedRequirement),
		errors.Is(err, x402.ErrAmountExceeded),
		errors.Is(err, x402.ErrAccountFundingRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, x402.ErrSignedMismatch), errors.Is(err, x402.ErrMalformedProof), errors.Is(err, x402.ErrInstructionShape):
		return http.StatusBadRequest
	}

	switch x402.StageOf(err) {
	case x402.StageRequest, x402.StageBroadcast, x402.StageReplay:
		return http.StatusBadGateway
	case x402.StageVerify:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func attemptOf(result *engine.Result) *x402.PaymentAttempt {
	if result == nil {
		return nil
	}
	return result.Attempt
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
