// Package engine drives a payment from the first 402 response to the
// replayed, paid request:
//
//	start → challenged → building → (awaiting_signature) → signed →
//	broadcasting → verifying → settled → replaying → done
//
// with failed, expired and unknown as terminal alternatives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/chain"
	"github.com/becomeliminal/x402-payer/ledger"
	"github.com/becomeliminal/x402-payer/replay"
	"github.com/becomeliminal/x402-payer/signer"
)

// expiredRetention is how long an expired session id is remembered so that
// a late submission can be told apart from an unknown one.
const expiredRetention = 10 * time.Minute

// Result is the outcome of Do or SubmitSigned.
type Result struct {
	State x402.State

	// Paid is set once a payment has been verified, whatever the upstream
	// status of the replay turns out to be.
	Paid bool

	Attempt      *x402.PaymentAttempt
	Requirement  *x402.Requirement
	Proof        *x402.PaymentProof
	Verification *x402.VerificationResult

	// Session is set while the payment waits for a wallet signature.
	Session *x402.SignerSession

	// Settlement is the resource's settlement header, or one derived from
	// the verification result when the resource sent none.
	Settlement *x402.SettlementResponse

	// Response is the last upstream response: the pass-through response,
	// the 402 challenge on failure, or the paid response.
	Response *replay.Result
}

// Pending reports whether the payment waits for a wallet signature.
func (r *Result) Pending() bool {
	return r.State == x402.StateAwaitingSignature
}

// Settlement is the outcome of Pay.
type Settlement struct {
	State        x402.State
	Attempt      *x402.PaymentAttempt
	Proof        *x402.PaymentProof
	Verification *x402.VerificationResult
	Session      *x402.SignerSession

	// Reconciled is set when confirmation came from a history lookup after
	// expiry or timeout.
	Reconciled bool
}

// SessionSigner is a Signer whose signatures arrive later through sessions.
type SessionSigner interface {
	signer.Signer
	Session(id string) (*x402.SignerSession, error)
	SubmitSigned(ctx context.Context, sessionID, signedB64 string) (*signer.Signed, *x402.SignerSession, error)
	Reject(sessionID string) (*x402.SignerSession, error)
}

// ExpiryNotifier reports sessions that lapsed without a signature.
type ExpiryNotifier interface {
	SetExpiryCallback(fn func(*x402.SignerSession))
}

type continuation struct {
	attempt *x402.PaymentAttempt
	req     *x402.Requirement
	rec     *x402.RecordedRequest
}

// Engine runs payments. It is safe for concurrent use; attempts for
// different resources proceed independently.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	inflight map[string]struct{}
	pending  map[string]*continuation
	expired  map[string]time.Time
}

// New validates cfg and creates an engine. When sessions is non-nil the
// engine resolves attempts whose signer session expires.
func New(cfg Config, sessions ExpiryNotifier) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	e := &Engine{
		cfg:      cfg,
		inflight: make(map[string]struct{}),
		pending:  make(map[string]*continuation),
		expired:  make(map[string]time.Time),
	}
	if sessions != nil {
		sessions.SetExpiryCallback(e.SessionExpired)
	}
	return e, nil
}

// Attempts returns the attempt ledger.
func (e *Engine) Attempts() ledger.Store {
	return e.cfg.Ledger
}

// Network returns the network the engine pays on.
func (e *Engine) Network() string {
	return e.cfg.Network
}

// Do sends r and, if the resource answers 402, pays and replays it. Any
// other status is returned untouched without building a transaction.
func (e *Engine) Do(ctx context.Context, r *http.Request) (*Result, error) {
	rec, err := x402.RecordRequest(r)
	if err != nil {
		return nil, x402.NewPaymentError(x402.StageRequest, x402.ErrCodeRequestFailed, "failed to read request", false, err)
	}

	first, err := e.cfg.Replayer.Send(ctx, rec)
	if err != nil {
		e.emit(ctx, x402.Event{Type: x402.EventFailed, State: x402.StateFailed, Stage: x402.StageRequest, URL: rec.URL, Err: err})
		return nil, err
	}

	if first.StatusCode != http.StatusPaymentRequired {
		e.emit(ctx, x402.Event{Type: x402.EventPassthrough, State: x402.StateDone, URL: rec.URL, Status: first.StatusCode})
		return &Result{State: x402.StateDone, Response: first}, nil
	}

	req, err := x402.ParsePaymentRequiredResponse(first.Response(r))
	if err != nil {
		e.emit(ctx, x402.Event{Type: x402.EventFailed, State: x402.StateFailed, Stage: x402.StageParse, URL: rec.URL, Err: err})
		return &Result{State: x402.StateFailed, Response: first}, err
	}
	if req.Resource == "" {
		req.Resource = rec.URL
	}

	s, err := e.pay(ctx, req, rec)
	if err != nil {
		result := &Result{State: x402.StateFailed, Requirement: req, Response: first}
		if s != nil {
			result.State = s.State
			result.Attempt = s.Attempt
		}
		return result, err
	}
	if s.State == x402.StateAwaitingSignature {
		return &Result{
			State:       s.State,
			Attempt:     s.Attempt,
			Requirement: req,
			Session:     s.Session,
			Response:    first,
		}, nil
	}
	return e.finish(ctx, s, req, rec)
}

// Pay runs build, sign, broadcast and verify for req. With an interactive
// signer it returns a Settlement in state awaiting_signature; SubmitSigned
// completes it.
func (e *Engine) Pay(ctx context.Context, req *x402.Requirement) (*Settlement, error) {
	if req == nil {
		return nil, x402.NewPaymentError(x402.StageParse, x402.ErrCodeInvalidRequirement, "requirement is required", false, x402.ErrMalformedRequirement)
	}
	return e.pay(ctx, req, nil)
}

// VerifySignature checks an arbitrary transaction signature against req by
// inspecting the chain.
func (e *Engine) VerifySignature(ctx context.Context, signature string, req *x402.Requirement) (*x402.VerificationResult, error) {
	proof := &x402.PaymentProof{
		Signature: signature,
		Amount:    req.Amount.String(),
		Asset:     req.Asset,
		Network:   req.Network,
	}
	res, err := e.cfg.LocalVerifier.Verify(ctx, proof, req)
	if err != nil {
		if _, ok := x402.AsPaymentError(err); ok {
			return nil, err
		}
		code, retryable := x402.ErrCodeVerifierUnavailable, true
		if errors.Is(err, x402.ErrMalformedProof) || errors.Is(err, x402.ErrMalformedRequirement) {
			code, retryable = x402.ErrCodeInvalidRequirement, false
		}
		return nil, x402.NewPaymentError(x402.StageVerify, code, "cannot verify signature", retryable, err)
	}
	return res, nil
}

func (e *Engine) pay(ctx context.Context, req *x402.Requirement, rec *x402.RecordedRequest) (*Settlement, error) {
	if err := e.checkRequirement(req); err != nil {
		url := req.Resource
		if rec != nil {
			url = rec.URL
		}
		e.emit(ctx, x402.Event{Type: x402.EventFailed, State: x402.StateFailed, Stage: x402.StageOf(err), URL: url, Err: err})
		return nil, err
	}

	payer := e.cfg.Signer.PublicKey().String()
	unverified, err := e.acquire(ctx, req.Resource, payer)
	if err != nil {
		return nil, err
	}
	if unverified != nil {
		e.cfg.Logger.InfoContext(ctx, "re-verifying earlier payment",
			slog.String("attempt_id", unverified.ID),
			slog.String("signature", unverified.Signature),
		)
		s, err := e.verify(ctx, unverified, req, false)
		if err != nil {
			return e.failed(unverified), err
		}
		return s, nil
	}

	now := e.cfg.Clock.Now()
	attempt := &x402.PaymentAttempt{
		ID:        uuid.NewString(),
		Resource:  req.Resource,
		Network:   req.Network,
		Asset:     req.Asset,
		Amount:    req.Amount.String(),
		Payee:     req.Payee,
		Payer:     payer,
		Mode:      e.cfg.Signer.Mode(),
		Status:    x402.AttemptUnsigned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.cfg.Ledger.Create(ctx, attempt); err != nil {
		e.release(attempt)
		return nil, x402.NewPaymentError(x402.StageBuild, x402.ErrCodeBuildFailed, "failed to record attempt", true, err)
	}
	e.emitAttempt(ctx, x402.EventChallenged, x402.StateChallenged, attempt, nil)

	unsigned, err := e.cfg.Builder.Build(ctx, req, e.cfg.Signer.PublicKey())
	if err != nil {
		err = e.fail(ctx, attempt, x402.AttemptFailed, err)
		return e.failed(attempt), err
	}
	attempt.Blockhash = unsigned.Blockhash.Hash.String()
	attempt.LastValidBlockHeight = unsigned.Blockhash.LastValidBlockHeight
	if unsigned.AccountCreated {
		e.emitAttempt(ctx, x402.EventAccountCreated, x402.StateBuilding, attempt, nil)
	}
	e.emitAttempt(ctx, x402.EventBuilt, x402.StateBuilding, attempt, nil)

	signed, session, err := e.cfg.Signer.Sign(ctx, attempt, unsigned)
	if err != nil {
		err = e.fail(ctx, attempt, x402.AttemptFailed, err)
		return e.failed(attempt), err
	}
	if session != nil {
		attempt.Status = x402.AttemptAwaitingSignature
		attempt.SessionID = session.ID
		e.update(ctx, attempt)

		e.mu.Lock()
		e.pending[session.ID] = &continuation{attempt: attempt, req: req, rec: rec}
		e.mu.Unlock()

		e.emitAttempt(ctx, x402.EventAwaitingSignature, x402.StateAwaitingSignature, attempt, nil)
		return &Settlement{State: x402.StateAwaitingSignature, Attempt: snapshot(attempt), Session: session}, nil
	}

	s, err := e.settle(ctx, attempt, req, signed)
	if err != nil {
		return e.failed(attempt), err
	}
	return s, nil
}

func (e *Engine) checkRequirement(req *x402.Requirement) error {
	if req.Scheme != x402.SchemeExact {
		return x402.NewPaymentError(x402.StageParse, x402.ErrCodeProtocolIncompatible,
			fmt.Sprintf("unsupported scheme %q", req.Scheme), false, x402.ErrProtocolIncompatible)
	}
	if x402.CanonicalNetwork(req.Network) != x402.CanonicalNetwork(e.cfg.Network) {
		return x402.NewPaymentError(x402.StageParse, x402.ErrCodeNetworkNotSupported,
			fmt.Sprintf("network %q is not %q", req.Network, e.cfg.Network), false, x402.ErrProtocolIncompatible)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return x402.NewPaymentError(x402.StageParse, x402.ErrCodeInvalidRequirement, "amount must be positive", false, x402.ErrMalformedRequirement)
	}
	if req.Amount.Cmp(e.cfg.MaxAmount) > 0 {
		return x402.NewPaymentError(x402.StageBuild, x402.ErrCodeAmountExceeded,
			fmt.Sprintf("amount %s exceeds maximum %s", req.Amount, e.cfg.MaxAmount), false, x402.ErrAmountExceeded)
	}
	return nil
}

// settle broadcasts a signed transaction, waits for it and verifies the
// resulting proof. The transaction is submitted exactly once.
func (e *Engine) settle(ctx context.Context, attempt *x402.PaymentAttempt, req *x402.Requirement, signed *signer.Signed) (*Settlement, error) {
	attempt.Status = x402.AttemptSigned
	attempt.Signature = signed.Signature.String()
	attempt.Payer = signed.Payer.String()
	e.update(ctx, attempt)
	e.emitAttempt(ctx, x402.EventSigned, x402.StateSigned, attempt, nil)

	conf, err := e.broadcast(ctx, attempt, signed)
	if err != nil {
		return nil, err
	}

	attempt.Status = x402.AttemptConfirmed
	e.update(ctx, attempt)
	if conf.Reconciled {
		e.emitAttempt(ctx, x402.EventReconciled, x402.StateVerifying, attempt, nil)
	}
	return e.verify(ctx, attempt, req, conf.Reconciled)
}

// verify checks the proof of a confirmed attempt. When the verifier cannot
// answer, the attempt is left unverified so that the next payment for the
// resource re-verifies this transfer instead of sending another.
func (e *Engine) verify(ctx context.Context, attempt *x402.PaymentAttempt, req *x402.Requirement, reconciled bool) (*Settlement, error) {
	proof := x402.NewProof(attempt.Signature, attempt.Payer, req, e.cfg.Clock.Now())
	res, err := e.cfg.Verifier.Verify(ctx, proof, req)
	if err != nil {
		if _, ok := x402.AsPaymentError(err); !ok {
			err = x402.NewPaymentError(x402.StageVerify, x402.ErrCodeVerifierUnavailable, "verification failed", true, err)
		}
		return nil, e.fail(ctx, attempt, x402.AttemptUnverified, err)
	}
	if !res.Valid {
		err := x402.NewPaymentError(x402.StageVerify, x402.ErrCodePaymentRejected, res.InvalidReason, false,
			fmt.Errorf("%w: %s", x402.ErrPaymentRejected, res.InvalidReason))
		return nil, e.fail(ctx, attempt, x402.AttemptConfirmed, err)
	}

	attempt.Status = x402.AttemptConfirmed
	attempt.FailureStage = ""
	attempt.FailureReason = ""
	e.update(ctx, attempt)

	e.emitAttempt(ctx, x402.EventVerified, x402.StateVerifying, attempt, func(ev *x402.Event) { ev.Source = res.Source })
	e.emitAttempt(ctx, x402.EventSettled, x402.StateSettled, attempt, func(ev *x402.Event) {
		ev.Source = res.Source
		ev.Duration = e.cfg.Clock.Now().Sub(attempt.CreatedAt)
	})
	e.release(attempt)

	return &Settlement{
		State:        x402.StateSettled,
		Attempt:      snapshot(attempt),
		Proof:        proof,
		Verification: res,
		Reconciled:   reconciled,
	}, nil
}

// broadcast submits the transaction and resolves its confirmation. Expiry
// and timeout are reconciled against transaction history before the attempt
// is classified.
func (e *Engine) broadcast(ctx context.Context, attempt *x402.PaymentAttempt, signed *signer.Signed) (*chain.Confirmation, error) {
	sig, err := e.cfg.Chain.SendTransaction(ctx, signed.Transaction)

	var conf *chain.Confirmation
	switch {
	case err != nil && chain.IsBlockhashExpired(err):
		e.cfg.Logger.WarnContext(ctx, "blockhash expired on submit, reconciling",
			slog.String("attempt_id", attempt.ID),
			slog.String("signature", attempt.Signature),
		)
		conf, err = e.cfg.Waiter.Reconcile(ctx, signed.Signature, chain.OutcomeExpired)

	case err != nil && errors.Is(err, chain.ErrSendRejected):
		return nil, e.fail(ctx, attempt, x402.AttemptFailed,
			x402.NewPaymentError(x402.StageBroadcast, x402.ErrCodeBroadcastFailed, "transaction rejected", true, err))

	case err != nil:
		// The node may have forwarded the transaction before the error.
		e.cfg.Logger.WarnContext(ctx, "submit outcome unknown, following signature",
			slog.String("attempt_id", attempt.ID),
			slog.String("signature", attempt.Signature),
			slog.Any("error", err),
		)
		conf, err = e.await(ctx, attempt, signed.Signature)

	default:
		conf, err = e.await(ctx, attempt, sig)
	}
	if err != nil {
		return nil, e.fail(ctx, attempt, x402.AttemptUnknown,
			x402.NewPaymentError(x402.StageBroadcast, x402.ErrCodeConfirmationUnknown, "stopped waiting for confirmation", false,
				fmt.Errorf("%w: %v", x402.ErrConfirmationUnknown, err)))
	}

	switch conf.Outcome {
	case chain.OutcomeConfirmed:
		return conf, nil
	case chain.OutcomeFailed:
		return nil, e.fail(ctx, attempt, x402.AttemptFailed,
			x402.NewPaymentError(x402.StageBroadcast, x402.ErrCodeTransactionFailed, conf.Err, false, x402.ErrTransactionFailed))
	case chain.OutcomeExpired:
		return nil, e.fail(ctx, attempt, x402.AttemptExpired,
			x402.NewPaymentError(x402.StageBroadcast, x402.ErrCodeAttemptExpired, "blockhash expired before the transaction landed", true, x402.ErrAttemptExpired))
	default:
		return nil, e.fail(ctx, attempt, x402.AttemptUnknown,
			x402.NewPaymentError(x402.StageBroadcast, x402.ErrCodeConfirmationUnknown, "transaction status unknown", false, x402.ErrConfirmationUnknown))
	}
}

func (e *Engine) await(ctx context.Context, attempt *x402.PaymentAttempt, sig solana.Signature) (*chain.Confirmation, error) {
	attempt.Status = x402.AttemptBroadcast
	attempt.Signature = sig.String()
	e.update(ctx, attempt)
	e.emitAttempt(ctx, x402.EventBroadcast, x402.StateBroadcasting, attempt, nil)
	return e.cfg.Waiter.Wait(ctx, sig, attempt.LastValidBlockHeight)
}

// finish replays the original request with the proof. A replay failure
// after payment is reported with Paid set.
func (e *Engine) finish(ctx context.Context, s *Settlement, req *x402.Requirement, rec *x402.RecordedRequest) (*Result, error) {
	result := &Result{
		State:        x402.StateSettled,
		Paid:         true,
		Attempt:      s.Attempt,
		Requirement:  req,
		Proof:        s.Proof,
		Verification: s.Verification,
		Settlement: &x402.SettlementResponse{
			Settled:   true,
			Signature: s.Proof.Signature,
			Payer:     s.Verification.Payer,
			Network:   s.Proof.Network,
			Source:    s.Verification.Source,
		},
	}
	if rec == nil {
		result.State = x402.StateDone
		return result, nil
	}

	resp, err := e.cfg.Replayer.Replay(ctx, rec, s.Proof)
	if err != nil {
		result.State = x402.StateFailed
		e.emitAttempt(ctx, x402.EventFailed, x402.StateReplaying, s.Attempt, func(ev *x402.Event) {
			ev.Stage = x402.StageReplay
			ev.Err = err
		})
		return result, err
	}

	result.State = x402.StateDone
	result.Response = resp
	if resp.Settlement != nil {
		result.Settlement = resp.Settlement
	}
	e.emitAttempt(ctx, x402.EventReplayed, x402.StateDone, s.Attempt, func(ev *x402.Event) {
		ev.URL = rec.URL
		ev.Status = resp.StatusCode
	})
	return result, nil
}

// fail records a terminal attempt and returns err.
func (e *Engine) fail(ctx context.Context, attempt *x402.PaymentAttempt, status x402.AttemptStatus, err error) error {
	attempt.Status = status
	attempt.FailureStage = x402.StageOf(err)
	attempt.FailureReason = err.Error()
	e.update(ctx, attempt)
	e.release(attempt)

	typ, state := x402.EventFailed, x402.StateFailed
	switch status {
	case x402.AttemptExpired:
		typ, state = x402.EventExpired, x402.StateExpired
	case x402.AttemptUnknown:
		state = x402.StateUnknown
	}
	e.emitAttempt(ctx, typ, state, attempt, func(ev *x402.Event) {
		ev.Stage = attempt.FailureStage
		ev.Err = err
	})
	return err
}

func (e *Engine) failed(attempt *x402.PaymentAttempt) *Settlement {
	state := x402.StateFailed
	switch attempt.Status {
	case x402.AttemptExpired:
		state = x402.StateExpired
	case x402.AttemptUnknown:
		state = x402.StateUnknown
	}
	return &Settlement{State: state, Attempt: snapshot(attempt)}
}

func (e *Engine) update(ctx context.Context, attempt *x402.PaymentAttempt) {
	attempt.UpdatedAt = e.cfg.Clock.Now()
	if err := e.cfg.Ledger.Update(context.WithoutCancel(ctx), attempt); err != nil {
		e.cfg.Logger.ErrorContext(ctx, "failed to update attempt",
			slog.String("attempt_id", attempt.ID),
			slog.String("status", string(attempt.Status)),
			slog.Any("error", err),
		)
	}
}

// acquire reserves resource for payer. An open attempt, in this process or
// recently updated in a shared ledger, refuses the reservation. An unverified
// attempt is returned instead, whatever its age: its transfer already landed
// and must be verified rather than paid again.
func (e *Engine) acquire(ctx context.Context, resource, payer string) (*x402.PaymentAttempt, error) {
	key := inflightKey(resource, payer)

	e.mu.Lock()
	if _, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		return nil, inProgress(resource)
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()

	open, err := e.cfg.Ledger.FindOpen(ctx, resource, payer)
	switch {
	case err == nil && open.Status == x402.AttemptUnverified && open.Signature != "":
		return open, nil
	case err == nil && e.cfg.Clock.Now().Sub(open.UpdatedAt) < e.cfg.StaleAfter:
		e.releaseKey(key)
		return nil, inProgress(resource)
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		e.cfg.Logger.WarnContext(ctx, "failed to look up open attempts", slog.Any("error", err))
	}
	return nil, nil
}

func (e *Engine) release(attempt *x402.PaymentAttempt) {
	e.releaseKey(inflightKey(attempt.Resource, e.cfg.Signer.PublicKey().String()))
}

func (e *Engine) releaseKey(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

func inflightKey(resource, payer string) string {
	return resource + "\x00" + payer
}

func inProgress(resource string) error {
	return x402.NewPaymentError(x402.StageBuild, x402.ErrCodeAttemptInProgress,
		fmt.Sprintf("a payment for %s is already in progress", resource), true, x402.ErrAttemptInProgress)
}

func (e *Engine) emit(ctx context.Context, ev x402.Event) {
	ev.Time = e.cfg.Clock.Now()
	e.cfg.Events.Emit(ctx, ev)
}

func (e *Engine) emitAttempt(ctx context.Context, typ x402.EventType, state x402.State, a *x402.PaymentAttempt, mod func(*x402.Event)) {
	ev := x402.Event{
		Type:      typ,
		State:     state,
		AttemptID: a.ID,
		SessionID: a.SessionID,
		URL:       a.Resource,
		Network:   a.Network,
		Asset:     a.Asset,
		Amount:    a.Amount,
		Payee:     a.Payee,
		Payer:     a.Payer,
		Signature: a.Signature,
	}
	if mod != nil {
		mod(&ev)
	}
	e.emit(ctx, ev)
}

func snapshot(a *x402.PaymentAttempt) *x402.PaymentAttempt {
	cp := *a
	return &cp
}
