package x402

import (
	"context"
	"log/slog"
	"time"
)

// EventType identifies a transition of the payment state machine.
type EventType string

const (
	EventPassthrough       EventType = "payment.passthrough"
	EventChallenged        EventType = "payment.challenged"
	EventBuilt             EventType = "payment.built"
	EventAccountCreated    EventType = "payment.account_created"
	EventAwaitingSignature EventType = "payment.awaiting_signature"
	EventSigned            EventType = "payment.signed"
	EventBroadcast         EventType = "payment.broadcast"
	EventReconciled        EventType = "payment.reconciled"
	EventVerified          EventType = "payment.verified"
	EventVerifierFallback  EventType = "payment.verifier_fallback"
	EventSettled           EventType = "payment.settled"
	EventReplayed          EventType = "payment.replayed"
	EventFailed            EventType = "payment.failed"
	EventExpired           EventType = "payment.expired"
	EventSessionExpired    EventType = "payment.session_expired"
	EventSessionRejected   EventType = "payment.session_rejected"
)

// Event is a structured record of one state transition.
type Event struct {
	Type      EventType
	Time      time.Time
	State     State
	Stage     Stage
	AttemptID string
	SessionID string
	URL       string
	Network   string
	Asset     string
	Amount    string
	Payee     string
	Payer     string
	Signature string
	Source    VerificationSource
	Status    int
	Duration  time.Duration
	Err       error
}

// EventSink receives payment events. Implementations must be safe for
// concurrent use and must not block.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NopSink discards events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, Event) {}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

// Emit forwards event to every sink.
func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}

// SlogSink writes events to a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

// NewSlogSink returns a sink that logs to logger, or discards if logger is nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SlogSink{Logger: logger}
}

// Emit logs event. Failures log at error level, expiries at warn.
func (s *SlogSink) Emit(ctx context.Context, event Event) {
	level := slog.LevelInfo
	switch event.Type {
	case EventFailed:
		level = slog.LevelError
	case EventExpired, EventSessionExpired, EventVerifierFallback:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{slog.String("state", string(event.State))}
	if event.AttemptID != "" {
		attrs = append(attrs, slog.String("attempt_id", event.AttemptID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.URL != "" {
		attrs = append(attrs, slog.String("url", event.URL))
	}
	if event.Amount != "" {
		attrs = append(attrs,
			slog.String("amount", event.Amount),
			slog.String("asset", event.Asset),
			slog.String("network", event.Network),
		)
	}
	if event.Payee != "" {
		attrs = append(attrs, slog.String("payee", event.Payee))
	}
	if event.Payer != "" {
		attrs = append(attrs, slog.String("payer", event.Payer))
	}
	if event.Signature != "" {
		attrs = append(attrs, slog.String("signature", event.Signature))
	}
	if event.Source != "" {
		attrs = append(attrs, slog.String("source", string(event.Source)))
	}
	if event.Status != 0 {
		attrs = append(attrs, slog.Int("status", event.Status))
	}
	if event.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", event.Duration))
	}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", string(event.Stage)))
	}
	if event.Err != nil {
		attrs = append(attrs, slog.String("error", event.Err.Error()))
	}

	s.Logger.LogAttrs(ctx, level, string(event.Type), attrs...)
}
