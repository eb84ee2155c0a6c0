// Package events emits lifecycle notifications about exceptions. Emission is
// fire-and-forget: a failed delivery is logged and never fails the mutation
// that produced it.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"exception-collector/internal/telemetry"
)

// Type names a lifecycle event.
type Type string

const (
	ExceptionCaptured     Type = "EXCEPTION_CAPTURED"
	ExceptionAcknowledged Type = "EXCEPTION_ACKNOWLEDGED"
	ExceptionResolved     Type = "EXCEPTION_RESOLVED"
	RetryInitiated        Type = "RETRY_INITIATED"
	RetryCompleted        Type = "RETRY_COMPLETED"
	RetryCancelled        Type = "RETRY_CANCELLED"
	CriticalAlert         Type = "CRITICAL_ALERT"
)

// Event is one outbound notification.
type Event struct {
	ID            string         `json:"eventId"`
	Type          Type           `json:"eventType"`
	TransactionID string         `json:"transactionId"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps an id and timestamp.
func NewEvent(t Type, transactionID string, payload map[string]any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		TransactionID: transactionID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

// Emitter delivers events to one sink.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Multi fans out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, em := range m {
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes events to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Emit(ctx context.Context, e Event) error {
	l.Logger.InfoContext(ctx, "lifecycle event",
		"event_id", e.ID, "type", e.Type, "transaction_id", e.TransactionID)
	return nil
}

// Publisher sends events without letting failures reach the caller.
type Publisher struct {
	emitter Emitter
	logger  *slog.Logger
	timeout time.Duration
}

func NewPublisher(emitter Emitter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{emitter: emitter, logger: logger, timeout: 5 * time.Second}
}

// Publish delivers e synchronously, detached from ctx cancellation.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil || p.emitter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.emitter.Emit(ctx, e); err != nil {
		telemetry.EventsEmitted.WithLabelValues(string(e.Type), "failed").Inc()
		p.logger.WarnContext(ctx, "lifecycle event delivery failed",
			"type", e.Type, "transaction_id", e.TransactionID, "error", err)
		return
	}
	telemetry.EventsEmitted.WithLabelValues(string(e.Type), "delivered").Inc()
}
