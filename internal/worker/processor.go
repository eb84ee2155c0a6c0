package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"exception-collector/internal/apperr"
	"exception-collector/internal/config"
	"exception-collector/internal/coordinator"
	"exception-collector/internal/models"
	"exception-collector/internal/queue"
	"exception-collector/internal/telemetry"
)

// Recorder stores failure events. It is satisfied by *coordinator.Coordinator.
type Recorder interface {
	RecordFailureEvent(ctx context.Context, ev coordinator.FailureEvent) (models.ExceptionRecord, bool, error)
}

// Processor drains the inbound failure-event queue.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	recorder Recorder
	logger   *slog.Logger
	workerID string
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, rec Recorder, logger *slog.Logger, workerID string) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerPollInterval == 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.IngestMaxAttempts == 0 {
		cfg.IngestMaxAttempts = 5
	}
	if cfg.ScheduledBatchSize == 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		recorder: rec,
		logger:   logger.With("worker_id", workerID),
		workerID: workerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "ingestion worker started",
		"visibility", p.cfg.VisibilityTimeout, "backoff_initial", p.cfg.BackoffInitial)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := p.ProcessOnce(ctx)
		if err != nil {
			p.logger.WarnContext(ctx, "queue unavailable", "error", err)
		}
		if err != nil || !processed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// ProcessOnce housekeeps the queue and handles at most one message. It
// reports whether a message was handled.
func (p *Processor) ProcessOnce(ctx context.Context) (bool, error) {
	now := time.Now()
	_, _ = p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize))
	if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); reclaimed > 0 {
		p.logger.WarnContext(ctx, "reclaimed expired leases", "count", reclaimed)
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	msg, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	if n, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(n))
	}

	var ev coordinator.FailureEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		p.deadLetter(ctx, msg, "undecodable event: "+err.Error())
		return true, nil
	}
	if ev.Source == "" {
		ev.Source = "ingest:" + p.workerID
	}

	rec, created, err := p.recorder.RecordFailureEvent(ctx, ev)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(ctx, msg.ID); ackErr != nil {
			p.logger.WarnContext(ctx, "ack failed", "message_id", msg.ID, "error", ackErr)
		}
		telemetry.IngestSuccess.Inc()
		p.logger.DebugContext(ctx, "failure event recorded",
			"transaction_id", rec.TransactionID, "created", created)
	case apperr.Is(err, apperr.KindValidation):
		p.deadLetter(ctx, msg, err.Error())
	default:
		p.redeliver(ctx, msg, err)
	}
	return true, nil
}

func (p *Processor) redeliver(ctx context.Context, msg *queue.Message, cause error) {
	attempts := msg.Attempts + 1
	if attempts >= p.cfg.IngestMaxAttempts {
		p.deadLetter(ctx, msg, cause.Error())
		return
	}
	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	if err := p.queue.Schedule(ctx, msg.ID, nextRun); err != nil {
		p.logger.ErrorContext(ctx, "schedule redelivery", "message_id", msg.ID, "error", err)
		return
	}
	telemetry.IngestFailures.Inc()
	p.logger.WarnContext(ctx, "failure event redelivery scheduled",
		"message_id", msg.ID, "attempts", attempts, "next_run", nextRun.UTC().Format(time.RFC3339), "error", cause)
}

// deadLetter parks msg with a sanitized reason; DLQ entries are served by the API.
func (p *Processor) deadLetter(ctx context.Context, msg *queue.Message, reason string) {
	reason = apperr.Sanitize(reason)
	if err := p.queue.DeadLetter(ctx, msg, reason); err != nil {
		p.logger.ErrorContext(ctx, "dead letter", "message_id", msg.ID, "error", err)
		return
	}
	telemetry.IngestDeadLetter.Inc()
	p.logger.WarnContext(ctx, "failure event dead-lettered", "message_id", msg.ID, "reason", reason)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
