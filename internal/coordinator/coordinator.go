// Package coordinator applies exception mutations. Each mutation runs under the
// per-transaction lock of the store and validates the lifecycle rules there;
// external calls made during a retry happen outside that lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"exception-collector/internal/apperr"
	"exception-collector/internal/events"
	"exception-collector/internal/lifecycle"
	"exception-collector/internal/loader"
	"exception-collector/internal/models"
	"exception-collector/internal/payload"
	"exception-collector/internal/store"
	"exception-collector/internal/telemetry"
)

// Options tunes the coordinator.
type Options struct {
	AckPolicy         lifecycle.AckPolicy
	DefaultMaxRetries int
	// RetryAsync returns from InitiateRetry once the attempt is reserved and
	// completes it in the background.
	RetryAsync      bool
	DispatchTimeout time.Duration
	MaxBulkSize     int
	BulkConcurrency int
	MaxPageSize     int
}

// Coordinator is the Mutation and Bulk Operation Coordinator.
type Coordinator struct {
	repo       store.Repository
	machine    lifecycle.Machine
	lookup     payload.Lookup
	dispatcher payload.Dispatcher
	events     *events.Publisher
	reporter   *apperr.Reporter
	logger     *slog.Logger
	opts       Options
	now        func() time.Time

	wg sync.WaitGroup
}

func New(repo store.Repository, lookup payload.Lookup, dispatcher payload.Dispatcher, pub *events.Publisher, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AckPolicy == "" {
		opts.AckPolicy = lifecycle.AckIdempotent
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = time.Minute
	}
	if opts.MaxBulkSize <= 0 {
		opts.MaxBulkSize = 100
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = 4
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 100
	}
	return &Coordinator{
		repo:       repo,
		machine:    lifecycle.Machine{AckPolicy: opts.AckPolicy},
		lookup:     lookup,
		dispatcher: dispatcher,
		events:     pub,
		reporter:   apperr.NewReporter(logger),
		logger:     logger,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Wait blocks until background retries finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Reporter exposes the reporter used for per-item bulk errors.
func (c *Coordinator) Reporter() *apperr.Reporter {
	return c.reporter
}

func (c *Coordinator) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.Classify(err))
	}
	telemetry.Mutations.WithLabelValues(op, outcome).Inc()
}

func (c *Coordinator) emit(ctx context.Context, t events.Type, rec models.ExceptionRecord, extra map[string]any) {
	body := map[string]any{
		"status":        rec.Status,
		"severity":      rec.Severity,
		"interfaceType": rec.InterfaceType,
		"retryCount":    rec.RetryCount,
	}
	for k, v := range extra {
		body[k] = v
	}
	c.events.Publish(ctx, events.NewEvent(t, rec.TransactionID, body))
}

// mapStoreErr converts store sentinels to classified errors.
func mapStoreErr(err error, transactionID string) error {
	var ae *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ae):
		return err
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(transactionID)
	case errors.Is(err, store.ErrLocked):
		return apperr.ConcurrentModification(
			fmt.Sprintf("exception %s is being modified by another operation; retry the request", transactionID))
	case errors.Is(err, store.ErrVersionConflict):
		return apperr.ConcurrentModification(
			fmt.Sprintf("exception %s was modified concurrently; reload and retry", transactionID))
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindTimeout, apperr.CodeTimeout, err, "operation timed out")
	}
	return fmt.Errorf("exception %s: %w", transactionID, err)
}

func checkVersion(rec models.ExceptionRecord, expected *int64) error {
	if expected != nil && *expected != rec.Version {
		return apperr.ConcurrentModification(fmt.Sprintf(
			"exception %s is at version %d, request expected %d", rec.TransactionID, rec.Version, *expected))
	}
	return nil
}

// FailureEvent is one failed transaction reported by an upstream interface.
type FailureEvent struct {
	TransactionID string               `json:"transactionId"`
	InterfaceType models.InterfaceType `json:"interfaceType"`
	ExternalID    string               `json:"externalId,omitempty"`
	CustomerID    string               `json:"customerId,omitempty"`
	LocationCode  string               `json:"locationCode,omitempty"`
	Operation     string               `json:"operation"`
	Reason        string               `json:"exceptionReason"`
	Category      models.Category      `json:"category"`
	Severity      models.Severity      `json:"severity"`
	Retryable     *bool                `json:"retryable,omitempty"`
	MaxRetries    int                  `json:"maxRetries,omitempty"`
	OccurredAt    time.Time            `json:"occurredAt"`
	Source        string               `json:"source,omitempty"`
}

func (e FailureEvent) validate() error {
	if err := validateTransactionID(e.TransactionID); err != nil {
		return err
	}
	if !e.InterfaceType.Valid() {
		return apperr.Validation(apperr.CodeInvalidField, "interfaceType",
			fmt.Sprintf("unsupported interface type %q", e.InterfaceType))
	}
	if strings.TrimSpace(e.Reason) == "" {
		return apperr.Validation(apperr.CodeMissingField, "exceptionReason", "exception reason is required")
	}
	if e.Category != "" && !e.Category.Valid() {
		return apperr.Validation(apperr.CodeInvalidField, "category", fmt.Sprintf("unsupported category %q", e.Category))
	}
	if e.Severity != "" && !e.Severity.Valid() {
		return apperr.Validation(apperr.CodeInvalidField, "severity", fmt.Sprintf("unsupported severity %q", e.Severity))
	}
	if e.MaxRetries < 0 {
		return apperr.Validation(apperr.CodeInvalidField, "maxRetries", "maxRetries must not be negative")
	}
	return nil
}

// RecordFailureEvent creates the exception on first sight of its transaction
// id and returns the existing record unchanged on every later arrival. The
// boolean reports whether a record was created.
func (c *Coordinator) RecordFailureEvent(ctx context.Context, ev FailureEvent) (models.ExceptionRecord, bool, error) {
	rec, created, err := c.recordFailureEvent(ctx, ev)
	c.observe("recordFailureEvent", err)
	return rec, created, err
}

func (c *Coordinator) recordFailureEvent(ctx context.Context, ev FailureEvent) (models.ExceptionRecord, bool, error) {
	if err := ev.validate(); err != nil {
		return models.ExceptionRecord{}, false, err
	}
	params := store.CreateExceptionParams{
		TransactionID: ev.TransactionID,
		InterfaceType: ev.InterfaceType,
		ExternalID:    ev.ExternalID,
		CustomerID:    ev.CustomerID,
		LocationCode:  ev.LocationCode,
		Operation:     ev.Operation,
		Reason:        ev.Reason,
		Category:      ev.Category,
		Severity:      ev.Severity,
		Retryable:     true,
		MaxRetries:    ev.MaxRetries,
		OccurredAt:    ev.OccurredAt,
		CapturedBy:    ev.Source,
	}
	if params.Category == "" {
		params.Category = models.CategoryTechnical
	}
	if params.Severity == "" {
		params.Severity = models.SeverityMedium
	}
	if ev.Retryable != nil {
		params.Retryable = *ev.Retryable
	}
	if params.MaxRetries == 0 {
		params.MaxRetries = c.opts.DefaultMaxRetries
	}
	if params.OccurredAt.IsZero() {
		params.OccurredAt = c.now()
	}
	if params.CapturedBy == "" {
		params.CapturedBy = "system"
	}

	rec, existed, err := c.repo.CreateException(ctx, params)
	if err != nil {
		return models.ExceptionRecord{}, false, mapStoreErr(err, ev.TransactionID)
	}
	if existed {
		telemetry.DuplicateEvents.Inc()
		c.logger.DebugContext(ctx, "duplicate failure event", "transaction_id", ev.TransactionID)
		return rec, false, nil
	}

	telemetry.ExceptionsCaptured.WithLabelValues(string(rec.InterfaceType), string(rec.Severity)).Inc()
	c.emit(ctx, events.ExceptionCaptured, rec, map[string]any{"category": rec.Category, "reason": rec.Reason})
	if rec.Severity == models.SeverityCritical {
		c.emit(ctx, events.CriticalAlert, rec, map[string]any{"trigger": "captured"})
	}
	return rec, true, nil
}

// GetException returns one record, through the request's loader when present.
func (c *Coordinator) GetException(ctx context.Context, transactionID string) (models.ExceptionRecord, error) {
	if err := validateTransactionID(transactionID); err != nil {
		return models.ExceptionRecord{}, err
	}
	if reg, ok := loader.FromContext(ctx); ok {
		res := reg.Exceptions.Load(ctx, transactionID)
		switch {
		case res.Err != nil:
			return models.ExceptionRecord{}, mapStoreErr(res.Err, transactionID)
		case !res.Found:
			return models.ExceptionRecord{}, apperr.NotFound(transactionID)
		}
		return res.Value, nil
	}
	rec, err := c.repo.GetException(ctx, transactionID)
	return rec, mapStoreErr(err, transactionID)
}

// ListExceptions returns one page of records. Limit 0 selects a default page
// size; limits above the configured maximum are rejected.
func (c *Coordinator) ListExceptions(ctx context.Context, p store.ListParams) (store.Page, error) {
	switch {
	case p.Limit < 0 || p.Offset < 0:
		return store.Page{}, apperr.Validation(apperr.CodeInvalidField, "pagination", "offset and limit must not be negative")
	case p.Limit > c.opts.MaxPageSize:
		return store.Page{}, apperr.New(apperr.KindQueryComplexity, apperr.CodePageSizeExceeded,
			fmt.Sprintf("page size %d exceeds the maximum of %d", p.Limit, c.opts.MaxPageSize))
	case p.Limit == 0:
		p.Limit = min(20, c.opts.MaxPageSize)
	}
	switch p.Sort {
	case "", store.SortOccurredAt, store.SortSeverity, store.SortRetryCount:
	default:
		return store.Page{}, apperr.Validation(apperr.CodeInvalidField, "sort", fmt.Sprintf("unsupported sort field %q", p.Sort))
	}
	if p.OccurredFrom != nil && p.OccurredTo != nil && p.OccurredTo.Before(*p.OccurredFrom) {
		return store.Page{}, apperr.Validation(apperr.CodeInvalidField, "occurredTo", "occurredTo must not precede occurredFrom")
	}
	page, err := c.repo.ListExceptions(ctx, p)
	if err != nil {
		return store.Page{}, fmt.Errorf("list exceptions: %w", err)
	}
	return page, nil
}

// AcknowledgeInput is the request to acknowledge one exception.
type AcknowledgeInput struct {
	TransactionID   string
	Actor           string
	Notes           string
	ExpectedVersion *int64
}

// Acknowledge moves a NEW exception to ACKNOWLEDGED.
func (c *Coordinator) Acknowledge(ctx context.Context, in AcknowledgeInput) (models.ExceptionRecord, error) {
	rec, err := c.acknowledge(ctx, in)
	c.observe("acknowledge", err)
	return rec, err
}

func (c *Coordinator) acknowledge(ctx context.Context, in AcknowledgeInput) (models.ExceptionRecord, error) {
	if err := firstErr(
		validateTransactionID(in.TransactionID),
		validateActor(in.Actor),
		validateLength("notes", in.Notes, maxNotesLength, apperr.CodeInvalidNotesLength),
	); err != nil {
		return models.ExceptionRecord{}, err
	}

	var out models.ExceptionRecord
	var changed bool
	err := c.repo.WithLock(ctx, in.TransactionID, store.NoWait, func(ctx context.Context, tx store.Tx) error {
		rec := tx.Exception()
		if err := checkVersion(rec, in.ExpectedVersion); err != nil {
			return err
		}
		tr, err := c.machine.Acknowledge(rec, in.Actor, in.Notes, c.now())
		if err != nil {
			return err
		}
		if tr.NoOp {
			out = rec
			return nil
		}
		saved, err := tx.SaveException(ctx, tr.Record)
		if err != nil {
			return err
		}
		if err := tx.AppendStatusChange(ctx, *tr.Change); err != nil {
			return err
		}
		out, changed = saved, true
		return nil
	})
	if err != nil {
		return models.ExceptionRecord{}, mapStoreErr(err, in.TransactionID)
	}
	if changed {
		c.emit(ctx, events.ExceptionAcknowledged, out, map[string]any{"acknowledgedBy": in.Actor})
	}
	return out, nil
}

// ResolveInput is the request to resolve one exception manually.
type ResolveInput struct {
	TransactionID   string
	Actor           string
	Method          models.ResolutionMethod
	Notes           string
	ExpectedVersion *int64
}

// Resolve moves any non-terminal exception to RESOLVED.
func (c *Coordinator) Resolve(ctx context.Context, in ResolveInput) (models.ExceptionRecord, error) {
	rec, err := c.resolve(ctx, in)
	c.observe("resolve", err)
	return rec, err
}

func (c *Coordinator) resolve(ctx context.Context, in ResolveInput) (models.ExceptionRecord, error) {
	if err := firstErr(
		validateTransactionID(in.TransactionID),
		validateActor(in.Actor),
		validateLength("resolutionNotes", in.Notes, maxResolutionNotesLength, apperr.CodeInvalidNotesLength),
	); err != nil {
		return models.ExceptionRecord{}, err
	}
	switch {
	case in.Method == "":
		return models.ExceptionRecord{}, apperr.Validation(apperr.CodeMissingField, "resolutionMethod", "resolution method is required")
	case !in.Method.Valid():
		return models.ExceptionRecord{}, apperr.Validation(apperr.CodeInvalidResolutionMethod, "resolutionMethod",
			fmt.Sprintf("unsupported resolution method %q", in.Method))
	}

	var out models.ExceptionRecord
	err := c.repo.WithLock(ctx, in.TransactionID, store.NoWait, func(ctx context.Context, tx store.Tx) error {
		rec := tx.Exception()
		if err := checkVersion(rec, in.ExpectedVersion); err != nil {
			return err
		}
		tr, err := c.machine.Resolve(rec, in.Actor, in.Method, in.Notes, c.now())
		if err != nil {
			return err
		}
		saved, err := tx.SaveException(ctx, tr.Record)
		if err != nil {
			return err
		}
		if err := tx.AppendStatusChange(ctx, *tr.Change); err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err != nil {
		return models.ExceptionRecord{}, mapStoreErr(err, in.TransactionID)
	}
	c.emit(ctx, events.ExceptionResolved, out, map[string]any{
		"resolvedBy":       in.Actor,
		"resolutionMethod": in.Method,
	})
	return out, nil
}
