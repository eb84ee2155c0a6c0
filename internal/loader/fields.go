package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"exception-collector/internal/models"
	"exception-collector/internal/payload"
	"exception-collector/internal/store"
	"exception-collector/internal/telemetry"
)

const (
	NameExceptions    = "exception"
	NameRetryHistory  = "retryHistory"
	NameStatusHistory = "statusHistory"
	NamePayloads      = "payload"
)

// ExceptionBatch resolves records by transaction id in one query.
func ExceptionBatch(repo store.Repository) BatchFunc[string, models.ExceptionRecord] {
	return func(ctx context.Context, ids []string) (map[string]Result[models.ExceptionRecord], error) {
		recs, err := repo.ExceptionsByTransactionIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := make(map[string]Result[models.ExceptionRecord], len(recs))
		for _, rec := range recs {
			out[rec.TransactionID] = Result[models.ExceptionRecord]{Value: rec, Found: true}
		}
		return out, nil
	}
}

// RetryHistoryBatch resolves attempts per transaction id ordered by attempt number.
func RetryHistoryBatch(repo store.Repository) BatchFunc[string, []models.RetryAttempt] {
	return func(ctx context.Context, ids []string) (map[string]Result[[]models.RetryAttempt], error) {
		rows, err := repo.RetryAttemptsByTransactionIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := Group(ids, rows, func(a models.RetryAttempt) string { return a.TransactionID })
		for _, r := range out {
			sort.Slice(r.Value, func(i, j int) bool { return r.Value[i].AttemptNumber < r.Value[j].AttemptNumber })
		}
		return out, nil
	}
}

// StatusHistoryBatch resolves status changes per transaction id, oldest first.
func StatusHistoryBatch(repo store.Repository) BatchFunc[string, []models.StatusChange] {
	return func(ctx context.Context, ids []string) (map[string]Result[[]models.StatusChange], error) {
		rows, err := repo.StatusChangesByTransactionIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := Group(ids, rows, func(c models.StatusChange) string { return c.TransactionID })
		for _, r := range out {
			sort.SliceStable(r.Value, func(i, j int) bool { return r.Value[i].ChangedAt.Before(r.Value[j].ChangedAt) })
		}
		return out, nil
	}
}

// PayloadBatch issues one lookup per key with at most concurrency calls in
// flight, each bounded by timeout. A failed or timed-out call yields an
// unavailable Result for that key only and never cancels its siblings.
func PayloadBatch(lookup payload.Lookup, concurrency int, timeout time.Duration) BatchFunc[string, payload.Result] {
	return func(ctx context.Context, ids []string) (map[string]Result[payload.Result], error) {
		results := make([]payload.Result, len(ids))

		// Tasks never return an error so the group context is not cancelled
		// by a sibling failure.
		var g errgroup.Group
		if concurrency > 0 {
			g.SetLimit(concurrency)
		}
		for i, id := range ids {
			g.Go(func() error {
				results[i] = lookupOne(ctx, lookup, id, timeout)
				return nil
			})
		}
		_ = g.Wait()

		out := make(map[string]Result[payload.Result], len(ids))
		for i, id := range ids {
			if !results[i].Retrieved {
				telemetry.PayloadUnavailable.Inc()
			}
			out[id] = Result[payload.Result]{Value: results[i], Found: true}
		}
		return out, nil
	}
}

func lookupOne(ctx context.Context, lookup payload.Lookup, id string, timeout time.Duration) payload.Result {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := lookup.LookupPayload(callCtx, id)
	switch {
	case err == nil:
		return res
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return payload.Unavailable(fmt.Sprintf("payload service timed out after %s", timeout))
	default:
		return payload.Unavailable("payload service unavailable: " + err.Error())
	}
}

// Options sizes the loaders built by a Factory.
type Options struct {
	StoreSoftLimit     int
	PayloadSoftLimit   int
	PayloadConcurrency int
	PayloadTimeout     time.Duration
}

// Registry is the set of field loaders for one request.
type Registry struct {
	Exceptions    *Loader[string, models.ExceptionRecord]
	RetryHistory  *Loader[string, []models.RetryAttempt]
	StatusHistory *Loader[string, []models.StatusChange]
	Payloads      *Loader[string, payload.Result]
}

// Factory builds a fresh Registry per request.
type Factory struct {
	repo   store.Repository
	lookup payload.Lookup
	opts   Options
	logger *slog.Logger
}

func NewFactory(repo store.Repository, lookup payload.Lookup, opts Options, logger *slog.Logger) *Factory {
	if opts.StoreSoftLimit == 0 {
		opts.StoreSoftLimit = 500
	}
	if opts.PayloadSoftLimit == 0 {
		opts.PayloadSoftLimit = 50
	}
	if opts.PayloadTimeout == 0 {
		opts.PayloadTimeout = 30 * time.Second
	}
	return &Factory{repo: repo, lookup: lookup, opts: opts, logger: logger}
}

func (f *Factory) New() *Registry {
	r := &Registry{
		Exceptions:    New(NameExceptions, ExceptionBatch(f.repo), f.opts.StoreSoftLimit, f.logger),
		RetryHistory:  New(NameRetryHistory, RetryHistoryBatch(f.repo), f.opts.StoreSoftLimit, f.logger),
		StatusHistory: New(NameStatusHistory, StatusHistoryBatch(f.repo), f.opts.StoreSoftLimit, f.logger),
	}
	if f.lookup != nil {
		r.Payloads = New(NamePayloads, PayloadBatch(f.lookup, f.opts.PayloadConcurrency, f.opts.PayloadTimeout), f.opts.PayloadSoftLimit, f.logger)
	}
	return r
}
