// Package loader resolves sets of keys in one underlying fetch per batch and
// memoizes results for the lifetime of a single request.
package loader

import (
	"context"
	"log/slog"
	"sync"

	"exception-collector/internal/telemetry"
)

// Result is the outcome for one key. Found=false with a nil Err means the key
// is absent; Err marks a per-key failure.
type Result[V any] struct {
	Value V
	Found bool
	Err   error
}

// BatchFunc fetches every key in one call. Keys missing from the returned map
// are treated as absent. A non-nil error fails the whole batch.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]Result[V], error)

type entry[V any] struct {
	done chan struct{}
	res  Result[V]
}

// Loader is a request-scoped batching cache. It must not outlive the request
// it was built for.
type Loader[K comparable, V any] struct {
	name      string
	fetch     BatchFunc[K, V]
	softLimit int
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[K]*entry[V]
}

func New[K comparable, V any](name string, fetch BatchFunc[K, V], softLimit int, logger *slog.Logger) *Loader[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader[K, V]{
		name:      name,
		fetch:     fetch,
		softLimit: softLimit,
		logger:    logger,
		cache:     make(map[K]*entry[V]),
	}
}

// Load resolves a single key.
func (l *Loader[K, V]) Load(ctx context.Context, key K) Result[V] {
	return l.LoadMany(ctx, []K{key})[key]
}

// LoadMany resolves keys, fetching only those not already cached or in
// flight. Every input key is present in the returned map.
func (l *Loader[K, V]) LoadMany(ctx context.Context, keys []K) map[K]Result[V] {
	out := make(map[K]Result[V], len(keys))
	waiting := make(map[K]*entry[V])
	owned := make(map[K]*entry[V])
	var missing []K

	l.mu.Lock()
	for _, k := range keys {
		if _, seen := waiting[k]; seen {
			continue
		}
		e, ok := l.cache[k]
		if !ok {
			e = &entry[V]{done: make(chan struct{})}
			l.cache[k] = e
			owned[k] = e
			missing = append(missing, k)
		}
		waiting[k] = e
	}
	l.mu.Unlock()

	if len(missing) > 0 {
		l.dispatch(ctx, missing, owned)
	}

	for k, e := range waiting {
		select {
		case <-e.done:
			out[k] = e.res
		case <-ctx.Done():
			out[k] = Result[V]{Err: ctx.Err()}
		}
	}
	return out
}

func (l *Loader[K, V]) dispatch(ctx context.Context, keys []K, owned map[K]*entry[V]) {
	telemetry.LoaderBatchSize.WithLabelValues(l.name).Observe(float64(len(keys)))
	if l.softLimit > 0 && len(keys) > l.softLimit {
		telemetry.LoaderCapacityWarn.WithLabelValues(l.name).Inc()
		l.logger.WarnContext(ctx, "loader batch above soft limit",
			"loader", l.name, "size", len(keys), "soft_limit", l.softLimit)
	}

	results, err := l.fetch(ctx, keys)
	if err != nil {
		l.logger.ErrorContext(ctx, "loader batch failed", "loader", l.name, "size", len(keys), "error", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		e := owned[k]
		switch {
		case err != nil:
			e.res = Result[V]{Err: err}
		default:
			e.res = results[k]
		}
		// Failures are not memoized so a later load in the same request retries.
		if e.res.Err != nil && l.cache[k] == e {
			delete(l.cache, k)
		}
		close(e.done)
	}
}

// Clear drops every cached entry.
func (l *Loader[K, V]) Clear() {
	l.mu.Lock()
	l.cache = make(map[K]*entry[V])
	l.mu.Unlock()
}

// Group buckets rows by owning key. Every requested key is Found, with an
// empty slice when it owns no rows.
func Group[K comparable, V any](keys []K, rows []V, keyOf func(V) K) map[K]Result[[]V] {
	out := make(map[K]Result[[]V], len(keys))
	for _, k := range keys {
		out[k] = Result[[]V]{Value: []V{}, Found: true}
	}
	for _, row := range rows {
		k := keyOf(row)
		r, ok := out[k]
		if !ok {
			continue
		}
		r.Value = append(r.Value, row)
		out[k] = r
	}
	return out
}
