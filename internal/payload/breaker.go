package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aponysus/recourse/circuit"

	"exception-collector/internal/telemetry"
)

// ErrCircuitOpen is returned without contacting the collaborator while its
// breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// GuardedLookup fails fast once the payload service has failed repeatedly.
type GuardedLookup struct {
	name    string
	next    Lookup
	breaker circuit.CircuitBreaker
}

func NewGuardedLookup(name string, next Lookup, breaker circuit.CircuitBreaker) *GuardedLookup {
	return &GuardedLookup{name: name, next: next, breaker: breaker}
}

// LookupPayload counts transport errors as failures. A missing payload is a
// successful call.
func (g *GuardedLookup) LookupPayload(ctx context.Context, transactionID string) (Result, error) {
	if err := allow(ctx, g.name, g.breaker); err != nil {
		return Result{}, err
	}
	res, err := g.next.LookupPayload(ctx, transactionID)
	record(ctx, g.breaker, err == nil)
	return res, err
}

// GuardedDispatcher fails fast once the reprocessing endpoint has failed
// repeatedly.
type GuardedDispatcher struct {
	name    string
	next    Dispatcher
	breaker circuit.CircuitBreaker
}

func NewGuardedDispatcher(name string, next Dispatcher, breaker circuit.CircuitBreaker) *GuardedDispatcher {
	return &GuardedDispatcher{name: name, next: next, breaker: breaker}
}

// DispatchRetry counts transport errors and 5xx responses as failures. A 4xx
// rejection means the endpoint is healthy.
func (g *GuardedDispatcher) DispatchRetry(ctx context.Context, transactionID string, body json.RawMessage) (DispatchResult, error) {
	if err := allow(ctx, g.name, g.breaker); err != nil {
		return DispatchResult{}, err
	}
	res, err := g.next.DispatchRetry(ctx, transactionID, body)
	record(ctx, g.breaker, err == nil && res.ResponseCode < 500)
	return res, err
}

func allow(ctx context.Context, name string, breaker circuit.CircuitBreaker) error {
	d := breaker.Allow(ctx)
	if d.Allowed {
		return nil
	}
	telemetry.CircuitRejects.WithLabelValues(name).Inc()
	return fmt.Errorf("%s: %w (%s)", name, ErrCircuitOpen, d.State)
}

func record(ctx context.Context, breaker circuit.CircuitBreaker, ok bool) {
	if ok {
		breaker.RecordSuccess(ctx)
		return
	}
	breaker.RecordFailure(ctx)
}
