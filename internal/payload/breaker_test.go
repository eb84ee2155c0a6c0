package payload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aponysus/recourse/circuit"
)

type failingLookup struct {
	calls atomic.Int32
	err   error
}

func (f *failingLookup) LookupPayload(ctx context.Context, transactionID string) (Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return Result{}, f.err
	}
	return Unavailable("no payload archived"), nil
}

func TestGuardedDispatcherOpensAndRecovers(t *testing.T) {
	var hits atomic.Int32
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"success":true,"message":"requeued"}`))
	}))
	defer srv.Close()

	now := time.Now()
	breaker := circuit.NewConsecutiveFailureBreaker(2, time.Minute)
	breaker.SetClock(func() time.Time { return now })
	d := NewGuardedDispatcher("retry-service", NewHTTPClient(srv.URL, time.Second), breaker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := d.DispatchRetry(ctx, "TX-1", json.RawMessage(`{}`))
		if err != nil || res.ResponseCode != http.StatusServiceUnavailable {
			t.Fatalf("call %d: expected 503 result, got %+v err=%v", i, res, err)
		}
	}
	if _, err := d.DispatchRetry(ctx, "TX-1", json.RawMessage(`{}`)); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("open circuit must not reach the endpoint, got %d hits", hits.Load())
	}

	healthy.Store(true)
	now = now.Add(2 * time.Minute)
	res, err := d.DispatchRetry(ctx, "TX-1", json.RawMessage(`{}`))
	if err != nil || !res.Success {
		t.Fatalf("expected trial call to succeed, got %+v err=%v", res, err)
	}
	if breaker.State() != circuit.StateClosed {
		t.Fatalf("expected closed breaker after successful trial, got %s", breaker.State())
	}
}

func TestGuardedDispatcherRejectionKeepsCircuitClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	breaker := circuit.NewConsecutiveFailureBreaker(1, time.Minute)
	d := NewGuardedDispatcher("retry-service", NewHTTPClient(srv.URL, time.Second), breaker)
	for i := 0; i < 3; i++ {
		if _, err := d.DispatchRetry(context.Background(), "TX-1", nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if breaker.State() != circuit.StateClosed {
		t.Fatalf("4xx responses must not open the circuit, got %s", breaker.State())
	}
}

func TestGuardedLookupFailsFast(t *testing.T) {
	next := &failingLookup{err: errors.New("dial tcp 10.0.0.9:443: connection refused")}
	l := NewGuardedLookup("payload-service", next, circuit.NewConsecutiveFailureBreaker(1, time.Minute))
	ctx := context.Background()

	if _, err := l.LookupPayload(ctx, "TX-1"); err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected underlying error first, got %v", err)
	}
	_, err := l.LookupPayload(ctx, "TX-2")
	if !errors.Is(err, ErrCircuitOpen) || !strings.HasPrefix(err.Error(), "payload-service") {
		t.Fatalf("expected payload-service open circuit, got %v", err)
	}
	if next.calls.Load() != 1 {
		t.Fatalf("expected one underlying call, got %d", next.calls.Load())
	}
}

func TestGuardedLookupMissingPayloadIsHealthy(t *testing.T) {
	next := &failingLookup{}
	breaker := circuit.NewConsecutiveFailureBreaker(1, time.Minute)
	l := NewGuardedLookup("payload-service", next, breaker)
	for i := 0; i < 3; i++ {
		res, err := l.LookupPayload(context.Background(), "TX-1")
		if err != nil || res.Retrieved {
			t.Fatalf("call %d: unexpected %+v err=%v", i, res, err)
		}
	}
	if breaker.State() != circuit.StateClosed {
		t.Fatalf("missing payloads must not open the circuit, got %s", breaker.State())
	}
}

func TestUnavailableRedactsMessage(t *testing.T) {
	res := Unavailable("payload service unavailable: GET https://svc/payloads?password=hunter2 failed")
	if res.Retrieved || strings.Contains(res.ErrorMessage, "hunter2") {
		t.Fatalf("expected redacted unavailable result, got %+v", res)
	}
	if !strings.Contains(res.ErrorMessage, "payload service unavailable") {
		t.Fatalf("expected message context kept, got %q", res.ErrorMessage)
	}
}
