package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"exception-collector/internal/config"
	"exception-collector/internal/coordinator"
	"exception-collector/internal/models"
	"exception-collector/internal/queue"
	"exception-collector/internal/store/memory"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 60); b > max {
		t.Fatalf("backoff must be capped: %s", b)
	}
}

func setup(t *testing.T, rec Recorder) (*Processor, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		InboundQueue:      "test:inbound",
		DLQName:           "test:dlq",
		VisibilityTimeout: time.Minute,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		IngestMaxAttempts: 2,
	}
	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)
	return NewProcessor(cfg, q, rec, nil, "w1"), q
}

func publish(t *testing.T, q *queue.RedisQueue, v any) {
	t.Helper()
	body, _ := json.Marshal(v)
	if _, err := q.Publish(context.Background(), body); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestProcessOnceRecordsEvent(t *testing.T) {
	repo := memory.New()
	c := coordinator.New(repo, nil, nil, nil, nil, coordinator.Options{})
	p, q := setup(t, c)
	ctx := context.Background()

	ev := coordinator.FailureEvent{TransactionID: "TX-1", InterfaceType: models.InterfaceOrder, Reason: "timeout"}
	publish(t, q, ev)
	publish(t, q, ev)

	for i := 0; i < 2; i++ {
		if ok, err := p.ProcessOnce(ctx); !ok || err != nil {
			t.Fatalf("process %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := p.ProcessOnce(ctx); ok {
		t.Fatalf("queue should be drained")
	}

	rec, err := repo.GetException(ctx, "TX-1")
	if err != nil || rec.Status != models.StatusNew {
		t.Fatalf("event not recorded: %+v err=%v", rec, err)
	}
	history, _ := repo.StatusChangesByTransactionIDs(ctx, []string{"TX-1"})
	if len(history) != 1 || history[0].ChangedBy != "ingest:w1" {
		t.Fatalf("duplicate delivery created extra history: %+v", history)
	}
	if n, _ := q.InFlight(ctx); n != 0 {
		t.Fatalf("messages left leased: %d", n)
	}
}

func TestProcessOnceDeadLettersBadEvents(t *testing.T) {
	c := coordinator.New(memory.New(), nil, nil, nil, nil, coordinator.Options{})
	p, q := setup(t, c)
	ctx := context.Background()

	q.Publish(ctx, []byte(`{broken`))
	publish(t, q, coordinator.FailureEvent{TransactionID: "TX 1", InterfaceType: models.InterfaceOrder, Reason: "x"})

	p.ProcessOnce(ctx)
	p.ProcessOnce(ctx)

	dls, err := q.DLQPeek(ctx, 10)
	if err != nil || len(dls) != 2 {
		t.Fatalf("expected two dead letters, got %+v err=%v", dls, err)
	}
}

type flakyRecorder struct {
	calls int
	err   error
}

func (f *flakyRecorder) RecordFailureEvent(ctx context.Context, ev coordinator.FailureEvent) (models.ExceptionRecord, bool, error) {
	f.calls++
	if f.err != nil {
		return models.ExceptionRecord{}, false, f.err
	}
	return models.ExceptionRecord{}, false, errors.New("connection reset by peer")
}

func TestProcessOnceRedeliversThenDeadLetters(t *testing.T) {
	rec := &flakyRecorder{}
	p, q := setup(t, rec)
	ctx := context.Background()

	publish(t, q, coordinator.FailureEvent{TransactionID: "TX-1", InterfaceType: models.InterfaceOrder, Reason: "x"})

	if ok, _ := p.ProcessOnce(ctx); !ok {
		t.Fatalf("expected first delivery")
	}
	if dls, _ := q.DLQPeek(ctx, 10); len(dls) != 0 {
		t.Fatalf("transient failure must be redelivered first")
	}

	deadline := time.Now().Add(time.Second)
	for rec.calls < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		p.ProcessOnce(ctx)
	}
	dls, _ := q.DLQPeek(ctx, 10)
	if rec.calls != 2 || len(dls) != 1 || dls[0].Attempts != 2 {
		t.Fatalf("expected dead letter after max attempts: calls=%d dls=%+v", rec.calls, dls)
	}
}

func TestDeadLetterReasonIsRedacted(t *testing.T) {
	rec := &flakyRecorder{err: errors.New("postgres://collector:password=hunter2@db:5432 refused")}
	p, q := setup(t, rec)
	ctx := context.Background()

	publish(t, q, coordinator.FailureEvent{TransactionID: "TX-1", InterfaceType: models.InterfaceOrder, Reason: "x"})

	deadline := time.Now().Add(time.Second)
	for rec.calls < 2 && time.Now().Before(deadline) {
		p.ProcessOnce(ctx)
		time.Sleep(10 * time.Millisecond)
	}
	p.ProcessOnce(ctx)
	dls, _ := q.DLQPeek(ctx, 10)
	if len(dls) != 1 {
		t.Fatalf("expected one dead letter, got %+v", dls)
	}
	if strings.Contains(dls[0].Reason, "hunter2") || !strings.Contains(dls[0].Reason, "password=***") {
		t.Fatalf("dead letter reason not redacted: %q", dls[0].Reason)
	}
}
