package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"exception-collector/internal/config"
)

func newQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueue(client, config.Config{InboundQueue: "test:inbound", DLQName: "test:dlq", VisibilityTimeout: time.Minute}), mr
}

func TestPublishLeaseAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	id, err := q.Publish(ctx, []byte(`{"transactionId":"TX-1"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := q.DequeueWithLease(ctx)
	if err != nil || msg == nil {
		t.Fatalf("dequeue: msg=%v err=%v", msg, err)
	}
	if msg.ID != id || string(msg.Body) != `{"transactionId":"TX-1"}` || msg.Attempts != 0 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if n, _ := q.InFlight(ctx); n != 1 {
		t.Fatalf("expected one leased message, got %d", n)
	}
	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.InFlight(ctx); n != 0 {
		t.Fatalf("ack must release the lease")
	}
	if msg, _ := q.DequeueWithLease(ctx); msg != nil {
		t.Fatalf("expected empty queue, got %+v", msg)
	}
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	q.Publish(ctx, []byte(`{}`))
	msg, _ := q.DequeueWithLease(ctx)

	runAt := time.Now().Add(time.Second)
	if err := q.Schedule(ctx, msg.ID, runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("message promoted before due")
	}
	if n, _ := q.PromoteScheduled(ctx, runAt.Add(time.Millisecond), 10); n != 1 {
		t.Fatalf("expected one promotion, got %d", n)
	}
	again, _ := q.DequeueWithLease(ctx)
	if again == nil || again.ID != msg.ID || again.Attempts != 1 {
		t.Fatalf("expected redelivery with one recorded attempt, got %+v", again)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	q.Publish(ctx, []byte(`{}`))
	msg, _ := q.DequeueWithLease(ctx)

	if n, _ := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10); n != 1 {
		t.Fatalf("expected expired lease reclaimed, got %d", n)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected message back in ready list, depth=%d", depth)
	}
	again, _ := q.DequeueWithLease(ctx)
	if again == nil || again.ID != msg.ID {
		t.Fatalf("expected same message, got %+v", again)
	}
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	q.Publish(ctx, []byte(`not json`))
	msg, _ := q.DequeueWithLease(ctx)
	if err := q.DeadLetter(ctx, msg, "decode failure"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dls, err := q.DLQPeek(ctx, 10)
	if err != nil || len(dls) != 1 {
		t.Fatalf("expected one dead letter, got %v err=%v", dls, err)
	}
	if dls[0].ID != msg.ID || dls[0].Reason != "decode failure" || string(dls[0].Body) != `"not json"` {
		t.Fatalf("unexpected dead letter %+v", dls[0])
	}
	if n, _ := q.InFlight(ctx); n != 0 {
		t.Fatalf("dead-lettered message still leased")
	}
}
