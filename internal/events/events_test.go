package events

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisListTrimsToMaxLen(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	list := NewRedisList(client, "exceptions:lifecycle", 2)

	for _, id := range []string{"TX-1", "TX-2", "TX-3"} {
		if err := list.Emit(ctx, NewEvent(ExceptionCaptured, id, map[string]any{"severity": "LOW"})); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	got, err := list.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].TransactionID != "TX-2" || got[1].TransactionID != "TX-3" {
		t.Fatalf("unexpected events %+v", got)
	}
	if got[1].Type != ExceptionCaptured || got[1].Payload["severity"] != "LOW" {
		t.Fatalf("event not round-tripped: %+v", got[1])
	}
}

type failing struct{ calls int }

func (f *failing) Emit(ctx context.Context, e Event) error {
	f.calls++
	return errors.New("sink down")
}

type recording struct{ events []Event }

func (r *recording) Emit(ctx context.Context, e Event) error {
	r.events = append(r.events, e)
	return nil
}

func TestMultiDeliversToEverySink(t *testing.T) {
	bad := &failing{}
	good := &recording{}
	err := Multi{bad, good}.Emit(context.Background(), NewEvent(RetryCompleted, "TX-1", nil))
	if err == nil || bad.calls != 1 || len(good.events) != 1 {
		t.Fatalf("expected joined error and delivery to healthy sink, err=%v good=%d", err, len(good.events))
	}
}

func TestPublisherSwallowsFailures(t *testing.T) {
	bad := &failing{}
	p := NewPublisher(bad, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Publish(ctx, NewEvent(CriticalAlert, "TX-1", nil))
	if bad.calls != 1 {
		t.Fatalf("expected delivery attempt despite cancelled context")
	}

	var nilPublisher *Publisher
	nilPublisher.Publish(context.Background(), NewEvent(CriticalAlert, "TX-1", nil))
}
