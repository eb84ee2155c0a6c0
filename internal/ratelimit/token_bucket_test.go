package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"exception-collector/internal/apperr"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestCheckActor(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 0.001, time.Minute)

	if err := bucket.CheckActor(ctx, "alice"); err != nil {
		t.Fatalf("first mutation rejected: %v", err)
	}
	err = bucket.CheckActor(ctx, "alice")
	if apperr.Classify(err) != apperr.KindRateLimit {
		t.Fatalf("expected RATE_LIMIT, got %v", err)
	}
	if err := bucket.CheckActor(ctx, "bob"); err != nil {
		t.Fatalf("buckets must be per actor: %v", err)
	}

	mr.Close()
	if err := bucket.CheckActor(ctx, "alice"); err != nil {
		t.Fatalf("limiter must fail open when redis is down: %v", err)
	}
}
