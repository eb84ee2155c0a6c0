package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisList appends events as JSON to a capped Redis list.
type RedisList struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewRedisList keeps at most maxLen newest events; maxLen <= 0 disables trimming.
func NewRedisList(client *redis.Client, key string, maxLen int64) *RedisList {
	return &RedisList{client: client, key: key, maxLen: maxLen}
}

func (r *RedisList) Emit(ctx context.Context, e Event) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, r.key, buf)
	if r.maxLen > 0 {
		pipe.LTrim(ctx, r.key, -r.maxLen, -1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to count of the newest events, oldest first.
func (r *RedisList) Recent(ctx context.Context, count int64) ([]Event, error) {
	raw, err := r.client.LRange(ctx, r.key, -count, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
