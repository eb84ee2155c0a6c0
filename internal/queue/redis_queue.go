package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"exception-collector/internal/config"
)

// Message is one leased inbound failure event.
type Message struct {
	ID       string
	Body     []byte
	Attempts int
}

// DeadLetter is what the DLQ list stores for a message that was given up on.
type DeadLetter struct {
	ID       string          `json:"id"`
	Body     json.RawMessage `json:"body"`
	Attempts int             `json:"attempts"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failedAt"`
}

// RedisQueue coordinates ready, in-flight, and scheduled inbound events in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue named by cfg.InboundQueue.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.InboundQueue
	if name == "" {
		name = "exceptions:inbound"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = name + ":dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		metaPrefix:    name + ":msg:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

// Publish stores body and makes it ready for delivery. It returns the message id.
func (q *RedisQueue) Publish(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "body", body, "attempts", 0)
	pipe.RPush(ctx, q.readyKey, id)
	_, err := pipe.Exec(ctx)
	return id, err
}

// Schedule moves a leased message into the scheduled set for redelivery at
// runAt and counts the failed delivery.
func (q *RedisQueue) Schedule(ctx context.Context, id string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.HIncrBy(ctx, q.metaKey(id), "attempts", 1)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled messages into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, zkey string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, zkey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready message and places it in flight with a
// visibility timeout. It returns nil when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Message, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	fields, err := q.client.HMGet(ctx, q.metaKey(id), "body", "attempts").Result()
	if err != nil {
		return nil, err
	}
	msg := &Message{ID: id}
	if s, ok := fields[0].(string); ok {
		msg.Body = []byte(s)
	}
	if s, ok := fields[1].(string); ok {
		msg.Attempts, _ = strconv.Atoi(s)
	}
	return msg, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking along with its body.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter moves a leased message to the dead-letter list for operational inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	body := json.RawMessage(msg.Body)
	if !json.Valid(body) {
		body, _ = json.Marshal(string(msg.Body))
	}
	buf, err := json.Marshal(DeadLetter{
		ID:       msg.ID,
		Body:     body,
		Attempts: msg.Attempts + 1,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, msg.ID)
	pipe.Del(ctx, q.metaKey(msg.ID))
	pipe.RPush(ctx, q.dlqKey, buf)
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered messages.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns how many messages are currently leased.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
