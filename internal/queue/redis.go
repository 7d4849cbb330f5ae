package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/sourcescan/internal/clock"
)

// popReady atomically removes and returns the first member whose score is
// at or below ARGV[1].
var popReady = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
return ids[1]
`)

// RedisQueue is a delayed queue stored in a sorted set scored by ready time
// in milliseconds. It lets several API or worker processes share one queue.
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
	clock        clock.Clock
}

// NewRedisQueue creates a RedisQueue on key.
func NewRedisQueue(client *redis.Client, key string, pollInterval time.Duration, clk clock.Clock) *RedisQueue {
	if clk == nil {
		clk = clock.Real{}
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &RedisQueue{client: client, key: key, pollInterval: pollInterval, clock: clk}
}

func (q *RedisQueue) Enqueue(ctx context.Context, id string, delay time.Duration) error {
	score := float64(q.clock.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.key, redis.Z{Score: score, Member: id}).Err(); err != nil {
		return fmt.Errorf("redis zadd %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (string, error) {
	for {
		now := q.clock.Now().UnixMilli()
		id, err := popReady.Run(ctx, q.client, []string{q.key}, now).Text()
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("redis claim: %w", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.clock.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	return q.client.ZRem(ctx, q.key, id).Err()
}

func (q *RedisQueue) Retry(ctx context.Context, id string, delay time.Duration) error {
	return q.Enqueue(ctx, id, delay)
}
