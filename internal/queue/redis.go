package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/podcastd/internal/cache"
	"github.com/redis/go-redis/v9"
)

var _ Queue = (*RedisQueue)(nil)

// popDueScript pops the earliest member whose score is at most ARGV[1].
var popDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
return ids[1]
`)

// RedisQueue stores job ids in a sorted set scored by ready time in
// unix milliseconds.
type RedisQueue struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisQueue creates a RedisQueue on the shared job queue key.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: cache.QueueKey, now: time.Now}
}

func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	err := q.client.ZAddNX(ctx, q.key, redis.Z{
		Score:  float64(q.now().UnixMilli()),
		Member: id.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(q.now().Add(delay).UnixMilli()),
		Member: id.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	member, err := popDueScript.Run(ctx, q.client, []string{q.key}, q.now().UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("queue: dequeue: %w", err)
	}
	id, err := uuid.Parse(member)
	if err != nil {
		// The script has already removed the member.
		return uuid.Nil, false, fmt.Errorf("queue: malformed member %q: %w", member, err)
	}
	return id, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
