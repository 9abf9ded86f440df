package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is the shared keyed-counter store. All admission counters and
// cross-instance locks go through here. Implementations must be safe for
// concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	Counter
	Locker
}

// Counter is the subset of Cache the quota limiter needs.
type Counter interface {
	// SlidingWindow records one event at now under key, evicts events older
	// than window, and returns how many events remain, all in one atomic step.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
	// GetCount returns the integer stored at key, or 0 if it does not exist.
	GetCount(ctx context.Context, key string) (int64, error)
	// IncrBelow increments key and sets it to expire at the given instant,
	// unless key already holds limit or more. It returns the count after the
	// call and whether the increment happened, all in one atomic step.
	IncrBelow(ctx context.Context, key string, limit int64, at time.Time) (count int64, ok bool, err error)
}

// Locker provides a best-effort mutual exclusion lock across instances.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// ErrLockNotHeld is returned by ReleaseLock when the lock expired or was
// taken over by another holder.
var ErrLockNotHeld = errors.New("cache: lock not held")

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
redis.call('ZADD', key, now, ARGV[3])
local count = redis.call('ZCARD', key)
redis.call('PEXPIRE', key, window + 1000)
return count
`)

var incrBelowScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
	return {cur, 0}
end
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
return {n, 1}
`)

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var _ Cache = (*RedisCache)(nil)

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying connection so other Redis-backed
// components (the work queue) share one pool.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	// Members must be unique so two events in the same millisecond both count.
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	return slidingWindowScript.Run(ctx, c.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), member).Int64()
}

func (c *RedisCache) GetCount(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (c *RedisCache) IncrBelow(ctx context.Context, key string, limit int64, at time.Time) (int64, bool, error) {
	vals, err := incrBelowScript.Run(ctx, c.client, []string{key}, limit, at.UnixMilli()).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("cache: unexpected incr reply %v", vals)
	}
	return vals[0], vals[1] == 1, nil
}

func (c *RedisCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (c *RedisCache) ReleaseLock(ctx context.Context, key, token string) error {
	n, err := releaseLockScript.Run(ctx, c.client, []string{key}, token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
