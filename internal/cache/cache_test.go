package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/podcastd/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := cache.NewRedisCache("not-a-redis-url")
	assert.Error(t, err)
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

// --- SlidingWindow ---

func TestSlidingWindow_CountsWithinWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("alice-" + uuid.NewString()[:8])
	now := time.Now()

	for i := 0; i < 5; i++ {
		n, err := rc.SlidingWindow(ctx, key, now, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), n, "same-instant events must each count")
	}
}

func TestSlidingWindow_EvictsOldEntries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("bob-" + uuid.NewString()[:8])
	start := time.Now()

	for i := 0; i < 3; i++ {
		_, err := rc.SlidingWindow(ctx, key, start, time.Minute)
		require.NoError(t, err)
	}

	n, err := rc.SlidingWindow(ctx, key, start.Add(61*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSlidingWindow_SetsExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("ttl-" + uuid.NewString()[:8])

	_, err := rc.SlidingWindow(ctx, key, time.Now(), 10*time.Second)
	require.NoError(t, err)

	ttl, err := rc.Client().PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 10*time.Second)
	assert.LessOrEqual(t, ttl, 11*time.Second)
}

func TestSlidingWindow_Concurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("burst-" + uuid.NewString()[:8])

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rc.SlidingWindow(ctx, key, time.Now(), time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := rc.Client().ZCard(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

// --- Daily counters ---

func TestGetCount_Missing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	n, err := rc.GetCount(context.Background(), "quota:nobody:20260101")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestIncrBelow_CountsUpToLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.DailyQuotaKey("carol-"+uuid.NewString()[:8], time.Now())
	at := time.Now().Add(time.Hour)

	for want := int64(1); want <= 2; want++ {
		n, ok, err := rc.IncrBelow(ctx, key, 2, at)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, n)
	}

	n, ok, err := rc.IncrBelow(ctx, key, 2, at)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), n)

	got, err := rc.GetCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	ttl, err := rc.Client().TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestIncrBelow_ConcurrentBurst(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.DailyQuotaKey("dave-"+uuid.NewString()[:8], time.Now())
	at := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := rc.IncrBelow(ctx, key, 5, at)
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), admitted.Load())
	got, err := rc.GetCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

// --- Locks ---

func TestAcquireLock_Exclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "lock:test:" + uuid.NewString()[:8]

	token, ok, err := rc.AcquireLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = rc.AcquireLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	require.NoError(t, rc.ReleaseLock(ctx, key, token))

	_, ok, err = rc.AcquireLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLock_WrongToken(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "lock:test:" + uuid.NewString()[:8]

	_, ok, err := rc.AcquireLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	err = rc.ReleaseLock(ctx, key, "someone-else")
	assert.ErrorIs(t, err, cache.ErrLockNotHeld)
}

// --- Cache Key Builders ---

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "ratelimit:alice", cache.RateLimitKey("alice"))
}

func TestDailyQuotaKey(t *testing.T) {
	day := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))
	// 23:30 PST is 07:30 UTC the next day.
	assert.Equal(t, "quota:alice:20260310", cache.DailyQuotaKey("alice", day))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	now := time.Now()
	keys := map[string]bool{
		cache.RateLimitKey("alice"):       true,
		cache.DailyQuotaKey("alice", now): true,
		cache.QueueKey:                    true,
		cache.RetentionLockKey:            true,
	}
	assert.Len(t, keys, 4, "all keys should be unique")
}
