package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/podcastd/internal/engine"
	"github.com/kiranshivaraju/podcastd/internal/generator/mock"
	"github.com/kiranshivaraju/podcastd/internal/queue"
	"github.com/kiranshivaraju/podcastd/internal/storage"
	"github.com/kiranshivaraju/podcastd/internal/store"
	"github.com/kiranshivaraju/podcastd/internal/worker"
	"github.com/kiranshivaraju/podcastd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify(*models.Job) { c.n.Add(1) }

type blockingExecutor struct {
	started chan uuid.UUID
}

func (b *blockingExecutor) Execute(ctx context.Context, id uuid.UUID) (engine.Outcome, error) {
	b.started <- id
	<-ctx.Done()
	return engine.OutcomeAbandoned, nil
}

type countingRecoverer struct{ calls atomic.Int32 }

func (c *countingRecoverer) Recover(context.Context) (int64, int, error) {
	c.calls.Add(1)
	return 0, 0, nil
}

func setupEngine(t *testing.T) (*engine.Engine, *store.MemoryStore, *queue.MemoryQueue, *countingNotifier) {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(nil)
	n := &countingNotifier{}
	eng := engine.New(engine.Config{
		MaxRetries:    3,
		SoftTimeLimit: time.Second,
		HardTimeLimit: 2 * time.Second,
	}, engine.Deps{
		Store:     st,
		Queue:     q,
		Generator: mock.NewGenerator(t.TempDir()),
		Storage:   storage.NewMemoryStorage(),
		Notifier:  n,
		Logger:    slog.Default(),
	})
	return eng, st, q, n
}

func TestPool_StartStop(t *testing.T) {
	eng, _, q, _ := setupEngine(t)
	pool := worker.NewPool(q, eng, slog.Default(),
		worker.WithConcurrency(2),
		worker.WithPollInterval(20*time.Millisecond),
	)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Start(context.Background()), "double start is a no-op")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))
	require.NoError(t, pool.Stop(ctx), "double stop is a no-op")
}

func TestPool_ProcessesSubmittedJobs(t *testing.T) {
	eng, st, q, n := setupEngine(t)
	pool := worker.NewPool(q, eng, slog.Default(),
		worker.WithConcurrency(3),
		worker.WithPollInterval(10*time.Millisecond),
	)
	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop(context.Background()) }()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job, err := eng.Submit(context.Background(), models.Principal{Name: "alice"},
			models.GenerationRequest{Topic: "distributed systems"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := st.GetJob(context.Background(), id)
			if err != nil || j.Status != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(5), n.n.Load())
}

func TestPool_DuplicateDeliveryRunsOnce(t *testing.T) {
	eng, st, q, n := setupEngine(t)
	job, err := eng.Submit(context.Background(), models.Principal{Name: "alice"},
		models.GenerationRequest{Text: "hello world"})
	require.NoError(t, err)

	pool := worker.NewPool(q, eng, slog.Default(),
		worker.WithConcurrency(4),
		worker.WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop(context.Background()) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Requeue(context.Background(), job.ID, 0))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), job.ID)
		return err == nil && j.Status == models.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), n.n.Load())
}

func TestPool_StopTimeoutCancelsActiveJobs(t *testing.T) {
	q := queue.NewMemoryQueue(nil)
	exec := &blockingExecutor{started: make(chan uuid.UUID, 1)}
	pool := worker.NewPool(q, exec, slog.Default(),
		worker.WithConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, pool.Start(context.Background()))

	id := uuid.New()
	require.NoError(t, q.Enqueue(context.Background(), id))
	select {
	case got := <-exec.started:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_RecoveryLoopRuns(t *testing.T) {
	q := queue.NewMemoryQueue(nil)
	rec := &countingRecoverer{}
	exec := &blockingExecutor{started: make(chan uuid.UUID, 1)}
	pool := worker.NewPool(q, exec, slog.Default(),
		worker.WithConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithRecoverer(rec, 10*time.Millisecond),
	)
	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return rec.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) == nil {
			out = append(out, rec)
		}
	}
	return out
}

func TestPool_RecoveryLogsQueueBacklog(t *testing.T) {
	q := queue.NewMemoryQueue(nil)
	require.NoError(t, q.Enqueue(context.Background(), uuid.New()))
	require.NoError(t, q.Enqueue(context.Background(), uuid.New()))

	var logs lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	exec := &blockingExecutor{started: make(chan uuid.UUID, 1)}
	pool := worker.NewPool(q, exec, logger,
		worker.WithConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithRecoverer(&countingRecoverer{}, 10*time.Millisecond),
	)
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	// The single worker blocks on the first job, so one delivery stays queued.
	var rec map[string]any
	require.Eventually(t, func() bool {
		for _, l := range logs.lines() {
			if l["msg"] == "job recovery" {
				rec = l
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, rec["queue_backlog"], float64(1))
	assert.Equal(t, pool.WorkerID(), rec["worker_id"])
}

func TestPool_RecoveryReenqueuesLostDelivery(t *testing.T) {
	eng, st, q, _ := setupEngine(t)
	job, err := eng.Submit(context.Background(), models.Principal{Name: "alice"},
		models.GenerationRequest{Text: "lost delivery"})
	require.NoError(t, err)

	// Drop the delivery as if the broker lost it.
	_, ok, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	pool := worker.NewPool(q, eng, slog.Default(),
		worker.WithConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithRecoverer(eng, time.Hour),
	)
	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), job.ID)
		return err == nil && j.Status == models.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
