// Package worker runs the job engine against the delivery queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/podcastd/internal/engine"
	"github.com/kiranshivaraju/podcastd/internal/queue"
)

// Executor runs one attempt of a job. *engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, id uuid.UUID) (engine.Outcome, error)
}

// Recoverer re-enqueues jobs whose deliveries were lost. *engine.Engine satisfies it.
type Recoverer interface {
	Recover(ctx context.Context) (released int64, enqueued int, err error)
}

// Pool manages a set of worker goroutines that dequeue job ids and execute
// them, plus a recovery loop that re-enqueues runnable jobs.
type Pool struct {
	queue        queue.Queue
	executor     Executor
	recoverer    Recoverer
	concurrency  int
	pollInterval time.Duration
	recoverEvery time.Duration
	workerID     string
	logger       *slog.Logger

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[uuid.UUID]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithRecoverer enables the recovery loop. A zero interval disables it.
func WithRecoverer(r Recoverer, every time.Duration) PoolOption {
	return func(p *Pool) {
		p.recoverer = r
		p.recoverEvery = every
	}
}

// NewPool creates a worker pool.
func NewPool(q queue.Queue, executor Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:        q,
		executor:     executor,
		concurrency:  4,
		pollInterval: time.Second,
		workerID:     uuid.NewString(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	p.logger = logger.With(slog.String("worker_id", p.workerID))
	return p
}

// WorkerID returns the pool's identifier. Every pool log line carries it
// as worker_id.
func (p *Pool) WorkerID() string { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting", slog.Int("concurrency", p.concurrency))

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.recoverer != nil && p.recoverEvery > 0 {
		p.wg.Add(1)
		go p.recoverLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight attempts.
// When ctx expires first, active attempts are cancelled; their jobs keep
// their claims until the recovery loop releases them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		<-done
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		id, ok, err := p.queue.Dequeue(context.Background())
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if !ok {
			p.sleep()
			continue
		}

		p.run(id)
	}
}

func (p *Pool) run(id uuid.UUID) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.trackJob(id, cancel)
	defer p.untrackJob(id)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic executing job", slog.String("job_id", id.String()), slog.Any("panic", r))
		}
	}()

	out, err := p.executor.Execute(ctx, id)
	if err != nil {
		// The recovery loop re-enqueues the job once it is runnable again.
		p.logger.Error("job execution error",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	p.logger.Debug("attempt finished",
		slog.String("job_id", id.String()),
		slog.String("outcome", string(out)),
	)
}

func (p *Pool) recoverLoop() {
	defer p.wg.Done()

	p.recoverOnce()

	ticker := time.NewTicker(p.recoverEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.recoverOnce()
		}
	}
}

func (p *Pool) recoverOnce() {
	released, enqueued, err := p.recoverer.Recover(context.Background())
	if err != nil {
		p.logger.Error("job recovery error", slog.String("error", err.Error()))
		return
	}
	backlog, err := p.queue.Len(context.Background())
	if err != nil {
		p.logger.Warn("queue length unavailable", slog.String("error", err.Error()))
	}
	if released > 0 || enqueued > 0 || backlog > 0 {
		p.logger.Info("job recovery",
			slog.Int64("released", released),
			slog.Int("enqueued", enqueued),
			slog.Int64("queue_backlog", backlog),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(id uuid.UUID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[id] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(id uuid.UUID) {
	p.activeMu.Lock()
	delete(p.activeJobs, id)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for id, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", id.String()))
		cancel()
	}
}
