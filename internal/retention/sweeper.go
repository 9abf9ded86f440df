// Package retention deletes terminal jobs and their artifacts once they
// fall outside the retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/kiranshivaraju/podcastd/internal/cache"
	"github.com/kiranshivaraju/podcastd/internal/storage"
	"github.com/kiranshivaraju/podcastd/internal/store"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

const lockTTL = time.Hour

// Config controls what is swept and how fast.
type Config struct {
	Window        time.Duration
	Schedule      string
	BatchSize     int
	DeletesPerSec float64
}

// Report summarises one sweep.
type Report struct {
	Scanned   int
	Deleted   int
	Failed    int
	Artifacts int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLocker makes scheduled and RunOnce sweeps take a distributed lock so
// only one instance sweeps at a time.
func WithLocker(l cache.Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper removes expired terminal jobs. Artifacts are deleted before the
// record; a job whose artifacts cannot be deleted keeps its record and is
// retried on the next sweep.
type Sweeper struct {
	store   store.Store
	storage storage.Storage
	locker  cache.Locker
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cronlib.Cron
}

// NewSweeper creates a Sweeper.
func NewSweeper(st store.Store, stor storage.Storage, cfg Config, logger *slog.Logger, opts ...Option) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.DeletesPerSec > 0 {
		limit = rate.Limit(cfg.DeletesPerSec)
	}
	s := &Sweeper{
		store:   st,
		storage: stor,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep deletes every terminal job created before now minus the retention
// window. Running it again after a partial failure resumes where it stopped.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	cutoff := s.now().Add(-s.cfg.Window)
	failed := make(map[uuid.UUID]bool)

	for {
		limit := s.cfg.BatchSize + len(failed)
		jobs, err := s.store.ListExpiredJobs(ctx, cutoff, limit)
		if err != nil {
			return rep, fmt.Errorf("listing expired jobs: %w", err)
		}

		progressed := false
		for _, job := range jobs {
			if failed[job.ID] {
				continue
			}
			rep.Scanned++
			progressed = true
			n, err := s.purge(ctx, job)
			rep.Artifacts += n
			if err != nil {
				if ctx.Err() != nil {
					return rep, ctx.Err()
				}
				s.logger.Warn("retention: keeping job after delete failure",
					"job_id", job.ID, "error", err)
				failed[job.ID] = true
				rep.Failed++
				continue
			}
			rep.Deleted++
		}

		if !progressed || len(jobs) < limit {
			break
		}
	}

	s.logger.Info("retention sweep finished",
		"cutoff", cutoff,
		"scanned", rep.Scanned,
		"deleted", rep.Deleted,
		"failed", rep.Failed,
		"artifacts", rep.Artifacts,
	)
	return rep, nil
}

// purge deletes the job's artifacts then its record. It returns the number
// of artifact deletes issued.
func (s *Sweeper) purge(ctx context.Context, job *models.Job) (int, error) {
	deleted := 0
	for _, key := range artifactKeys(job) {
		if err := s.limiter.Wait(ctx); err != nil {
			return deleted, err
		}
		if err := s.storage.Delete(ctx, key); err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", key, err)
		}
		deleted++
	}
	if err := s.store.DeleteJob(ctx, job.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return deleted, fmt.Errorf("deleting job record: %w", err)
	}
	return deleted, nil
}

// artifactKeys lists every key a job may own. Failed and cancelled jobs can
// still hold objects from an attempt that uploaded before losing its claim.
func artifactKeys(job *models.Job) []string {
	keys := []string{storage.AudioKey(job.ID), storage.TranscriptKey(job.ID)}
	if job.Result != nil {
		if job.Result.AudioKey != "" && job.Result.AudioKey != keys[0] {
			keys = append(keys, job.Result.AudioKey)
		}
		if job.Result.TranscriptKey != nil && *job.Result.TranscriptKey != keys[1] {
			keys = append(keys, *job.Result.TranscriptKey)
		}
	}
	return keys
}

// RunOnce sweeps under the retention lock. ran is false when another
// instance holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (rep Report, ran bool, err error) {
	if s.locker == nil {
		rep, err = s.Sweep(ctx)
		return rep, true, err
	}

	token, ok, err := s.locker.AcquireLock(ctx, cache.RetentionLockKey, lockTTL)
	if err != nil {
		return rep, false, fmt.Errorf("acquiring retention lock: %w", err)
	}
	if !ok {
		s.logger.Info("retention sweep skipped, lock held elsewhere")
		return rep, false, nil
	}
	defer func() {
		if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), cache.RetentionLockKey, token); err != nil {
			s.logger.Warn("releasing retention lock failed", "error", err)
		}
	}()

	rep, err = s.Sweep(ctx)
	return rep, true, err
}

// Start schedules RunOnce on the configured cron expression.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cronlib.New(cronlib.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.Schedule, s.tick); err != nil {
		return fmt.Errorf("parsing retention schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("retention scheduler started",
		slog.String("schedule", s.cfg.Schedule),
		slog.Duration("window", s.cfg.Window),
	)
	return nil
}

// Stop stops scheduling and waits for a running sweep until ctx expires.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		s.logger.Info("retention scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retention scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Sweeper) tick() {
	if _, _, err := s.RunOnce(context.Background()); err != nil {
		s.logger.Error("retention sweep failed", "error", err)
	}
}
