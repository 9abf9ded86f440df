package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/podcastd/internal/api/handler"
	"github.com/kiranshivaraju/podcastd/internal/cache"
	"github.com/kiranshivaraju/podcastd/internal/config"
	"github.com/kiranshivaraju/podcastd/internal/engine"
	"github.com/kiranshivaraju/podcastd/internal/generator"
	"github.com/kiranshivaraju/podcastd/internal/notify"
	"github.com/kiranshivaraju/podcastd/internal/queue"
	"github.com/kiranshivaraju/podcastd/internal/retention"
	"github.com/kiranshivaraju/podcastd/internal/storage"
	"github.com/kiranshivaraju/podcastd/internal/store"
)

// services holds every connected backend and the components built on them.
type services struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	store     *store.PostgresStore
	redis     *cache.RedisCache
	queue     *queue.RedisQueue
	storage   *storage.S3Storage
	generator *generator.HTTPClient
	notifier  *notify.Dispatcher
	engine    *engine.Engine
}

// connect opens the database, Redis and object storage and builds the engine.
// Callers must call close.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *services, err error) {
	s := &services{cfg: cfg}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.pool, err = store.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s.store = store.NewPostgresStore(s.pool)
	logger.Info("database connected")

	s.redis, err = cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := s.redis.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s.queue = queue.NewRedisQueue(s.redis.Client())
	logger.Info("redis connected")

	s.storage, err = storage.NewS3(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create object storage: %w", err)
	}

	s.generator = generator.NewHTTPClient(cfg.Generator.BaseURL, cfg.Generator.Timeout)
	s.notifier = notify.NewDispatcher(cfg.Notify.Timeout, cfg.Notify.RatePerSecond, cfg.Notify.Burst, logger)

	s.engine = engine.New(engine.Config{
		MaxRetries:    cfg.Engine.MaxRetries,
		Backoff:       engine.Exponential{Initial: cfg.Engine.RetryBackoff, Max: cfg.Engine.MaxBackoff},
		SoftTimeLimit: cfg.Engine.SoftTimeLimit,
		HardTimeLimit: cfg.Engine.HardTimeLimit,
	}, engine.Deps{
		Store:     s.store,
		Queue:     s.queue,
		Generator: s.generator,
		Storage:   s.storage,
		Notifier:  s.notifier,
		Logger:    logger,
	})
	return s, nil
}

func (s *services) sweeper(logger *slog.Logger) *retention.Sweeper {
	return retention.NewSweeper(s.store, s.storage, retention.Config{
		Window:        s.cfg.Retention.Window,
		Schedule:      s.cfg.Retention.Schedule,
		BatchSize:     s.cfg.Retention.BatchSize,
		DeletesPerSec: s.cfg.Retention.DeletesPerSec,
	}, logger, retention.WithLocker(s.redis))
}

func (s *services) healthChecks() map[string]handler.Pinger {
	return healthChecks(s.store, s.redis, s.storage, s.generator)
}

// healthChecks names the dependencies reported by GET /api/v1/health.
func healthChecks(db, redis, objects handler.Pinger, gen generator.Generator) map[string]handler.Pinger {
	return map[string]handler.Pinger{
		"database":  db,
		"redis":     redis,
		"storage":   objects,
		"generator": handler.PingFunc(gen.Ready),
	}
}

func (s *services) close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
