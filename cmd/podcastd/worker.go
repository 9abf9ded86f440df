package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/podcastd/internal/config"
	"github.com/kiranshivaraju/podcastd/internal/worker"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var noRetention bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker pool",
		Long: `Run the job worker pool. Each worker takes ready job ids from the queue
and drives them through generation, upload and completion. The worker also
re-enqueues jobs lost by crashed workers and, unless disabled, runs the
scheduled retention sweep.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), !noRetention)
		},
	}
	cmd.Flags().BoolVar(&noRetention, "no-retention", false, "Do not run the scheduled retention sweep in this process")
	return cmd
}

func runWorker(ctx context.Context, retentionEnabled bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()

	svc, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	pool := worker.NewPool(svc.queue, svc.engine, logger,
		worker.WithConcurrency(cfg.Engine.Workers),
		worker.WithPollInterval(cfg.Engine.PollInterval),
		worker.WithRecoverer(svc.engine, cfg.Engine.RecoverEvery),
	)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	logger = logger.With(slog.String("worker_id", pool.WorkerID()))

	sweeper := svc.sweeper(logger)
	if retentionEnabled {
		if err := sweeper.Start(ctx); err != nil {
			_ = pool.Stop(context.Background())
			return fmt.Errorf("start retention sweeper: %w", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping workers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if retentionEnabled {
		errs = append(errs, sweeper.Stop(shutdownCtx))
	}
	errs = append(errs, pool.Stop(shutdownCtx))
	errs = append(errs, svc.notifier.Wait(shutdownCtx))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("worker shutdown: %w", err)
	}

	logger.Info("worker stopped gracefully")
	return nil
}
