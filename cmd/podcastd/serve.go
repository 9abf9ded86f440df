package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/podcastd/internal/api"
	"github.com/kiranshivaraju/podcastd/internal/api/handler"
	mw "github.com/kiranshivaraju/podcastd/internal/api/middleware"
	"github.com/kiranshivaraju/podcastd/internal/config"
	"github.com/kiranshivaraju/podcastd/internal/quota"
	"github.com/kiranshivaraju/podcastd/internal/store"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply database migrations on startup")
	return cmd
}

func runServe(ctx context.Context, skipMigrations bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()
	logger.Info("config loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)

	if !skipMigrations {
		if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	svc, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	limiter := quota.New(svc.redis, cfg.RateLimit.Window)
	router := newRouter(svc, limiter)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	// Cancellations made through the API may still be delivering webhooks.
	if err := svc.notifier.Wait(shutdownCtx); err != nil {
		logger.Warn("webhook deliveries still pending at shutdown", "error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

func newRouter(svc *services, limiter *quota.Limiter) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(svc.store),
		Admission:     mw.NewAdmission(limiter),
		HealthHandler: handler.NewHealthHandler(version, svc.healthChecks()),
		SubmitHandler: handler.NewSubmitHandler(svc.engine),
		ListHandler:   handler.NewListHandler(svc.engine),
		GetHandler:    handler.NewGetHandler(svc.engine),
		CancelHandler: handler.NewCancelHandler(svc.engine),
		StatsHandler:  handler.NewStatsHandler(svc.engine, limiter),
	})
}
