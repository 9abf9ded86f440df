package main

import (
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/podcastd/internal/config"
	"github.com/kiranshivaraju/podcastd/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			db, err := config.LoadDatabase()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := store.RunMigrations(db.URL, db.MigrationsDir); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			slog.Info("database migrations applied", "dir", db.MigrationsDir)
			return nil
		},
	}
}
