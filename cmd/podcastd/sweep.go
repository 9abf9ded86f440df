package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/kiranshivaraju/podcastd/internal/config"
	"github.com/kiranshivaraju/podcastd/internal/retention"
	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep now",
		Long: `Delete terminal jobs older than RETENTION_WINDOW together with their
stored artifacts. The sweep takes the same lock as the scheduled sweep, so it
is skipped when another instance is already sweeping.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), cmd.OutOrStdout())
		},
	}
	return cmd
}

func runSweep(ctx context.Context, out io.Writer) error {
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

	rep, ran, err := svc.sweeper(logger).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return writeSweepReport(out, rep, ran)
}

func writeSweepReport(out io.Writer, rep retention.Report, ran bool) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"ran":       ran,
		"scanned":   rep.Scanned,
		"deleted":   rep.Deleted,
		"failed":    rep.Failed,
		"artifacts": rep.Artifacts,
	})
}
