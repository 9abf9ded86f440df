package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "podcastd",
		Short: "Asynchronous podcast generation service",
		Long: `podcastd accepts podcast generation requests over HTTP, runs them as
background jobs with retries and time limits, uploads the results to object
storage and reaps expired jobs.

Configuration is read from the environment (DATABASE_URL, REDIS_URL,
S3_BUCKET_NAME, GENERATOR_URL, ...).

Examples:
  # Run the API
  podcastd serve

  # Run a worker with 8 concurrent jobs
  WORKER_CONCURRENCY=8 podcastd worker

  # Create an API key
  podcastd keys create --name acme --rate-limit 60 --quota-daily 500`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSweepCmd(),
		newMigrateCmd(),
		newKeysCmd(),
	)
	return root
}
