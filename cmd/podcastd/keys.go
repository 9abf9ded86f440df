package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/podcastd/internal/api/middleware"
	"github.com/kiranshivaraju/podcastd/internal/config"
	"github.com/kiranshivaraju/podcastd/internal/store"
	"github.com/kiranshivaraju/podcastd/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "pcd_"

type keyOptions struct {
	Name       string
	RateLimit  int
	QuotaDaily int
	Admin      bool
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var opts keyOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(st store.Store) error {
				return createKey(cmd.Context(), st, opts, cmd.OutOrStdout())
			})
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "Principal name that will own jobs created with this key")
	create.Flags().IntVar(&opts.RateLimit, "rate-limit", models.DefaultRateLimit, "Requests per rate limit window")
	create.Flags().IntVar(&opts.QuotaDaily, "quota-daily", models.DefaultQuotaDaily, "Job submissions per UTC day")
	create.Flags().BoolVar(&opts.Admin, "admin", false, "Allow reading and cancelling every principal's jobs")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(
		create,
		newSetActiveCmd("disable", "Reject further requests made with a principal's key", false),
		newSetActiveCmd("enable", "Accept requests made with a principal's key again", true),
	)
	return cmd
}

func newSetActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(st store.Store) error {
				if err := st.SetAPIKeyActive(cmd.Context(), args[0], active); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("no API key named %q", args[0])
					}
					return err
				}
				slog.Info("api key updated", "name", args[0], "active", active)
				return nil
			})
		},
	}
}

// withStore connects to Postgres only; key management needs nothing else.
func withStore(ctx context.Context, fn func(store.Store) error) error {
	db, err := config.LoadDatabase()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	pool, err := store.Connect(ctx, db, slog.Default())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(store.NewPostgresStore(pool))
}

func createKey(ctx context.Context, st store.Store, opts keyOptions, out io.Writer) error {
	if opts.Name == "" {
		return errors.New("--name is required")
	}
	if opts.RateLimit < 1 || opts.QuotaDaily < 1 {
		return errors.New("--rate-limit and --quota-daily must be positive")
	}

	raw, err := generateKey()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:         uuid.New(),
		Name:       opts.Name,
		KeyHash:    string(hash),
		KeyPrefix:  raw[:mw.KeyPrefixLen],
		RateLimit:  opts.RateLimit,
		QuotaDaily: opts.QuotaDaily,
		Active:     true,
		Admin:      opts.Admin,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("an API key named %q already exists", opts.Name)
		}
		return fmt.Errorf("create key: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"id":          key.ID,
		"name":        key.Name,
		"key":         raw,
		"rate_limit":  key.RateLimit,
		"quota_daily": key.QuotaDaily,
		"admin":       key.Admin,
	})
}

// generateKey returns a new raw API key. Only its bcrypt hash is stored.
func generateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(b), nil
}
