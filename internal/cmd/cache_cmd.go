package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chatwoot/chatbridge/internal/cache"
	"github.com/chatwoot/chatbridge/internal/config"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the conversation cache",
	}
	cmd.AddCommand(newCacheShowCmd())
	cmd.AddCommand(newCacheClearCmd())
	return cmd
}

func openStore(cfg *config.Config, logger *slog.Logger) (*cache.Store, error) {
	backend, err := cache.OpenBackend(cache.Options{
		Backend:  cfg.Cache.Backend,
		Path:     cfg.Cache.Path,
		RedisURL: cfg.Cache.RedisURL,
	})
	if err != nil {
		return nil, usageErrorf("cache: %v", err)
	}
	return cache.New(backend, logger), nil
}

type cacheSummary struct {
	Backend string `json:"backend"`
	Path    string `json:"path,omitempty"`
	cache.Stats
}

func newCacheShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print cache entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close(context.WithoutCancel(cmd.Context())) }()

			if err := store.Load(cmd.Context()); err != nil {
				return fmt.Errorf("loading cache: %w", err)
			}
			summary := cacheSummary{Backend: store.Backend(), Stats: store.Snapshot().Stats()}
			if store.Backend() == cache.BackendFile || store.Backend() == cache.BackendSQLite || store.Backend() == cache.BackendBolt {
				summary.Path = cfg.Cache.Path
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			_, _ = fmt.Fprintf(out, "Backend:        %s\n", summary.Backend)
			if summary.Path != "" {
				_, _ = fmt.Fprintf(out, "Path:           %s\n", summary.Path)
			}
			_, _ = fmt.Fprintf(out, "Contacts:       %d\n", summary.Contacts)
			_, _ = fmt.Fprintf(out, "Conversations:  %d\n", summary.Conversations)
			_, _ = fmt.Fprintf(out, "Message lists:  %d\n", summary.MessageLists)
			_, _ = fmt.Fprintf(out, "Messages:       %d\n", summary.Messages)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all cached data from the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close(context.WithoutCancel(cmd.Context())) }()

			if err := store.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("clearing cache: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cache cleared (%s)\n", store.Backend())
			return nil
		},
	}
}
