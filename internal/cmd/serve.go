package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/bridge"
	"github.com/chatwoot/chatbridge/internal/cache"
	"github.com/chatwoot/chatbridge/internal/config"
	"github.com/chatwoot/chatbridge/internal/server"
)

const cacheCloseTimeout = 5 * time.Second

type serveFlags struct {
	Listen       string
	BaseURL      string
	AccountID    int
	InboxID      int
	CacheBackend string
	CachePath    string
	RedisURL     string
	AgentRefresh time.Duration
}

func newServeCmd() *cobra.Command {
	var sf serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat bridge HTTP server",
		Long: `Run the HTTP server for the visitor widget and the agent console.

The server starts even when the Chatwoot connection is incomplete; every
bridge endpoint then answers config_incomplete until the settings are fixed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd.Flags(), &sf, cfg); err != nil {
				return err
			}
			logger := setupLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			rt.warmUp(ctx)
			return rt.run(ctx)
		},
	}

	cmd.Flags().StringVar(&sf.Listen, "listen", "", "HTTP listen address (env CHATBRIDGE_LISTEN, default :8080)")
	cmd.Flags().StringVar(&sf.BaseURL, "base-url", "", "Chatwoot base URL (env CHATWOOT_BASE_URL)")
	cmd.Flags().IntVar(&sf.AccountID, "account-id", 0, "Chatwoot account id (env CHATWOOT_ACCOUNT_ID)")
	cmd.Flags().IntVar(&sf.InboxID, "inbox-id", 0, "Chatwoot inbox id (env CHATWOOT_INBOX_ID)")
	cmd.Flags().StringVar(&sf.CacheBackend, "cache-backend", "", "Cache backend: file|memory|redis|sqlite|bolt (env CHATBRIDGE_CACHE_BACKEND)")
	cmd.Flags().StringVar(&sf.CachePath, "cache-path", "", "Cache file path (env CHATBRIDGE_CACHE_PATH)")
	cmd.Flags().StringVar(&sf.RedisURL, "redis-url", "", "Redis URL for the redis backend (env CHATBRIDGE_REDIS_URL)")
	cmd.Flags().DurationVar(&sf.AgentRefresh, "agent-refresh", 0, "Agent list refresh interval, 0 disables (env CHATBRIDGE_AGENT_REFRESH)")
	return cmd
}

// applyServeFlags copies explicitly set flags over cfg.
func applyServeFlags(fs *pflag.FlagSet, sf *serveFlags, cfg *config.Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "listen":
			cfg.Server.Listen = sf.Listen
		case "base-url":
			if verr := config.ValidateBaseURL(sf.BaseURL); verr != nil {
				err = usageErrorf("--base-url: %v", verr)
				return
			}
			cfg.Chatwoot.BaseURL = sf.BaseURL
		case "account-id":
			if sf.AccountID <= 0 {
				err = usageErrorf("--account-id must be a positive integer")
				return
			}
			cfg.Chatwoot.AccountID = sf.AccountID
		case "inbox-id":
			if sf.InboxID <= 0 {
				err = usageErrorf("--inbox-id must be a positive integer")
				return
			}
			cfg.Chatwoot.InboxID = sf.InboxID
		case "cache-backend":
			cfg.Cache.Backend = sf.CacheBackend
		case "cache-path":
			cfg.Cache.Path = sf.CachePath
		case "redis-url":
			cfg.Cache.RedisURL = sf.RedisURL
		case "agent-refresh":
			if sf.AgentRefresh < 0 {
				err = usageErrorf("--agent-refresh must be >= 0")
				return
			}
			cfg.Agents.RefreshInterval = sf.AgentRefresh
		}
	})
	return err
}

// app is the wired bridge process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *cache.Store
	bridge *bridge.Bridge
	server *server.Server
}

// newApp wires the cache, bridge and HTTP server for cfg. An incomplete
// Chatwoot configuration is not an error: the server reports it per request.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, logger: logger, store: store}

	cfgErr := cfg.Validate()
	var (
		svc    server.Service
		remote server.RemoteChecker
	)
	if cfgErr == nil {
		client, b, err := newBridge(cfg, store, logger)
		if err != nil {
			_ = store.Close(context.Background())
			return nil, err
		}
		rt.bridge = b
		svc = b
		remote = client
	} else {
		logger.Warn("chatwoot configuration incomplete; bridge endpoints will report config_incomplete", "error", cfgErr)
	}

	rt.server = server.New(svc, server.Options{
		ConfigErr: cfgErr,
		Health: server.Health{
			BaseURL:      cfg.Chatwoot.BaseURL,
			InboxID:      cfg.Chatwoot.InboxID,
			CacheBackend: store.Backend(),
		},
		Remote: remote,
		Logger: logger,
	})
	return rt, nil
}

func newBridge(cfg *config.Config, store *cache.Store, logger *slog.Logger) (*api.Client, *bridge.Bridge, error) {
	strategies, err := api.BuildStrategies(cfg.Chatwoot.ContactStrategies, cfg.Chatwoot.InboxID, cfg.Chatwoot.InboxIdentifier)
	if err != nil {
		return nil, nil, usageErrorf("contact strategies: %v", err)
	}
	client := api.New(cfg.Chatwoot.BaseURL, cfg.Chatwoot.APIToken, cfg.Chatwoot.AccountID)
	return client, bridge.New(client, store, bridge.Options{
		InboxID:         cfg.Chatwoot.InboxID,
		Strategies:      strategies,
		EmailDomain:     cfg.Chatwoot.EmailDomain,
		ConversationTag: cfg.Chatwoot.ConversationTag,
		AgentToken:      cfg.Chatwoot.AgentAPIToken,
		Logger:          logger,
	}), nil
}

// warmUp loads the cache snapshot and the agent list concurrently. Neither
// failure stops the server.
func (rt *app) warmUp(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.store.Load(gctx); err != nil {
			rt.logger.Warn("cache load failed; starting empty", "backend", rt.store.Backend(), "error", err)
		}
		return nil
	})
	if rt.bridge != nil {
		g.Go(func() error {
			if err := rt.bridge.Agents().Refresh(gctx); err != nil {
				rt.logger.Warn("initial agent refresh failed", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// run serves until ctx is canceled or the listener fails.
func (rt *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.server.Run(gctx, rt.cfg.Server.Listen)
	})
	if rt.bridge != nil && rt.cfg.Agents.RefreshInterval > 0 {
		g.Go(func() error {
			rt.bridge.Agents().Run(gctx, rt.cfg.Agents.RefreshInterval)
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (rt *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), cacheCloseTimeout)
	defer cancel()
	if err := rt.store.Close(ctx); err != nil {
		rt.logger.Warn("cache close failed", "error", err)
	}
}
