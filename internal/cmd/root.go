// Package cmd implements the chatbridge command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/chatbridge/internal/config"
	"github.com/chatwoot/chatbridge/internal/debug"
)

// rootFlags holds global CLI flags.
type rootFlags struct {
	ConfigPath string
	EnvFile    string
	Debug      bool
	LogFormat  string
}

// flags is reset at the start of every Execute call.
var flags rootFlags

// Execute runs the root command.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetContext(ctx)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	flags = rootFlags{}

	root := &cobra.Command{
		Use:           "chatbridge",
		Short:         "Bridge website chat sessions to Chatwoot conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			format := strings.ToLower(strings.TrimSpace(flags.LogFormat))
			if format != "" && format != "text" && format != "json" {
				return usageErrorf("--log-format must be text or json")
			}
			cmd.SetContext(debug.WithDebug(cmd.Context(), flags.Debug))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&flags.EnvFile, "env-file", "", "dotenv file to read (default .env when present, '-' to disable)")
	root.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "Log format: text|json (env CHATBRIDGE_LOG_FORMAT)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCacheCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig resolves the configuration for the current invocation. Global
// flags win over the file and the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		Path:    flags.ConfigPath,
		EnvFile: flags.EnvFile,
	})
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("debug") {
		cfg.Logging.Debug = flags.Debug
	}
	if flags.LogFormat != "" {
		cfg.Logging.Format = flags.LogFormat
	}
	if cfg.Logging.Debug {
		cmd.SetContext(debug.WithDebug(cmd.Context(), true))
	}
	return cfg, nil
}

// setupLogger installs the process logger for cfg.
func setupLogger(cfg *config.Config) *slog.Logger {
	return debug.SetupLogger(cfg.Logging.Debug, cfg.Logging.Format)
}

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }
