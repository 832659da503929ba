package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/spf13/cobra"

	"github.com/chatwoot/chatbridge/internal/config"
)

// terminalPrompt reads a secret without echo. Replaced in tests.
var terminalPrompt = keyring.TerminalPrompt

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the Chatwoot API token stored in the OS keyring",
		Long: `The keyring token is used only when neither the config file nor the
environment provides CHATWOOT_API_TOKEN.`,
	}
	cmd.AddCommand(newTokenSetCmd())
	cmd.AddCommand(newTokenClearCmd())
	cmd.AddCommand(newTokenStatusCmd())
	return cmd
}

func newTokenSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [token]",
		Short: "Store the API token (read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				var err error
				token, err = readToken(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return usageErrorf("token cannot be empty")
			}
			if err := config.StoreToken(token); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "API token stored in keyring")
			return nil
		},
	}
}

// readToken prompts on a terminal and reads the first line otherwise.
func readToken(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && isTerminal(f) {
		return terminalPrompt("Chatwoot API token: ")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func newTokenClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.DeleteToken(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "API token removed from keyring")
			return nil
		},
	}
}

func newTokenStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which API token the bridge would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.Chatwoot.APIToken == "" {
				_, _ = fmt.Fprintln(out, "No API token configured")
				return nil
			}
			redacted := cfg.Redacted()
			_, _ = fmt.Fprintf(out, "Token:  %s\nSource: %s\n", redacted.Chatwoot.APIToken, cfg.TokenSource)
			return nil
		},
	}
}
