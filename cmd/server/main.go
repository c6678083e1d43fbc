// Command server runs the settlement engine: the HTTP/WebSocket API and the
// settlement scheduler over a shared account book.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "settlement-engine",
		Short:        "Simulated trading ledger and settlement engine",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API and the settlement scheduler (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the PostgreSQL schema and seed the catalog",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "publish-prices",
			Short: "Write the catalog's reference prices to the Redis price feed",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return publishPrices(cmd.Context(), configPath)
			},
		},
		newTokenCmd(&configPath),
	)
	return root
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		tier string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <account-id>",
		Short: "Issue a signed bearer token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			a := auth.New(cfg.Auth.JWTSecret, nil)
			if a.DevMode() {
				return fmt.Errorf("auth.jwt_secret is not set; the server accepts %s headers instead", auth.HeaderAccountID)
			}
			tok, err := a.Issue(args[0], tier, time.Now().Add(ttl))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&tier, "tier", auth.DefaultTier, "account tier claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// setup loads and validates the config and installs the JSON logger.
func setup(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
