package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pricerefresh/internal/app"
	"pricerefresh/internal/config"
)

// rootConfig holds the flags shared by every subcommand.
type rootConfig struct {
	ConfigPath string
	LogLevel   string
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh portfolio prices from the configured feeds",
		Long: `refresh runs one price refresh of a portfolio in the foreground and
prints its progress. It reads the same configuration as the server.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&rc.ConfigPath, "config", os.Getenv("CONFIG_FILE"), "config file (default config.yaml)")
	cmd.PersistentFlags().StringVar(&rc.LogLevel, "log-level", "", "override log.level")

	cmd.AddCommand(
		newRunCmd(rc),
		newInstrumentsCmd(rc),
		newUnbreakCmd(rc),
	)
	return cmd
}

// open loads configuration and builds the app. Logs go to stderr.
func (rc *rootConfig) open(ctx context.Context, cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(rc.ConfigPath)
	if err != nil {
		return nil, err
	}
	if rc.LogLevel != "" {
		cfg.Log.Level = rc.LogLevel
	}
	return app.New(ctx, cfg, cfg.Log.NewLogger(cmd.ErrOrStderr()), opts...)
}
