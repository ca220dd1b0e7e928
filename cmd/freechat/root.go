package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/howard-nolan/freechat/internal/config"
	"github.com/howard-nolan/freechat/internal/logging"
)

// Version is the freechat release.
const Version = "0.1.0"

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "freechat",
	Short: "Freechat - one streaming API for several free chat backends",
	Long: `Freechat hides several unofficial chat completion backends behind a
single streaming endpoint, GET /api/ask, and ships a terminal client that
talks to it.

Each backend keeps conversation context its own way. Freechat hands the
caller an opaque continuation token after every answer; passing it back on
the next ask continues the conversation.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(providersCmd)
}

// loadConfig loads the config file named by --config and builds the
// process logger from it. The logger also becomes slog's default.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)

	return cfg, logger, nil
}
