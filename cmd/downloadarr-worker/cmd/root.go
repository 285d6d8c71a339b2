// Package cmd implements the CLI commands for downloadarr-worker.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/version"
)

const binaryName = "downloadarr-worker"

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     binaryName,
	Short:   "Remote transcode worker for downloadarr",
	Version: version.Short(),
	Long: `downloadarr-worker adds transcoding capacity to a downloadarr server.

It registers with the server, claims queued transcodes, downloads the
source, encodes it with ffmpeg and uploads the result.

Configuration is read from a config file and environment variables:
  DOWNLOADARR_WORKER_SERVER_URL     - server address (required)
  DOWNLOADARR_WORKER_SHARED_SECRET  - secret configured on the server
  DOWNLOADARR_WORKER_ID             - stable worker id (default: hostname)
  DOWNLOADARR_WORKER_MAX_JOBS       - maximum concurrent transcodes

Example:
  DOWNLOADARR_WORKER_SERVER_URL=http://192.168.1.100:8080 \
  DOWNLOADARR_WORKER_SHARED_SECRET=mysecret \
  downloadarr-worker serve`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig reads the worker configuration and installs the default logger.
// Logging flags override the config only when set explicitly.
func loadConfig() (*config.WorkerConfig, *slog.Logger, error) {
	cfg, err := config.LoadWorker(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	if err := cfg.Logging.Validate(); err != nil {
		return nil, nil, err
	}

	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr).
		With(slog.String("app", binaryName))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
