package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/daemon"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/httpclient"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/startup"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/util"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the server and run transcodes",
	Long: `Register with the downloadarr server and run claimed transcodes until
interrupted. Jobs running at shutdown are abandoned and requeued by the
server once this worker's heartbeat lapses.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("worker-id", "", "stable worker id (overrides config)")
	serveCmd.Flags().String("name", "", "display name (overrides config)")
	serveCmd.Flags().String("server-url", "", "downloadarr server URL (overrides config)")
	serveCmd.Flags().Int("max-jobs", 0, "maximum concurrent transcodes (overrides config)")
	serveCmd.Flags().String("work-dir", "", "scratch directory for sources and output (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if removed, err := startup.CleanupOrphanedJobDirs(logger, cfg.Worker.WorkDir, startup.DefaultCleanupAge); err != nil {
		logger.Warn("failed to clean orphaned job directories",
			slog.String("error", err.Error()),
		)
	} else if removed > 0 {
		logger.Info("cleaned orphaned job directories", slog.Int("count", removed))
	}

	binary, err := ffmpeg.DetectBinaries(ctx, cfg.FFmpeg)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}
	selection := ffmpeg.NewHWAccelDetector(binary.FFmpegPath).Select(ctx, cfg.FFmpeg)
	caps := daemon.DetectCapabilities(ctx, cfg.Worker.WorkDir, binary, selection, cfg.Worker.MaxJobs)

	httpCfg := httpclient.DefaultConfig()
	httpCfg.UserAgent = version.UserAgent(binaryName)
	httpCfg.Logger = logger
	client := daemon.NewClient(cfg.Worker.ServerURL, cfg.Worker.ID, cfg.Worker.SharedSecret, httpclient.New(httpCfg))

	logger.Info("starting downloadarr worker",
		slog.String("worker_id", cfg.Worker.ID),
		slog.String("server_url", cfg.Worker.ServerURL),
		slog.Int("max_jobs", cfg.Worker.MaxJobs),
		slog.String("encoder", selection.Encoder),
		slog.String("ffmpeg_version", binary.Version),
		slog.String("memory", util.FormatBytes(int64(caps.MemoryTotal))),
		slog.String("work_dir_free", util.FormatBytes(int64(caps.WorkDirFree))),
		slog.String("version", version.Version),
	)

	return daemon.New(cfg.Worker, client, ffmpeg.NewExecEncoder(binary.FFmpegPath), selection).
		WithLogger(logger).
		WithCapabilities(caps.String()).
		Run(ctx)
}

// applyServeFlags overrides config values with explicitly set flags.
func applyServeFlags(cmd *cobra.Command, cfg *config.WorkerConfig) error {
	flags := cmd.Flags()
	if flags.Changed("worker-id") {
		if cfg.Worker.Name == cfg.Worker.ID {
			cfg.Worker.Name = ""
		}
		cfg.Worker.ID, _ = flags.GetString("worker-id")
	}
	if flags.Changed("name") {
		cfg.Worker.Name, _ = flags.GetString("name")
	}
	if flags.Changed("server-url") {
		cfg.Worker.ServerURL, _ = flags.GetString("server-url")
	}
	if flags.Changed("max-jobs") {
		cfg.Worker.MaxJobs, _ = flags.GetInt("max-jobs")
	}
	if flags.Changed("work-dir") {
		cfg.Worker.WorkDir, _ = flags.GetString("work-dir")
	}
	if cfg.Worker.Name == "" {
		cfg.Worker.Name = cfg.Worker.ID
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}
