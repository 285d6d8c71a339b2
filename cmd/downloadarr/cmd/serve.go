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
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/database"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/database/migrations"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
	apphttp "github.com/jasonn9538/LibraryDownloadarr-sub000/internal/http"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/http/handlers"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/repository"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/scheduler"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/service"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/source"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/startup"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/storage"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/transcode"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the downloadarr server",
	Long: `Start the downloadarr HTTP server, transcode queue and built-in worker.

The server provides:
- Download and transcode API for library media
- Worker protocol for remote downloadarr-worker processes
- Health check endpoint
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to (overrides config)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().String("public-url", "", "address remote workers use to reach this server")
	serveCmd.Flags().String("library", "", "library root directory (overrides config)")
	serveCmd.Flags().Bool("no-local-worker", false, "do not run transcodes in this process")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	// Setup graceful shutdown
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

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info("database connected", slog.String("driver", db.Driver()))

	if err := runMigrations(ctx, db, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	library, err := storage.NewSandbox(cfg.Library.Root)
	if err != nil {
		return fmt.Errorf("opening library: %w", err)
	}

	// A host without ffmpeg can still coordinate remote workers and serve
	// originals and cached output.
	var (
		encoder  ffmpeg.Encoder
		selector transcode.Selector
		prober   source.Prober
	)
	binary, err := ffmpeg.DetectBinaries(ctx, cfg.FFmpeg)
	if err != nil {
		logger.Warn("ffmpeg not available, local transcoding disabled",
			slog.String("error", err.Error()),
		)
		cfg.Transcode.LocalWorker = false
	} else {
		logger.Info("detected ffmpeg",
			slog.String("path", binary.FFmpegPath),
			slog.String("version", binary.Version),
		)
		encoder = ffmpeg.NewExecEncoder(binary.FFmpegPath)
		selector = ffmpeg.NewHWAccelDetector(binary.FFmpegPath)
		if binary.FFprobePath != "" {
			prober = ffmpeg.NewProber(binary.FFprobePath)
		}
	}

	engine := transcode.New(transcode.ConfigFrom(cfg), encoder, selector, logger)
	if err := engine.Init(ctx); err != nil {
		return fmt.Errorf("initializing transcode engine: %w", err)
	}
	defer engine.Shutdown()

	jobRepo := repository.NewTranscodeJobRepository(db.DB)
	workerRepo := repository.NewWorkerRepository(db.DB)
	settingRepo := repository.NewSettingRepository(db.DB)

	settings := service.NewSettingsService(settingRepo, cfg).WithLogger(logger)
	sources := source.NewLibrarySource(library, prober).
		WithLogger(logger).
		WithPublicURL(cfg.Server.PublicURL, settings.SharedSecret)
	workers := service.NewWorkerService(workerRepo, jobRepo, sources, engine, cfg.Transcode.Retention).
		WithLogger(logger)
	queue := service.NewQueueService(jobRepo, engine).WithLogger(logger)
	streams := service.NewStreamService(jobRepo, engine, cfg.Transcode.Retention).WithLogger(logger)

	if cfg.Transcode.LocalWorker {
		recovered, err := startup.RecoverInterruptedJobs(ctx, logger, jobRepo, cfg.Transcode.LocalWorkerID)
		if err != nil {
			logger.Warn("failed to recover interrupted transcodes",
				slog.String("error", err.Error()),
			)
		} else if recovered > 0 {
			logger.Info("recovered interrupted transcodes", slog.Int("count", recovered))
		}

		runner := scheduler.NewLocalRunner(workers, jobRepo, engine, sources, settings).
			WithLogger(logger).
			WithConfig(scheduler.LocalRunnerConfig{
				WorkerID:          cfg.Transcode.LocalWorkerID,
				ClaimInterval:     cfg.Transcode.ClaimInterval,
				HeartbeatInterval: cfg.Workers.HeartbeatInterval,
				ProgressInterval:  cfg.Transcode.ProgressInterval,
			})
		if err := runner.Start(ctx); err != nil {
			return fmt.Errorf("starting local worker: %w", err)
		}
		defer runner.Stop()
		queue.WithNotifier(runner.Wake)
	} else {
		logger.Info("local worker disabled, waiting for remote workers")
	}

	housekeeper := scheduler.NewHousekeeper(jobRepo, engine).
		WithLogger(logger).
		WithConfig(scheduler.HousekeeperConfig{
			ReaperSchedule:   cfg.Workers.ReaperSchedule,
			SweepSchedule:    cfg.Transcode.SweepSchedule,
			HeartbeatTimeout: cfg.Workers.HeartbeatTimeout,
		})
	if err := housekeeper.Start(ctx); err != nil {
		return fmt.Errorf("starting housekeeper: %w", err)
	}
	defer housekeeper.Stop()

	server := apphttp.NewServer(apphttp.ServerConfigFrom(cfg.Server), logger, version.Version)

	transcodeHandler := handlers.NewTranscodeHandler(queue, streams).WithLogger(logger)
	transcodeHandler.Register(server.API())
	transcodeHandler.RegisterChiRoutes(server.Router())

	workerHandler := handlers.NewWorkerHandler(workers, settings.SharedSecret).WithLogger(logger)
	workerHandler.Register(server.API())
	workerHandler.RegisterChiRoutes(server.Router())

	handlers.NewSettingsHandler(settings).Register(server.API())
	handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithEngine(engine).
		WithWorkers(workers).
		WithQueue(queue).
		Register(server.API())
	handlers.NewSystemHandler(binary, engine).Register(server.API())

	logger.Info("starting downloadarr server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("library", library.BaseDir()),
		slog.Bool("local_worker", cfg.Transcode.LocalWorker),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}

// applyServeFlags overrides config values with explicitly set flags.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("public-url") {
		cfg.Server.PublicURL, _ = flags.GetString("public-url")
	}
	if flags.Changed("library") {
		cfg.Library.Root, _ = flags.GetString("library")
	}
	if noLocal, _ := flags.GetBool("no-local-worker"); noLocal {
		cfg.Transcode.LocalWorker = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

func runMigrations(ctx context.Context, db *database.DB, logger *slog.Logger) error {
	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	return migrator.Up(ctx)
}
