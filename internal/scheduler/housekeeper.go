package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/repository"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/storage"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/transcode"
)

// CacheSweeper is the part of the transcode engine housekeeping uses.
type CacheSweeper interface {
	Sweep(now time.Time, keep func(name string) bool) (transcode.SweepStats, error)
	Evict(cacheKey, outputName string) bool
	Cache() *storage.Sandbox
}

// HousekeeperConfig holds the housekeeping schedules.
type HousekeeperConfig struct {
	// ReaperSchedule is the cron spec for stale claim recovery.
	// Default: @every 30s
	ReaperSchedule string

	// SweepSchedule is the cron spec for cache and expired job cleanup.
	// Default: @every 5m
	SweepSchedule string

	// HeartbeatTimeout is how long a worker may stay silent before its
	// claims are released.
	// Default: 60 seconds
	HeartbeatTimeout time.Duration
}

// DefaultHousekeeperConfig returns the default housekeeping configuration.
func DefaultHousekeeperConfig() HousekeeperConfig {
	return HousekeeperConfig{
		ReaperSchedule:   "@every 30s",
		SweepSchedule:    "@every 5m",
		HeartbeatTimeout: time.Minute,
	}
}

// SweepResult reports what one sweep removed.
type SweepResult struct {
	JobsExpired      int
	ArtifactsDeleted int
	transcode.SweepStats
}

// Housekeeper runs the periodic stale claim reaper and cache sweep on a
// cron schedule. Overlapping runs of the same task are skipped.
type Housekeeper struct {
	mu sync.Mutex

	jobs   repository.TranscodeJobRepository
	engine CacheSweeper
	cfg    HousekeeperConfig
	logger *slog.Logger
	now    func() time.Time

	cron *cron.Cron
}

// NewHousekeeper creates a housekeeper. engine may be nil when no local
// cache exists, in which case only expired jobs are deleted.
func NewHousekeeper(jobs repository.TranscodeJobRepository, engine CacheSweeper) *Housekeeper {
	return &Housekeeper{
		jobs:   jobs,
		engine: engine,
		cfg:    DefaultHousekeeperConfig(),
		logger: slog.Default(),
		now:    models.Now,
	}
}

// WithLogger sets a custom logger.
func (h *Housekeeper) WithLogger(logger *slog.Logger) *Housekeeper {
	h.logger = observability.WithComponent(logger, "housekeeper")
	return h
}

// WithConfig applies configuration to the housekeeper.
func (h *Housekeeper) WithConfig(cfg HousekeeperConfig) *Housekeeper {
	if cfg.ReaperSchedule != "" {
		h.cfg.ReaperSchedule = cfg.ReaperSchedule
	}
	if cfg.SweepSchedule != "" {
		h.cfg.SweepSchedule = cfg.SweepSchedule
	}
	if cfg.HeartbeatTimeout > 0 {
		h.cfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	return h
}

// Start schedules the housekeeping tasks.
func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cron != nil {
		return fmt.Errorf("housekeeper already started")
	}

	logger := cronLogger{logger: h.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(h.cfg.ReaperSchedule, func() {
		if _, err := h.ReapStaleClaims(ctx); err != nil {
			h.logger.Error("stale claim reaper failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("scheduling reaper %q: %w", h.cfg.ReaperSchedule, err)
	}

	if _, err := c.AddFunc(h.cfg.SweepSchedule, func() {
		if _, err := h.SweepCache(ctx); err != nil {
			h.logger.Error("cache sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", h.cfg.SweepSchedule, err)
	}

	c.Start()
	h.cron = c

	h.logger.Info("housekeeper started",
		slog.String("reaper_schedule", h.cfg.ReaperSchedule),
		slog.String("sweep_schedule", h.cfg.SweepSchedule),
		slog.Duration("heartbeat_timeout", h.cfg.HeartbeatTimeout))
	return nil
}

// Stop unschedules the tasks and waits for running ones to finish.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	c := h.cron
	h.cron = nil
	h.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	h.logger.Info("housekeeper stopped")
}

// ReapStaleClaims returns jobs held by silent or deleted workers to the
// queue. Running it twice in a row resets nothing the second time.
func (h *Housekeeper) ReapStaleClaims(ctx context.Context) (int, error) {
	stale, err := h.jobs.FindStaleClaims(ctx, h.cfg.HeartbeatTimeout)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, job := range stale {
		ok, err := h.jobs.ResetToPending(ctx, job.ID)
		if err != nil {
			return reset, fmt.Errorf("resetting job %s: %w", job.ID, err)
		}
		if !ok {
			continue
		}
		reset++
		observability.WithWorker(observability.WithJob(h.logger, job.ID.String()), job.WorkerID).
			Warn("released stale transcode claim", slog.Duration("heartbeat_timeout", h.cfg.HeartbeatTimeout))
	}
	return reset, nil
}

// SweepCache deletes completed jobs whose expiry passed together with their
// artifacts, then sweeps idle sessions and orphaned files from the cache.
// Artifacts of surviving jobs are never deleted.
func (h *Housekeeper) SweepCache(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	var err error
	done := observability.TimedOperationWithError(ctx, h.logger, "sweep_cache", &err)
	defer done()

	now := h.now()
	expired, err := h.jobs.ListExpired(ctx, now)
	if err != nil {
		return result, err
	}
	for _, job := range expired {
		if delErr := h.jobs.Delete(ctx, job.ID); delErr != nil && !errors.Is(delErr, models.ErrNotFound) {
			err = fmt.Errorf("deleting expired job %s: %w", job.ID, delErr)
			return result, err
		}
		result.JobsExpired++
	}

	if h.engine == nil {
		return result, nil
	}

	// A newer job for the same source and profile may have adopted the
	// artifact, so files are only removed once nothing references them.
	artifacts, err := h.jobs.ListArtifacts(ctx)
	if err != nil {
		return result, err
	}
	referenced := make(map[string]bool, len(artifacts))
	for _, name := range artifacts {
		referenced[name] = true
	}

	for _, job := range expired {
		if job.OutputPath == "" || referenced[job.OutputPath] {
			continue
		}
		if h.removeArtifact(job) {
			result.ArtifactsDeleted++
		}
	}

	result.SweepStats, err = h.engine.Sweep(now, func(name string) bool { return referenced[name] })
	return result, err
}

// removeArtifact drops the expired job's session and deletes its file,
// reporting whether anything was removed.
func (h *Housekeeper) removeArtifact(job *models.TranscodeJob) bool {
	if h.engine.Evict(job.CacheKey(), job.OutputPath) {
		return true
	}
	cache := h.engine.Cache()
	if cache == nil {
		return false
	}
	ok, err := cache.Exists(job.OutputPath)
	if err != nil || !ok {
		return false
	}
	if err := cache.Remove(job.OutputPath); err != nil {
		h.logger.Warn("deleting expired artifact failed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// cronLogger routes cron's logging through slog. Routine scheduling
// messages are demoted to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}

var _ cron.Logger = cronLogger{}
