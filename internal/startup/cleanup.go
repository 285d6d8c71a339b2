// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
)

// JobDirPrefix is the prefix of the per-job scratch directories a worker
// creates below its work directory.
const JobDirPrefix = "job-"

// DefaultCleanupAge is the default maximum age for orphaned job directories.
const DefaultCleanupAge = 1 * time.Hour

// CleanupOrphanedJobDirs removes job directories below baseDir that are
// older than maxAge. They are left behind when a worker dies mid-job.
//
// Returns the number of directories removed and any error encountered.
func CleanupOrphanedJobDirs(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("work directory does not exist, skipping cleanup",
			slog.String("path", baseDir),
		)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			slog.String("path", baseDir),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), JobDirPrefix) {
			continue
		}

		dirPath := filepath.Join(baseDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get directory info",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent job directory",
				slog.String("path", dirPath),
				slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
			)
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned job directory",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}

		logger.Info("removed orphaned job directory",
			slog.String("path", dirPath),
			slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
		)
		removed++
	}

	return removed, nil
}

// ActiveJobStore is the part of the job repository recovery needs.
type ActiveJobStore interface {
	ListActive(ctx context.Context) ([]*models.TranscodeJob, error)
	ResetToPending(ctx context.Context, id models.ULID) (bool, error)
}

// RecoverInterruptedJobs returns jobs the in-process worker was running when
// the server stopped to the queue. Jobs held by remote workers are left to
// the stale claim reaper.
//
// Returns the number of jobs recovered and any error encountered.
func RecoverInterruptedJobs(ctx context.Context, logger *slog.Logger, jobs ActiveJobStore, localWorkerID string) (int, error) {
	active, err := jobs.ListActive(ctx)
	if err != nil {
		logger.Error("failed to list active jobs for recovery",
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	var recovered int
	for _, job := range active {
		if job.WorkerID != localWorkerID {
			continue
		}

		logger.Warn("recovering interrupted transcode",
			slog.String("job_id", job.ID.String()),
			slog.String("cache_key", job.CacheKey()),
		)

		ok, err := jobs.ResetToPending(ctx, job.ID)
		if err != nil {
			logger.Error("failed to recover interrupted transcode",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			recovered++
		}
	}

	return recovered, nil
}
