// Package repository defines data access interfaces for downloadarr entities.
// All database access goes through these interfaces so services can be
// tested against fakes and the backing driver can be switched.
package repository

import (
	"context"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
)

// TranscodeJobRepository defines operations for transcode job persistence.
//
// Getters return (nil, nil) when the row does not exist. Transitions return
// models.ErrNotFound, models.ErrGone, models.ErrOwnershipViolation or
// models.ErrInvalidTransition and leave the row untouched on failure.
type TranscodeJobRepository interface {
	// Create inserts a pending job. Fails if a non-terminal job for the same key exists.
	Create(ctx context.Context, job *models.TranscodeJob) error
	// FindOrCreate returns the reusable job for the key, or inserts job.
	// created reports whether job was inserted.
	FindOrCreate(ctx context.Context, job *models.TranscodeJob) (result *models.TranscodeJob, created bool, err error)
	// GetByID retrieves a job by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.TranscodeJob, error)
	// GetByCacheKey returns the newest pending, transcoding or unexpired completed job for the key.
	GetByCacheKey(ctx context.Context, sourceID, profileID string) (*models.TranscodeJob, error)
	// ListPending returns pending jobs, oldest first. limit <= 0 means no limit.
	ListPending(ctx context.Context, limit int) ([]*models.TranscodeJob, error)
	// ListActive returns transcoding jobs, earliest start first.
	ListActive(ctx context.Context) ([]*models.TranscodeJob, error)
	// List returns jobs newest first, optionally filtered by requester.
	List(ctx context.Context, requesterID string, limit int) ([]*models.TranscodeJob, error)
	// ListExpired returns completed jobs whose expiry is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]*models.TranscodeJob, error)
	// ListArtifacts returns the output paths referenced by completed jobs.
	ListArtifacts(ctx context.Context) ([]string, error)

	// Claim atomically moves the oldest pending job to transcoding for workerID.
	// Returns (nil, nil) when nothing is pending.
	Claim(ctx context.Context, workerID string) (*models.TranscodeJob, error)
	// MarkProgress records progress reported by the owning worker.
	MarkProgress(ctx context.Context, id models.ULID, workerID string, progress int) (*models.TranscodeJob, error)
	// MarkCompleted finalizes the job with its artifact and sets the expiry.
	MarkCompleted(ctx context.Context, id models.ULID, workerID, outputPath string, size int64, retention time.Duration) (*models.TranscodeJob, error)
	// MarkErrored records a terminal failure reported by the owning worker.
	MarkErrored(ctx context.Context, id models.ULID, workerID, message string) (*models.TranscodeJob, error)
	// MarkCancelled cancels a pending or transcoding job and releases its claim.
	MarkCancelled(ctx context.Context, id models.ULID) (*models.TranscodeJob, error)
	// ResetToPending releases the claim of a transcoding job. Returns false if
	// the job was no longer transcoding.
	ResetToPending(ctx context.Context, id models.ULID) (bool, error)
	// FindStaleClaims returns transcoding jobs whose worker has not heartbeated within timeout.
	FindStaleClaims(ctx context.Context, timeout time.Duration) ([]*models.TranscodeJob, error)
	// ExtendExpiry sets the expiry of a completed job to now+ttl.
	ExtendExpiry(ctx context.Context, id models.ULID, ttl time.Duration) error

	// Delete hard deletes a job.
	Delete(ctx context.Context, id models.ULID) error
	// Counts aggregates jobs by status, optionally for one requester.
	Counts(ctx context.Context, requesterID *string) (models.JobCounts, error)
}

// WorkerRepository defines operations for worker registry persistence.
type WorkerRepository interface {
	// Upsert registers a worker, overwriting name and capabilities and setting it online.
	Upsert(ctx context.Context, worker *models.Worker) error
	// GetByID retrieves a worker by ID.
	GetByID(ctx context.Context, id string) (*models.Worker, error)
	// List returns all workers ordered by ID.
	List(ctx context.Context) ([]*models.Worker, error)
	// Heartbeat records liveness and the active job count.
	Heartbeat(ctx context.Context, id string, activeJobs int) error
	// Touch refreshes the heartbeat timestamp without changing anything else.
	Touch(ctx context.Context, id string) error
	// SetStatus sets the worker status.
	SetStatus(ctx context.Context, id string, status models.WorkerStatus) error
	// Delete removes a worker.
	Delete(ctx context.Context, id string) error
}

// SettingRepository defines operations for runtime settings.
type SettingRepository interface {
	// Get retrieves a setting by key.
	Get(ctx context.Context, key string) (*models.Setting, error)
	// Set creates or replaces a setting.
	Set(ctx context.Context, key, value string) error
	// List returns all settings ordered by key.
	List(ctx context.Context) ([]*models.Setting, error)
	// Delete removes a setting.
	Delete(ctx context.Context, key string) error
}
