package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"gorm.io/gorm"
)

const (
	// maxClaimAttempts bounds how many lost races a single claim call retries.
	maxClaimAttempts = 5
	// maxTransitionAttempts bounds retries when a row changes between load and update.
	maxTransitionAttempts = 3
)

// errRowChanged signals that a guarded update matched no row.
var errRowChanged = errors.New("transcode job changed concurrently")

var reusableStatuses = []string{
	string(models.TranscodeStatusPending),
	string(models.TranscodeStatusTranscoding),
	string(models.TranscodeStatusCompleted),
}

// transcodeJobRepo implements TranscodeJobRepository using GORM.
type transcodeJobRepo struct {
	db *gorm.DB
}

// NewTranscodeJobRepository creates a new TranscodeJobRepository.
func NewTranscodeJobRepository(db *gorm.DB) *transcodeJobRepo {
	return &transcodeJobRepo{db: db}
}

// Create inserts a new pending job.
func (r *transcodeJobRepo) Create(ctx context.Context, job *models.TranscodeJob) error {
	job.Status = models.TranscodeStatusPending
	job.Progress = 0
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating transcode job: %w", err)
	}
	return nil
}

// FindOrCreate looks up a reusable job and inserts job if there is none, in
// one transaction. A concurrent insert for the same key loses on the unique
// dedupe slot, in which case the winner is returned.
func (r *transcodeJobRepo) FindOrCreate(ctx context.Context, job *models.TranscodeJob) (*models.TranscodeJob, bool, error) {
	var existing *models.TranscodeJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := findByCacheKey(tx, job.SourceID, job.ProfileID, models.Now())
		if err != nil {
			return err
		}
		if found != nil {
			existing = found
			return nil
		}
		job.Status = models.TranscodeStatusPending
		job.Progress = 0
		return tx.Create(job).Error
	})
	if err == nil {
		if existing != nil {
			return existing, false, nil
		}
		return job, true, nil
	}

	found, lookupErr := r.GetByCacheKey(ctx, job.SourceID, job.ProfileID)
	if lookupErr == nil && found != nil {
		return found, false, nil
	}
	return nil, false, fmt.Errorf("creating transcode job: %w", err)
}

// GetByID retrieves a job by ID.
func (r *transcodeJobRepo) GetByID(ctx context.Context, id models.ULID) (*models.TranscodeJob, error) {
	var job models.TranscodeJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting transcode job by ID: %w", err)
	}
	return &job, nil
}

// GetByCacheKey returns the newest reusable job for the dedupe key.
func (r *transcodeJobRepo) GetByCacheKey(ctx context.Context, sourceID, profileID string) (*models.TranscodeJob, error) {
	return findByCacheKey(r.db.WithContext(ctx), sourceID, profileID, models.Now())
}

func findByCacheKey(db *gorm.DB, sourceID, profileID string, now time.Time) (*models.TranscodeJob, error) {
	var job models.TranscodeJob
	err := db.
		Where("source_id = ? AND profile_id = ?", sourceID, profileID).
		Where("status IN ?", reusableStatuses).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("created_at DESC, id DESC").
		Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting transcode job by cache key: %w", err)
	}
	return &job, nil
}

// ListPending returns pending jobs oldest first.
func (r *transcodeJobRepo) ListPending(ctx context.Context, limit int) ([]*models.TranscodeJob, error) {
	var jobs []*models.TranscodeJob
	query := r.db.WithContext(ctx).
		Where("status = ?", models.TranscodeStatusPending).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing pending transcode jobs: %w", err)
	}
	return jobs, nil
}

// ListActive returns transcoding jobs.
func (r *transcodeJobRepo) ListActive(ctx context.Context) ([]*models.TranscodeJob, error) {
	var jobs []*models.TranscodeJob
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.TranscodeStatusTranscoding).
		Order("started_at ASC, id ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing active transcode jobs: %w", err)
	}
	return jobs, nil
}

// List returns jobs newest first. An empty requesterID lists every requester.
func (r *transcodeJobRepo) List(ctx context.Context, requesterID string, limit int) ([]*models.TranscodeJob, error) {
	var jobs []*models.TranscodeJob
	query := r.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if requesterID != "" {
		query = query.Where("requester_id = ?", requesterID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing transcode jobs: %w", err)
	}
	return jobs, nil
}

// ListExpired returns completed jobs whose expiry has passed.
func (r *transcodeJobRepo) ListExpired(ctx context.Context, now time.Time) ([]*models.TranscodeJob, error) {
	var jobs []*models.TranscodeJob
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.TranscodeStatusCompleted, now.UTC()).
		Order("expires_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing expired transcode jobs: %w", err)
	}
	return jobs, nil
}

// ListArtifacts returns the output paths of completed jobs.
func (r *transcodeJobRepo) ListArtifacts(ctx context.Context) ([]string, error) {
	var paths []string
	if err := r.db.WithContext(ctx).
		Model(&models.TranscodeJob{}).
		Where("status = ? AND output_path <> ''", models.TranscodeStatusCompleted).
		Pluck("output_path", &paths).Error; err != nil {
		return nil, fmt.Errorf("listing transcode artifacts: %w", err)
	}
	return paths, nil
}

// Claim picks the oldest pending job and moves it to transcoding with an
// update guarded on status = pending. Losing the race to another claimer
// affects zero rows, and the next-oldest job is tried instead. After
// maxClaimAttempts lost races it reports no job.
func (r *transcodeJobRepo) Claim(ctx context.Context, workerID string) (*models.TranscodeJob, error) {
	if workerID == "" {
		return nil, models.ErrWorkerIDRequired
	}
	db := r.db.WithContext(ctx)

	var registered int64
	if err := db.Model(&models.Worker{}).Where("id = ?", workerID).Count(&registered).Error; err != nil {
		return nil, fmt.Errorf("checking worker registration: %w", err)
	}
	if registered == 0 {
		return nil, models.ErrWorkerNotRegistered
	}

	for range maxClaimAttempts {
		var job models.TranscodeJob
		err := db.
			Where("status = ?", models.TranscodeStatusPending).
			Order("created_at ASC, id ASC").
			Take(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("finding pending transcode job: %w", err)
		}

		if err := job.MarkClaimed(workerID, models.Now()); err != nil {
			return nil, err
		}
		job.UpdatedAt = models.Now()

		result := db.Model(&models.TranscodeJob{}).
			Where("id = ? AND status = ?", job.ID, models.TranscodeStatusPending).
			Updates(stateColumns(&job))
		if result.Error != nil {
			return nil, fmt.Errorf("claiming transcode job: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			return &job, nil
		}
	}
	// Pending rows may remain; the caller polls again on its next tick.
	slog.WarnContext(ctx, "giving up transcode claim after repeated lost races",
		slog.String("worker_id", workerID),
		slog.Int("attempts", maxClaimAttempts))
	return nil, nil
}

// MarkProgress records progress for a job owned by workerID.
func (r *transcodeJobRepo) MarkProgress(ctx context.Context, id models.ULID, workerID string, progress int) (*models.TranscodeJob, error) {
	return r.transition(ctx, id, func(job *models.TranscodeJob) error {
		return job.MarkProgress(workerID, progress)
	})
}

// MarkCompleted finalizes a job owned by workerID.
func (r *transcodeJobRepo) MarkCompleted(ctx context.Context, id models.ULID, workerID, outputPath string, size int64, retention time.Duration) (*models.TranscodeJob, error) {
	return r.transition(ctx, id, func(job *models.TranscodeJob) error {
		return job.MarkCompleted(workerID, outputPath, size, retention, models.Now())
	})
}

// MarkErrored records a failure for a job owned by workerID.
func (r *transcodeJobRepo) MarkErrored(ctx context.Context, id models.ULID, workerID, message string) (*models.TranscodeJob, error) {
	return r.transition(ctx, id, func(job *models.TranscodeJob) error {
		return job.MarkErrored(workerID, message, models.Now())
	})
}

// MarkCancelled cancels a non-terminal job.
func (r *transcodeJobRepo) MarkCancelled(ctx context.Context, id models.ULID) (*models.TranscodeJob, error) {
	return r.transition(ctx, id, func(job *models.TranscodeJob) error {
		return job.MarkCancelled(models.Now())
	})
}

// ResetToPending releases the claim on a transcoding job.
func (r *transcodeJobRepo) ResetToPending(ctx context.Context, id models.ULID) (bool, error) {
	_, err := r.transition(ctx, id, func(job *models.TranscodeJob) error {
		return job.ResetToPending()
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// FindStaleClaims returns transcoding jobs whose worker is missing or has
// not heartbeated since now-timeout.
func (r *transcodeJobRepo) FindStaleClaims(ctx context.Context, timeout time.Duration) ([]*models.TranscodeJob, error) {
	cutoff := models.Now().Add(-timeout)
	var jobs []*models.TranscodeJob
	if err := r.db.WithContext(ctx).
		Model(&models.TranscodeJob{}).
		Joins("LEFT JOIN workers ON workers.id = transcode_jobs.worker_id").
		Where("transcode_jobs.status = ?", models.TranscodeStatusTranscoding).
		Where("workers.id IS NULL OR workers.last_heartbeat IS NULL OR workers.last_heartbeat < ?", cutoff).
		Order("transcode_jobs.started_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("finding stale transcode claims: %w", err)
	}
	return jobs, nil
}

// ExtendExpiry pushes the expiry of a completed job.
func (r *transcodeJobRepo) ExtendExpiry(ctx context.Context, id models.ULID, ttl time.Duration) error {
	_, err := r.transition(ctx, id, func(job *models.TranscodeJob) error {
		return job.ExtendExpiry(ttl, models.Now())
	})
	return err
}

// Delete hard deletes a job.
func (r *transcodeJobRepo) Delete(ctx context.Context, id models.ULID) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.TranscodeJob{})
	if result.Error != nil {
		return fmt.Errorf("deleting transcode job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Counts aggregates jobs by status.
func (r *transcodeJobRepo) Counts(ctx context.Context, requesterID *string) (models.JobCounts, error) {
	var rows []struct {
		Status models.TranscodeStatus
		Total  int64
	}
	query := r.db.WithContext(ctx).
		Model(&models.TranscodeJob{}).
		Select("status, COUNT(*) AS total").
		Group("status")
	if requesterID != nil {
		query = query.Where("requester_id = ?", *requesterID)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return models.JobCounts{}, fmt.Errorf("counting transcode jobs: %w", err)
	}

	var counts models.JobCounts
	for _, row := range rows {
		switch row.Status {
		case models.TranscodeStatusPending:
			counts.Pending = row.Total
		case models.TranscodeStatusTranscoding:
			counts.Transcoding = row.Total
		case models.TranscodeStatusCompleted:
			counts.Completed = row.Total
		case models.TranscodeStatusError:
			counts.Error = row.Total
		}
	}
	return counts, nil
}

// transition loads the job, applies fn and writes the result back with an
// update guarded on the status and worker id it was loaded with. When the
// row changed in between, the load is retried so fn sees the new state.
func (r *transcodeJobRepo) transition(ctx context.Context, id models.ULID, fn func(job *models.TranscodeJob) error) (*models.TranscodeJob, error) {
	var job models.TranscodeJob
	var err error
	for range maxTransitionAttempts {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			job = models.TranscodeJob{}
			if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return models.ErrNotFound
				}
				return fmt.Errorf("loading transcode job: %w", err)
			}

			prevStatus, prevWorker := job.Status, job.WorkerID
			if err := fn(&job); err != nil {
				return err
			}
			job.UpdatedAt = models.Now()

			result := tx.Model(&models.TranscodeJob{}).
				Where("id = ? AND status = ? AND worker_id = ?", id, prevStatus, prevWorker).
				Updates(stateColumns(&job))
			if result.Error != nil {
				return fmt.Errorf("updating transcode job: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return errRowChanged
			}
			return nil
		})
		if !errors.Is(err, errRowChanged) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// stateColumns returns every column a transition may change.
func stateColumns(job *models.TranscodeJob) map[string]any {
	return map[string]any{
		"status":        job.Status,
		"progress":      job.Progress,
		"worker_id":     job.WorkerID,
		"dedupe_slot":   stringOrNil(job.DedupeSlot),
		"output_path":   job.OutputPath,
		"file_size":     job.FileSize,
		"error_message": job.ErrorMessage,
		"started_at":    timeOrNil(job.StartedAt),
		"assigned_at":   timeOrNil(job.AssignedAt),
		"completed_at":  timeOrNil(job.CompletedAt),
		"expires_at":    timeOrNil(job.ExpiresAt),
		"updated_at":    job.UpdatedAt,
	}
}

func stringOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ TranscodeJobRepository = (*transcodeJobRepo)(nil)
