package service

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/repository"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/util"
)

const defaultListLimit = 100

// QueueRequest asks for a source to be transcoded to a profile.
type QueueRequest struct {
	SourceID    string
	ProfileID   string
	MediaTitle  string
	MediaType   string
	RequesterID string
}

// QueueService accepts transcode requests and manages queued jobs.
type QueueService struct {
	jobs   repository.TranscodeJobRepository
	engine TranscodeEngine
	notify func()
	logger *slog.Logger
}

// NewQueueService creates a new QueueService. engine may be nil when no
// local engine runs in this process.
func NewQueueService(jobs repository.TranscodeJobRepository, engine TranscodeEngine) *QueueService {
	return &QueueService{
		jobs:   jobs,
		engine: engine,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *QueueService) WithLogger(logger *slog.Logger) *QueueService {
	s.logger = logger
	return s
}

// WithNotifier sets a function called after a new job is queued.
func (s *QueueService) WithNotifier(notify func()) *QueueService {
	s.notify = notify
	return s
}

// Queue returns the job for the request's dedupe key. A pending, transcoding
// or unexpired completed job is reused; otherwise a new pending job is created.
func (s *QueueService) Queue(ctx context.Context, req QueueRequest) (*models.TranscodeJob, error) {
	if req.SourceID == "" {
		return nil, models.ErrSourceIDRequired
	}
	if req.ProfileID == "" {
		return nil, models.ErrProfileIDRequired
	}
	profile, ok := models.LookupProfile(req.ProfileID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownProfile, req.ProfileID)
	}

	title := req.MediaTitle
	if title == "" {
		title = strings.TrimSuffix(path.Base(req.SourceID), path.Ext(req.SourceID))
	}

	candidate := &models.TranscodeJob{
		SourceID:      req.SourceID,
		ProfileID:     profile.ID,
		TargetHeight:  profile.Height,
		TargetBitrate: profile.VideoBitrateKbps,
		MediaTitle:    req.MediaTitle,
		MediaType:     req.MediaType,
		Filename:      util.SafeFilename(fmt.Sprintf("%s (%s)", title, profile.ID), ".mp4"),
		RequesterID:   req.RequesterID,
	}

	job, created, err := s.jobs.FindOrCreate(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("queueing transcode: %w", err)
	}

	logger := observability.WithJob(s.logger, job.ID.String())
	if !created {
		logger.Debug("transcode request reused existing job",
			slog.String("cache_key", job.CacheKey()),
			slog.String("status", string(job.Status)))
		return job, nil
	}

	logger.Info("transcode queued",
		slog.String("cache_key", job.CacheKey()),
		slog.String("requester_id", job.RequesterID))
	if s.notify != nil {
		s.notify()
	}
	return job, nil
}

// Get returns a job by id.
func (s *QueueService) Get(ctx context.Context, id models.ULID) (*models.TranscodeJob, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: transcode job %s", models.ErrNotFound, id)
	}
	return job, nil
}

// List returns jobs newest first. An empty requesterID lists every job.
func (s *QueueService) List(ctx context.Context, requesterID string, limit int) ([]*models.TranscodeJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.jobs.List(ctx, requesterID, limit)
}

// Counts aggregates jobs by status, optionally for one requester.
func (s *QueueService) Counts(ctx context.Context, requesterID *string) (models.JobCounts, error) {
	return s.jobs.Counts(ctx, requesterID)
}

// Cancel aborts a pending or transcoding job. A local encoder for the job is
// stopped; a remote worker learns of the cancellation on its next report.
func (s *QueueService) Cancel(ctx context.Context, id models.ULID) (*models.TranscodeJob, error) {
	job, err := s.jobs.MarkCancelled(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancelling transcode job %s: %w", id, err)
	}
	if s.engine != nil {
		if err := s.engine.Cancel(job.CacheKey()); err != nil {
			s.logger.Warn("stopping local transcode failed",
				slog.String("job_id", id.String()),
				slog.String("error", err.Error()))
		}
	}
	observability.WithJob(s.logger, id.String()).Info("transcode cancelled")
	return job, nil
}

// Delete removes a job. An active job is cancelled first and a completed
// job's artifact is deleted from the cache.
func (s *QueueService) Delete(ctx context.Context, id models.ULID) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if job.IsActive() {
		if _, err := s.Cancel(ctx, id); err != nil && !isGone(err) {
			return err
		}
	}

	if job.OutputPath != "" && s.engine != nil {
		s.engine.Evict(job.CacheKey(), job.OutputPath)
		if cache := s.engine.Cache(); cache != nil {
			if err := cache.Remove(job.OutputPath); err != nil {
				s.logger.Warn("deleting transcode artifact failed",
					slog.String("job_id", id.String()),
					slog.String("error", err.Error()))
			}
		}
	}

	if err := s.jobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting transcode job %s: %w", id, err)
	}
	observability.WithJob(s.logger, id.String()).Info("transcode job deleted")
	return nil
}
