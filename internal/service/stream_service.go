package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/repository"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/transcode"
)

// StreamService delivers a job's output to a downloader, following a local
// encoder while it is still writing.
type StreamService struct {
	jobs      repository.TranscodeJobRepository
	engine    TranscodeEngine
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewStreamService creates a new StreamService. Each completed download
// extends the job's expiry by retention.
func NewStreamService(jobs repository.TranscodeJobRepository, engine TranscodeEngine, retention time.Duration) *StreamService {
	return &StreamService{
		jobs:      jobs,
		engine:    engine,
		retention: retention,
		logger:    slog.Default(),
		now:       models.Now,
	}
}

// WithLogger sets a custom logger.
func (s *StreamService) WithLogger(logger *slog.Logger) *StreamService {
	s.logger = logger
	return s
}

// Stream writes the output of jobID to sink and blocks until the download
// ends and nothing writes to the sink any more.
func (s *StreamService) Stream(ctx context.Context, jobID models.ULID, sink transcode.Sink) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: transcode job %s", models.ErrNotFound, jobID)
	}
	if s.engine == nil {
		return fmt.Errorf("%w: no transcode engine", models.ErrResourceUnavailable)
	}

	session, err := s.sessionFor(ctx, job)
	if err != nil {
		return err
	}

	sub, err := s.engine.Subscribe(session, sink, job.Filename)
	if err != nil {
		return err
	}

	logger := observability.WithJob(s.logger, jobID.String())
	logger.Debug("download started", slog.String("status", string(job.Status)))

	select {
	case <-sub.Done():
		<-sub.Released()
	case <-ctx.Done():
		sub.Close()
		<-sub.Released()
		logger.Debug("download aborted by client", slog.Int64("bytes", sub.Offset()))
		return ctx.Err()
	}

	if err := sub.Err(); err != nil {
		return err
	}
	logger.Debug("download finished", slog.Int64("bytes", sub.Offset()))
	return nil
}

// sessionFor finds or adopts the engine session backing job.
func (s *StreamService) sessionFor(ctx context.Context, job *models.TranscodeJob) (*transcode.Session, error) {
	switch job.Status {
	case models.TranscodeStatusCancelled:
		return nil, models.ErrGone
	case models.TranscodeStatusError:
		return nil, fmt.Errorf("%w: %s", models.ErrExecutionFailure, job.ErrorMessage)
	case models.TranscodeStatusPending:
		return nil, fmt.Errorf("%w: job %s is still queued", models.ErrArtifactNotReady, job.ID)
	case models.TranscodeStatusTranscoding:
		session := s.engine.Lookup(job.CacheKey())
		if session == nil {
			return nil, fmt.Errorf("%w: job %s is encoding on worker %s", models.ErrArtifactNotReady, job.ID, job.WorkerID)
		}
		return session, nil
	}

	now := s.now()
	if job.IsExpired(now) {
		return nil, fmt.Errorf("%w: artifact for job %s expired", models.ErrGone, job.ID)
	}

	session := s.engine.Lookup(job.CacheKey())
	if session == nil || session.OutputName() != job.OutputPath {
		adopted, err := s.engine.Adopt(job.CacheKey(), job.OutputPath)
		if err != nil {
			return nil, err
		}
		session = adopted
	}
	session.Touch(now)

	if s.retention > 0 {
		if err := s.jobs.ExtendExpiry(ctx, job.ID, s.retention); err != nil {
			s.logger.Warn("extending artifact expiry failed",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
		}
	}
	return session, nil
}
