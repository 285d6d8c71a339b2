package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/repository"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/source"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/storage"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/util"
)

// ClaimedJob is a job handed to a worker together with where to read its source.
type ClaimedJob struct {
	Job    *models.TranscodeJob `json:"job"`
	Source source.Location      `json:"source"`
}

// WorkerService implements the worker registry and the claim/report
// protocol shared by remote workers and the local runner. Every job
// operation checks that the calling worker owns the job.
type WorkerService struct {
	workers   repository.WorkerRepository
	jobs      repository.TranscodeJobRepository
	sources   source.MediaSource
	engine    TranscodeEngine
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorkerService creates a new WorkerService. retention is how long a
// completed artifact is kept after its last use; zero keeps it forever.
func NewWorkerService(
	workers repository.WorkerRepository,
	jobs repository.TranscodeJobRepository,
	sources source.MediaSource,
	engine TranscodeEngine,
	retention time.Duration,
) *WorkerService {
	return &WorkerService{
		workers:   workers,
		jobs:      jobs,
		sources:   sources,
		engine:    engine,
		retention: retention,
		logger:    slog.Default(),
		now:       models.Now,
	}
}

// WithLogger sets a custom logger.
func (s *WorkerService) WithLogger(logger *slog.Logger) *WorkerService {
	s.logger = logger
	return s
}

// Register creates or refreshes a worker and marks it online.
func (s *WorkerService) Register(ctx context.Context, id, name, capabilities string) (*models.Worker, error) {
	if name == "" {
		name = id
	}
	worker := &models.Worker{ID: id, Name: name, Capabilities: capabilities}
	if err := s.workers.Upsert(ctx, worker); err != nil {
		return nil, err
	}
	observability.WithWorker(s.logger, id).Info("worker registered", slog.String("name", name))
	return s.Get(ctx, id)
}

// Heartbeat records that the worker is alive and how many jobs it runs.
func (s *WorkerService) Heartbeat(ctx context.Context, id string, activeJobs int) error {
	if id == "" {
		return models.ErrWorkerIDRequired
	}
	return s.workers.Heartbeat(ctx, id, activeJobs)
}

// SetStatus changes a worker's reported status.
func (s *WorkerService) SetStatus(ctx context.Context, id string, status models.WorkerStatus) error {
	if err := s.workers.SetStatus(ctx, id, status); err != nil {
		return err
	}
	observability.WithWorker(s.logger, id).Info("worker status changed", slog.String("status", string(status)))
	return nil
}

// Get returns a worker by id.
func (s *WorkerService) Get(ctx context.Context, id string) (*models.Worker, error) {
	worker, err := s.workers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if worker == nil {
		return nil, fmt.Errorf("%w: worker %s", models.ErrNotFound, id)
	}
	return worker, nil
}

// List returns all registered workers.
func (s *WorkerService) List(ctx context.Context) ([]*models.Worker, error) {
	return s.workers.List(ctx)
}

// Delete removes a worker. Jobs it still holds are released by the reaper.
func (s *WorkerService) Delete(ctx context.Context, id string) error {
	if err := s.workers.Delete(ctx, id); err != nil {
		return err
	}
	observability.WithWorker(s.logger, id).Info("worker deleted")
	return nil
}

// Claim assigns the oldest pending job to the worker. It returns (nil, nil)
// when nothing is pending.
func (s *WorkerService) Claim(ctx context.Context, workerID string) (*models.TranscodeJob, error) {
	job, err := s.jobs.Claim(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if job != nil {
		observability.WithWorker(observability.WithJob(s.logger, job.ID.String()), workerID).
			Info("transcode claimed", slog.String("cache_key", job.CacheKey()))
	}
	return job, nil
}

// ClaimRemote claims a job for a remote worker and tells it where to fetch
// the source. If the source cannot be located the job is failed so it does
// not stay assigned to a worker that cannot run it.
func (s *WorkerService) ClaimRemote(ctx context.Context, workerID string) (*ClaimedJob, error) {
	job, err := s.Claim(ctx, workerID)
	if err != nil || job == nil {
		return nil, err
	}

	loc, err := s.sources.Locate(ctx, job)
	if err != nil {
		if _, failErr := s.jobs.MarkErrored(ctx, job.ID, workerID, "locating source: "+err.Error()); failErr != nil {
			s.logger.Warn("failing unlocatable job failed",
				slog.String("job_id", job.ID.String()),
				slog.String("error", failErr.Error()))
		}
		return nil, fmt.Errorf("locating source for job %s: %w", job.ID, err)
	}
	return &ClaimedJob{Job: job, Source: loc}, nil
}

// OpenSource streams the source of a job the worker owns.
func (s *WorkerService) OpenSource(ctx context.Context, workerID string, jobID models.ULID) (io.ReadCloser, int64, error) {
	job, err := s.ownedJob(ctx, workerID, jobID)
	if err != nil {
		return nil, 0, err
	}
	return s.sources.Open(ctx, job.SourceID)
}

// ReportProgress records encoder progress. Returns models.ErrGone once the
// job was cancelled, which tells the worker to stop.
func (s *WorkerService) ReportProgress(ctx context.Context, workerID string, jobID models.ULID, progress int) (*models.TranscodeJob, error) {
	return s.jobs.MarkProgress(ctx, jobID, workerID, progress)
}

// UploadArtifact stores a finished output in the cache directory and returns
// its cache-relative name and size. The worker's heartbeat is refreshed
// first so a long upload is not mistaken for a dead worker.
func (s *WorkerService) UploadArtifact(ctx context.Context, workerID string, jobID models.ULID, r io.Reader) (string, int64, error) {
	job, err := s.ownedJob(ctx, workerID, jobID)
	if err != nil {
		return "", 0, err
	}
	if err := s.workers.Touch(ctx, workerID); err != nil {
		return "", 0, err
	}

	cache := s.cache()
	if cache == nil {
		return "", 0, fmt.Errorf("%w: transcode cache not initialized", models.ErrResourceUnavailable)
	}

	name := util.SanitizeKey(job.CacheKey()) + "_" + strconv.FormatInt(s.now().UnixMilli(), 10) + ".mp4"
	size, err := cache.AtomicWriteReader(name, r)
	if err != nil {
		return "", 0, fmt.Errorf("storing artifact for job %s: %w", jobID, err)
	}

	observability.WithWorker(observability.WithJob(s.logger, jobID.String()), workerID).
		Info("artifact uploaded", slog.String("output", name), slog.String("size", util.FormatBytes(size)))
	return name, size, nil
}

// ReportComplete finalizes a job whose artifact is in the cache directory.
func (s *WorkerService) ReportComplete(ctx context.Context, workerID string, jobID models.ULID, outputPath string, size int64) (*models.TranscodeJob, error) {
	if outputPath == "" {
		return nil, models.ErrValidation{Field: "output_path", Message: "is required"}
	}
	if cache := s.cache(); cache != nil {
		info, err := cache.Stat(outputPath)
		if err != nil || !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %s is not in the cache", models.ErrArtifactNotReady, outputPath)
		}
		if size <= 0 {
			size = info.Size()
		}
	}

	job, err := s.jobs.MarkCompleted(ctx, jobID, workerID, outputPath, size, s.retention)
	if err != nil {
		if errors.Is(err, models.ErrGone) {
			s.discardArtifact(outputPath)
		}
		return nil, err
	}

	if s.engine != nil {
		if _, err := s.engine.Adopt(job.CacheKey(), outputPath); err != nil {
			s.logger.Warn("registering artifact with engine failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()))
		}
	}

	observability.WithWorker(observability.WithJob(s.logger, jobID.String()), workerID).
		Info("transcode completed", slog.String("output", outputPath), slog.String("size", util.FormatBytes(size)))
	return job, nil
}

// ReportError records a terminal encoder failure. The job is not retried.
func (s *WorkerService) ReportError(ctx context.Context, workerID string, jobID models.ULID, message string) (*models.TranscodeJob, error) {
	job, err := s.jobs.MarkErrored(ctx, jobID, workerID, message)
	if err != nil {
		return nil, err
	}
	observability.WithWorker(observability.WithJob(s.logger, jobID.String()), workerID).
		Warn("transcode failed", slog.String("error", message))
	return job, nil
}

// ownedJob loads a job and checks that workerID may still report on it.
func (s *WorkerService) ownedJob(ctx context.Context, workerID string, jobID models.ULID) (*models.TranscodeJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: transcode job %s", models.ErrNotFound, jobID)
	}
	if err := job.CheckOwner(workerID); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *WorkerService) discardArtifact(name string) {
	cache := s.cache()
	if cache == nil {
		return
	}
	if err := cache.Remove(name); err != nil {
		s.logger.Warn("discarding artifact failed", slog.String("output", name), slog.String("error", err.Error()))
	}
}

func (s *WorkerService) cache() *storage.Sandbox {
	if s.engine == nil {
		return nil
	}
	return s.engine.Cache()
}

func isGone(err error) bool {
	return errors.Is(err, models.ErrGone)
}
