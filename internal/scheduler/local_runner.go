// Package scheduler runs the in-process transcode worker and the periodic
// housekeeping tasks for downloadarr.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/source"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/transcode"
)

// stopTimeout bounds the store updates made while the runner shuts down.
const stopTimeout = 10 * time.Second

// WorkerProtocol is the claim/report protocol the runner speaks, the same
// one remote workers use. *service.WorkerService implements it.
type WorkerProtocol interface {
	Register(ctx context.Context, id, name, capabilities string) (*models.Worker, error)
	Heartbeat(ctx context.Context, id string, activeJobs int) error
	Claim(ctx context.Context, workerID string) (*models.TranscodeJob, error)
	ReportProgress(ctx context.Context, workerID string, jobID models.ULID, progress int) (*models.TranscodeJob, error)
	ReportComplete(ctx context.Context, workerID string, jobID models.ULID, outputPath string, size int64) (*models.TranscodeJob, error)
	ReportError(ctx context.Context, workerID string, jobID models.ULID, message string) (*models.TranscodeJob, error)
}

// JobReleaser releases jobs the runner can no longer finish.
type JobReleaser interface {
	MarkCancelled(ctx context.Context, id models.ULID) (*models.TranscodeJob, error)
	ResetToPending(ctx context.Context, id models.ULID) (bool, error)
}

// LocalEngine is the part of the transcode engine the runner drives.
type LocalEngine interface {
	StartOrJoin(ctx context.Context, req transcode.StartRequest) (*transcode.Session, bool, error)
	ActiveCount() int
	Cancel(cacheKey string) error
	Evict(cacheKey, outputName string) bool
	Selection() ffmpeg.EncoderSelection
}

// ConcurrencyLimit reports how many local transcodes may run at once.
type ConcurrencyLimit interface {
	MaxConcurrent(ctx context.Context) int
}

// LocalRunnerConfig holds configuration for the local runner.
type LocalRunnerConfig struct {
	// WorkerID is the id the runner registers under.
	// Default: local
	WorkerID string

	// ClaimInterval is how often the runner polls for pending jobs.
	// Default: 2 seconds
	ClaimInterval time.Duration

	// HeartbeatInterval is how often the runner heartbeats its worker row.
	// Default: 15 seconds
	HeartbeatInterval time.Duration

	// ProgressInterval is how often encoder progress is written to the job.
	// Default: 2 seconds
	ProgressInterval time.Duration
}

// DefaultLocalRunnerConfig returns the default runner configuration.
func DefaultLocalRunnerConfig() LocalRunnerConfig {
	return LocalRunnerConfig{
		WorkerID:          "local",
		ClaimInterval:     2 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		ProgressInterval:  2 * time.Second,
	}
}

// LocalRunner is the in-process worker. It claims jobs through the same
// protocol as remote workers and runs them on the local transcode engine.
type LocalRunner struct {
	mu sync.Mutex

	protocol WorkerProtocol
	jobs     JobReleaser
	engine   LocalEngine
	sources  source.MediaSource
	limit    ConcurrencyLimit
	cfg      LocalRunnerConfig
	logger   *slog.Logger

	inFlight map[models.ULID]*models.TranscodeJob
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalRunner creates a local runner.
func NewLocalRunner(
	protocol WorkerProtocol,
	jobs JobReleaser,
	engine LocalEngine,
	sources source.MediaSource,
	limit ConcurrencyLimit,
) *LocalRunner {
	return &LocalRunner{
		protocol: protocol,
		jobs:     jobs,
		engine:   engine,
		sources:  sources,
		limit:    limit,
		cfg:      DefaultLocalRunnerConfig(),
		logger:   slog.Default(),
		inFlight: make(map[models.ULID]*models.TranscodeJob),
		wake:     make(chan struct{}, 1),
	}
}

// WithLogger sets a custom logger.
func (r *LocalRunner) WithLogger(logger *slog.Logger) *LocalRunner {
	r.logger = observability.WithComponent(logger, "local_runner")
	return r
}

// WithConfig applies configuration to the runner.
func (r *LocalRunner) WithConfig(cfg LocalRunnerConfig) *LocalRunner {
	if cfg.WorkerID != "" {
		r.cfg.WorkerID = cfg.WorkerID
	}
	if cfg.ClaimInterval > 0 {
		r.cfg.ClaimInterval = cfg.ClaimInterval
	}
	if cfg.HeartbeatInterval > 0 {
		r.cfg.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.ProgressInterval > 0 {
		r.cfg.ProgressInterval = cfg.ProgressInterval
	}
	return r
}

// WorkerID returns the id the runner claims jobs under.
func (r *LocalRunner) WorkerID() string {
	return r.cfg.WorkerID
}

// Start registers the local worker and begins claiming jobs.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		return fmt.Errorf("local runner already started")
	}

	sel := r.engine.Selection()
	caps, err := json.Marshal(map[string]any{
		"local":   true,
		"encoder": sel.Encoder,
		"accel":   sel.Accel,
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
	})
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	if _, err := r.protocol.Register(ctx, r.cfg.WorkerID, "Built-in transcoder", string(caps)); err != nil {
		return fmt.Errorf("registering local worker: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop()

	r.logger.Info("local runner started",
		slog.String("worker_id", r.cfg.WorkerID),
		slog.Duration("claim_interval", r.cfg.ClaimInterval))
	return nil
}

// Stop stops claiming, detaches from running sessions and returns their
// jobs to the queue. The sessions themselves are stopped by the engine.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	released := make([]*models.TranscodeJob, 0, len(r.inFlight))
	for _, job := range r.inFlight {
		released = append(released, job)
	}
	r.inFlight = make(map[models.ULID]*models.TranscodeJob)
	r.ctx = nil
	r.cancel = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	for _, job := range released {
		r.release(ctx, job)
	}

	r.logger.Info("local runner stopped", slog.Int("released", len(released)))
}

// Wake triggers a claim attempt without waiting for the next poll.
func (r *LocalRunner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// InFlight returns the number of jobs the runner is executing.
func (r *LocalRunner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

func (r *LocalRunner) loop() {
	defer r.wg.Done()

	claim := time.NewTicker(r.cfg.ClaimInterval)
	defer claim.Stop()
	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	r.fill()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-claim.C:
			r.fill()
		case <-r.wake:
			r.fill()
		case <-heartbeat.C:
			if err := r.protocol.Heartbeat(r.ctx, r.cfg.WorkerID, r.InFlight()); err != nil && r.ctx.Err() == nil {
				r.logger.Warn("local worker heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// fill claims jobs until the concurrency limit is reached or nothing is pending.
func (r *LocalRunner) fill() {
	for r.ctx.Err() == nil {
		limit := r.limit.MaxConcurrent(r.ctx)
		if r.engine.ActiveCount() >= limit || r.InFlight() >= limit {
			return
		}

		job, err := r.protocol.Claim(r.ctx, r.cfg.WorkerID)
		if err != nil {
			if r.ctx.Err() == nil {
				r.logger.Error("claiming transcode job failed", slog.String("error", err.Error()))
			}
			return
		}
		if job == nil {
			return
		}
		r.execute(job)
	}
}

// execute opens the job's source and starts or joins its session.
func (r *LocalRunner) execute(job *models.TranscodeJob) {
	logger := observability.WithJob(r.logger, job.ID.String())

	profile, ok := models.LookupProfile(job.ProfileID)
	if !ok {
		r.fail(job, fmt.Sprintf("%s: %s", models.ErrUnknownProfile, job.ProfileID))
		return
	}

	src, durationMs, err := r.sources.Open(r.ctx, job.SourceID)
	if err != nil {
		r.fail(job, "opening source: "+err.Error())
		return
	}
	if job.SourceDurationMs > 0 {
		durationMs = job.SourceDurationMs
	}

	session, joined, err := r.engine.StartOrJoin(r.ctx, transcode.StartRequest{
		CacheKey:   job.CacheKey(),
		Profile:    profile,
		DurationMs: durationMs,
		Source:     src,
	})
	if err != nil {
		if errors.Is(err, models.ErrResourceUnavailable) {
			logger.Warn("engine unavailable, returning job to queue", slog.String("error", err.Error()))
			r.release(r.ctx, job)
			return
		}
		r.fail(job, err.Error())
		return
	}

	r.mu.Lock()
	r.inFlight[job.ID] = job
	r.mu.Unlock()

	logger.Info("local transcode running",
		slog.String("cache_key", job.CacheKey()),
		slog.Bool("joined", joined))

	r.wg.Add(1)
	go r.watch(job, session)
}

// watch mirrors a session onto its job until one of them ends.
func (r *LocalRunner) watch(job *models.TranscodeJob, session *transcode.Session) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ProgressInterval)
	defer ticker.Stop()

	reported := 0
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-session.Done():
			r.finish(job, session)
			return
		case <-ticker.C:
			progress := session.Progress()
			if progress == reported {
				continue
			}
			if _, err := r.protocol.ReportProgress(r.ctx, r.cfg.WorkerID, job.ID, progress); err != nil {
				if r.ctx.Err() != nil {
					return
				}
				r.abandon(job, err)
				return
			}
			reported = progress
		}
	}
}

// finish records the terminal state of a session on its job.
func (r *LocalRunner) finish(job *models.TranscodeJob, session *transcode.Session) {
	defer r.forget(job.ID)
	logger := observability.WithJob(r.logger, job.ID.String())
	ctx := context.WithoutCancel(r.ctx)

	switch session.Status() {
	case models.TranscodeStatusCompleted:
		_, err := r.protocol.ReportComplete(ctx, r.cfg.WorkerID, job.ID, session.OutputName(), session.Size())
		if err != nil {
			logger.Warn("reporting completion failed", slog.String("error", err.Error()))
			if errors.Is(err, models.ErrGone) {
				r.engine.Evict(job.CacheKey(), session.OutputName())
			}
		}

	case models.TranscodeStatusCancelled:
		// Cancelled through the queue, or by the engine after every
		// downloader left.
		if _, err := r.jobs.MarkCancelled(ctx, job.ID); err != nil && !errors.Is(err, models.ErrGone) {
			logger.Warn("recording cancellation failed", slog.String("error", err.Error()))
		}

	default:
		err := session.Err()
		if errors.Is(err, models.ErrResourceUnavailable) {
			r.release(ctx, job)
			return
		}
		message := "transcode failed"
		if err != nil {
			message = err.Error()
		}
		r.fail(job, message)
	}
}

// abandon stops the local session of a job the runner no longer owns.
func (r *LocalRunner) abandon(job *models.TranscodeJob, err error) {
	defer r.forget(job.ID)
	logger := observability.WithJob(r.logger, job.ID.String())

	if errors.Is(err, models.ErrGone) {
		logger.Info("job cancelled, stopping local transcode")
	} else {
		logger.Warn("lost claim on job, stopping local transcode", slog.String("error", err.Error()))
	}
	if cancelErr := r.engine.Cancel(job.CacheKey()); cancelErr != nil {
		logger.Warn("stopping local transcode failed", slog.String("error", cancelErr.Error()))
	}
}

func (r *LocalRunner) fail(job *models.TranscodeJob, message string) {
	ctx := context.WithoutCancel(r.ctx)
	if _, err := r.protocol.ReportError(ctx, r.cfg.WorkerID, job.ID, message); err != nil {
		observability.WithJob(r.logger, job.ID.String()).
			Warn("reporting failure failed", slog.String("error", err.Error()))
	}
}

func (r *LocalRunner) release(ctx context.Context, job *models.TranscodeJob) {
	if _, err := r.jobs.ResetToPending(ctx, job.ID); err != nil {
		observability.WithJob(r.logger, job.ID.String()).
			Warn("returning job to queue failed", slog.String("error", err.Error()))
	}
}

func (r *LocalRunner) forget(id models.ULID) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}
