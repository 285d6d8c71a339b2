// Package daemon implements the remote transcode worker. It registers with
// the coordinating server, claims jobs over HTTP, downloads their source,
// runs ffmpeg locally and uploads the result.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/util"
)

const (
	stderrTailLines        = 10
	maxHeartbeatFailures   = 3
	defaultRegisterBackoff = time.Second
	maxRegisterBackoff     = 30 * time.Second
	reportTimeout          = 30 * time.Second
)

// Daemon runs claimed jobs until its context is cancelled.
type Daemon struct {
	cfg          config.WorkerDaemonConfig
	client       *Client
	encoder      ffmpeg.Encoder
	selection    ffmpeg.EncoderSelection
	capabilities string
	logger       *slog.Logger

	active atomic.Int32
	wake   chan struct{}

	mu   sync.Mutex
	jobs map[string]int

	registerBackoff time.Duration
}

// New creates a daemon that reports through client and encodes with encoder.
func New(cfg config.WorkerDaemonConfig, client *Client, encoder ffmpeg.Encoder, sel ffmpeg.EncoderSelection) *Daemon {
	if cfg.MaxJobs < 1 {
		cfg.MaxJobs = 1
	}
	return &Daemon{
		cfg:             cfg,
		client:          client,
		encoder:         encoder,
		selection:       sel,
		logger:          slog.Default(),
		wake:            make(chan struct{}, 1),
		jobs:            make(map[string]int),
		registerBackoff: defaultRegisterBackoff,
	}
}

// WithLogger sets a custom logger.
func (d *Daemon) WithLogger(logger *slog.Logger) *Daemon {
	d.logger = observability.WithWorker(logger, d.cfg.ID)
	return d
}

// WithCapabilities sets the descriptor sent at registration.
func (d *Daemon) WithCapabilities(caps string) *Daemon {
	d.capabilities = caps
	return d
}

// ActiveJobs returns the number of jobs currently running.
func (d *Daemon) ActiveJobs() int {
	return int(d.active.Load())
}

// Progress returns the last progress seen for each running job.
func (d *Daemon) Progress() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.jobs))
	for id, p := range d.jobs {
		out[id] = p
	}
	return out
}

// Run registers and then heartbeats, claims and executes jobs until ctx is
// cancelled. Running jobs are killed on shutdown and left unreported; the
// server returns them to the queue once the heartbeat lapses.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.WorkDir, 0o750); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	if err := d.register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	d.logger.Info("worker started",
		slog.Int("max_jobs", d.cfg.MaxJobs),
		slog.String("encoder", d.selection.Encoder),
		slog.String("server", d.cfg.ServerURL),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.heartbeatLoop(gctx) })
	g.Go(func() error { return d.claimLoop(gctx, g) })

	err := g.Wait()
	d.logger.Info("worker stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// register retries with exponential backoff until the server accepts the
// worker. A rejected secret is not retried.
func (d *Daemon) register(ctx context.Context) error {
	delay := d.registerBackoff
	for attempt := 1; ; attempt++ {
		err := d.client.Register(ctx, d.cfg.Name, d.capabilities)
		if err == nil {
			d.logger.Info("registered with server", slog.Int("attempt", attempt))
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return fmt.Errorf("registering worker: %w", err)
		}

		d.logger.Warn("registration failed",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRegisterBackoff)
	}
}

// heartbeatLoop reports liveness. A worker the server forgot, or one whose
// heartbeats keep failing, registers again.
func (d *Daemon) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := d.client.Heartbeat(ctx, d.ActiveJobs())
		switch {
		case err == nil:
			if failures > 0 {
				d.logger.Info("heartbeat recovered", slog.Int("previous_failures", failures))
			}
			failures = 0
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrUnauthorized):
			return fmt.Errorf("heartbeat: %w", err)
		}

		failures++
		d.logger.Warn("heartbeat failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", failures),
		)
		if errors.Is(err, models.ErrNotFound) || failures >= maxHeartbeatFailures {
			if err := d.register(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			failures = 0
		}
	}
}

// claimLoop claims jobs while there is spare capacity. It polls on an
// interval and immediately after a job finishes.
func (d *Daemon) claimLoop(ctx context.Context, g *errgroup.Group) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for d.ActiveJobs() < d.cfg.MaxJobs {
			a, err := d.client.Claim(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, ErrUnauthorized) {
					return fmt.Errorf("claiming job: %w", err)
				}
				d.logger.Warn("claim failed", slog.String("error", err.Error()))
				break
			}
			if a == nil {
				break
			}

			d.active.Add(1)
			g.Go(func() error {
				defer d.finished()
				d.execute(ctx, a)
				return nil
			})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

func (d *Daemon) finished() {
	d.active.Add(-1)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Daemon) setProgress(jobID string, progress int) {
	d.mu.Lock()
	d.jobs[jobID] = progress
	d.mu.Unlock()
}

func (d *Daemon) forget(jobID string) {
	d.mu.Lock()
	delete(d.jobs, jobID)
	d.mu.Unlock()
}

// execute runs one claimed job and reports its outcome.
func (d *Daemon) execute(ctx context.Context, a *Assignment) {
	jobID := a.Job.ID
	logger := observability.WithJob(d.logger, jobID)
	d.setProgress(jobID, 0)
	defer d.forget(jobID)

	dir := filepath.Join(d.cfg.WorkDir, "job-"+util.SanitizeKey(jobID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		d.fail(ctx, logger, jobID, fmt.Errorf("creating job dir: %w", err))
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("removing job dir failed", slog.String("error", err.Error()))
		}
	}()

	profile, ok := models.LookupProfile(a.Job.ProfileID)
	if !ok {
		d.fail(ctx, logger, jobID, fmt.Errorf("%w: %s", models.ErrUnknownProfile, a.Job.ProfileID))
		return
	}

	logger.Info("transcode started", slog.String("source_id", a.Job.SourceID), slog.String("profile", profile.ID))

	input := filepath.Join(dir, "source")
	n, err := d.client.DownloadSource(ctx, a, input)
	if err != nil {
		d.fail(ctx, logger, jobID, fmt.Errorf("downloading source: %w", err))
		return
	}
	logger.Debug("source downloaded", slog.Int64("bytes", n), slog.Int64("duration_ms", a.DurationMs()))

	output := filepath.Join(dir, "output.mp4")
	if err := d.encode(ctx, logger, a, profile, input, output); err != nil {
		d.fail(ctx, logger, jobID, err)
		return
	}

	name, size, err := d.client.UploadArtifact(ctx, jobID, output)
	if err != nil {
		d.fail(ctx, logger, jobID, fmt.Errorf("uploading artifact: %w", err))
		return
	}
	if err := d.client.Complete(ctx, jobID, name, size); err != nil {
		d.fail(ctx, logger, jobID, fmt.Errorf("reporting completion: %w", err))
		return
	}

	logger.Info("transcode completed", slog.String("output", name), slog.Int64("size", size))
	if err := d.client.Heartbeat(ctx, d.ActiveJobs()-1); err != nil && ctx.Err() == nil {
		logger.Debug("heartbeat after completion failed", slog.String("error", err.Error()))
	}
}

// errCancelled marks an encode stopped because the server answered 410.
var errCancelled = errors.New("cancelled by server")

// encode runs ffmpeg and forwards progress on the configured interval.
func (d *Daemon) encode(ctx context.Context, logger *slog.Logger, a *Assignment, profile models.Profile, input, output string) error {
	encCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := ffmpeg.TranscodeArgs(d.selection, profile, input, output)
	proc, err := d.encoder.Start(encCtx, args, nil)
	if err != nil {
		return fmt.Errorf("%w: starting encoder: %w", models.ErrExecutionFailure, err)
	}

	var latest atomic.Int32
	latest.Store(-1)
	var cancelled atomic.Bool

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		d.reportProgress(encCtx, logger, a.Job.ID, &latest, func() {
			cancelled.Store(true)
			_ = proc.Kill()
		})
	}()

	tail := ffmpeg.NewStderrTail(stderrTailLines)
	total := time.Duration(a.DurationMs()) * time.Millisecond
	if err := ffmpeg.ScanProgress(proc.Stderr(), total, tail, func(p int) {
		latest.Store(int32(p))
		d.setProgress(a.Job.ID, p)
	}); err != nil {
		logger.Debug("reading encoder output failed", slog.String("error", err.Error()))
	}
	code, waitErr := proc.Wait()
	cancel()
	<-reporterDone

	switch {
	case cancelled.Load():
		return errCancelled
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil:
		return fmt.Errorf("%w: %w", models.ErrExecutionFailure, waitErr)
	case code != 0:
		return fmt.Errorf("%w: exit code %d: %s", models.ErrExecutionFailure, code, tail.String())
	}

	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("%w: encoder produced no output: %w", models.ErrExecutionFailure, err)
	}
	return nil
}

// reportProgress sends the latest percentage whenever it changed, every
// ProgressInterval. onGone runs once when the server reports the job
// cancelled.
func (d *Daemon) reportProgress(ctx context.Context, logger *slog.Logger, jobID string, latest *atomic.Int32, onGone func()) {
	interval := d.cfg.ProgressInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := int32(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p := latest.Load()
		if p < 0 || p == sent {
			continue
		}
		err := d.client.ReportProgress(ctx, jobID, int(p))
		switch {
		case err == nil:
			sent = p
		case errors.Is(err, models.ErrGone):
			logger.Info("transcode cancelled by server")
			onGone()
			return
		case ctx.Err() == nil:
			logger.Warn("progress report failed", slog.String("error", err.Error()))
		}
	}
}

// fail reports err unless the job was cancelled or the worker is shutting
// down.
func (d *Daemon) fail(ctx context.Context, logger *slog.Logger, jobID string, err error) {
	switch {
	case errors.Is(err, errCancelled), errors.Is(err, models.ErrGone):
		logger.Info("transcode abandoned", slog.String("reason", err.Error()))
		return
	case ctx.Err() != nil:
		logger.Info("transcode interrupted by shutdown")
		return
	}

	observability.WithError(logger, err).Error("transcode failed")

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if rerr := d.client.ReportError(reportCtx, jobID, err.Error()); rerr != nil {
		logger.Warn("reporting failure failed", slog.String("error", rerr.Error()))
	}
}
