// Package transcode runs local ffmpeg sessions and streams their growing
// output to any number of concurrent downloaders.
//
// A session is keyed by the job's cache key (source + profile). Starting a
// session for a key that is already encoding joins it; a completed session is
// a cache hit. Each downloader is a Subscription driven by its own timer that
// copies newly written bytes from the output file to a Sink.
package transcode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/storage"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/util"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	stderrTailLines     = 10
)

// Config holds engine settings.
type Config struct {
	CacheDir     string
	PollInterval time.Duration
	GracePeriod  time.Duration
	CacheTTL     time.Duration
	FFmpeg       config.FFmpegConfig
}

// ConfigFrom extracts the engine settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		CacheDir:     cfg.Storage.CachePath(),
		PollInterval: cfg.Transcode.SubscriberPoll,
		GracePeriod:  cfg.Transcode.GracePeriod,
		CacheTTL:     cfg.Transcode.CacheTTL,
		FFmpeg:       cfg.FFmpeg,
	}
}

// Selector chooses the video encoder for this host.
type Selector interface {
	Select(ctx context.Context, cfg config.FFmpegConfig) ffmpeg.EncoderSelection
}

// Sink receives a download. Start is called once before the first Write
// with the suggested filename and the total size, or -1 while the output is
// still growing.
type Sink interface {
	io.Writer
	Start(filename string, size int64) error
}

// Aborter is implemented by sinks that can interrupt a blocked Write. Abort
// is called when a subscription ends while a write is in flight and must
// not block.
type Aborter interface {
	Abort()
}

// StartRequest describes a session to start or join.
type StartRequest struct {
	CacheKey   string
	Profile    models.Profile
	DurationMs int64
	// Source is fed to the encoder's stdin and closed when the encoder exits.
	// It is closed immediately when the request joins an existing session.
	Source io.ReadCloser
}

// SweepStats reports what a cache sweep removed.
type SweepStats struct {
	SessionsDropped int
	FilesDeleted    int
}

// Engine owns all local transcode sessions.
type Engine struct {
	cfg      Config
	encoder  ffmpeg.Encoder
	selector Selector
	logger   *slog.Logger

	mu          sync.Mutex
	initialized bool
	cache       *storage.Sandbox
	selection   ffmpeg.EncoderSelection
	sessions    map[string]*Session
	wg          sync.WaitGroup
	now         func() time.Time
}

// New creates an engine. Init must be called before sessions can start.
// A nil selector always uses the software encoder.
func New(cfg Config, encoder ffmpeg.Encoder, selector Selector, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		encoder:  encoder,
		selector: selector,
		logger:   observability.WithComponent(logger, "transcode"),
		sessions: make(map[string]*Session),
		now:      models.Now,
	}
}

// Init prepares the cache directory and picks the encoder.
func (e *Engine) Init(ctx context.Context) error {
	cache, err := storage.NewSandbox(e.cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("preparing cache directory: %w", err)
	}

	selection := ffmpeg.SoftwareSelection(e.cfg.FFmpeg.SoftwarePreset)
	if e.selector != nil {
		selection = e.selector.Select(ctx, e.cfg.FFmpeg)
	}

	e.mu.Lock()
	e.cache = cache
	e.selection = selection
	e.initialized = true
	e.mu.Unlock()

	e.logger.Info("transcode engine initialized",
		slog.String("cache_dir", cache.BaseDir()),
		slog.String("encoder", selection.Encoder),
		slog.String("accel", string(selection.Accel)))
	return nil
}

// Cache returns the cache sandbox, or nil before Init.
func (e *Engine) Cache() *storage.Sandbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache
}

// Selection returns the encoder chosen at Init.
func (e *Engine) Selection() ffmpeg.EncoderSelection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selection
}

// StartOrJoin returns the session for req.CacheKey, starting an encoder if no
// usable session exists. joined is true when an existing session was returned.
func (e *Engine) StartOrJoin(ctx context.Context, req StartRequest) (*Session, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		closeSource(req.Source)
		return nil, false, fmt.Errorf("%w: engine not initialized", models.ErrResourceUnavailable)
	}

	if s, ok := e.sessions[req.CacheKey]; ok {
		switch s.Status() {
		case models.TranscodeStatusCompleted, models.TranscodeStatusTranscoding:
			closeSource(req.Source)
			s.Touch(e.now())
			return s, true, nil
		}
		delete(e.sessions, req.CacheKey)
	}

	now := e.now()
	outputName := util.SanitizeKey(req.CacheKey) + "_" + strconv.FormatInt(now.UnixMilli(), 10) + ".mp4"
	outputPath, err := e.cache.ResolvePath(outputName)
	if err != nil {
		closeSource(req.Source)
		return nil, false, err
	}

	args := ffmpeg.TranscodeArgs(e.selection, req.Profile, ffmpeg.StdinInput, outputPath)

	// The encoder outlives the request that started it.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var stdin io.Reader
	if req.Source != nil {
		stdin = req.Source
	}
	proc, err := e.encoder.Start(procCtx, args, stdin)
	if err != nil {
		cancel()
		closeSource(req.Source)
		return nil, false, err
	}

	s := newSession(e, req.CacheKey, outputName, outputPath, time.Duration(req.DurationMs)*time.Millisecond, now)
	s.proc = proc
	s.cancel = cancel
	s.source = req.Source
	e.sessions[req.CacheKey] = s

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.run()
	}()

	s.logger.Info("transcode started",
		slog.String("output", outputName),
		slog.String("profile", req.Profile.ID),
		slog.String("encoder", e.selection.Encoder))
	return s, false, nil
}

// Lookup returns the session for a cache key, or nil.
func (e *Engine) Lookup(cacheKey string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[cacheKey]
}

// Subscribe attaches sink to the session's output. Completed output is sent
// in full; in-progress output is streamed as it grows.
func (e *Engine) Subscribe(s *Session, sink Sink, filename string) (*Subscription, error) {
	return s.subscribe(sink, filename, e.cfg.PollInterval)
}

// Adopt registers an already finished artifact in the cache directory as a
// completed session, for example one uploaded by a remote worker. A finished
// session holding a different artifact for the key is replaced and its
// subscribers end with models.ErrGone; a session still encoding is not.
func (e *Engine) Adopt(cacheKey, outputName string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil, fmt.Errorf("%w: engine not initialized", models.ErrResourceUnavailable)
	}
	stale, ok := e.sessions[cacheKey]
	if ok {
		if stale.OutputName() == outputName {
			return stale, nil
		}
		if stale.Status() == models.TranscodeStatusTranscoding {
			return nil, fmt.Errorf("%w: %s is still encoding locally", models.ErrInvalidTransition, cacheKey)
		}
	}

	info, err := e.cache.Stat(outputName)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: artifact %s missing from cache", models.ErrArtifactNotReady, outputName)
	}
	outputPath, err := e.cache.ResolvePath(outputName)
	if err != nil {
		return nil, err
	}

	s := newSession(e, cacheKey, outputName, outputPath, 0, e.now())
	s.markAdopted(info.Size())
	e.sessions[cacheKey] = s

	// The replaced session's file may still be referenced by an older job,
	// so it is left for the cache sweep.
	if stale != nil {
		stale.stop(models.TranscodeStatusCancelled, models.ErrGone, false)
	}
	return s, nil
}

// Cancel stops the session for cacheKey: the encoder is killed, the output
// file deleted, and subscribers end with models.ErrGone. Unknown keys are a no-op.
func (e *Engine) Cancel(cacheKey string) error {
	e.mu.Lock()
	s, ok := e.sessions[cacheKey]
	if ok {
		delete(e.sessions, cacheKey)
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}
	s.stop(models.TranscodeStatusCancelled, models.ErrGone, true)
	return nil
}

// Evict drops a completed session and deletes its file, but only while the
// session still refers to outputName. It reports whether a session was dropped.
func (e *Engine) Evict(cacheKey, outputName string) bool {
	e.mu.Lock()
	s, ok := e.sessions[cacheKey]
	if ok && s.OutputName() == outputName && s.Status() == models.TranscodeStatusCompleted {
		delete(e.sessions, cacheKey)
	} else {
		ok = false
	}
	e.mu.Unlock()

	if ok {
		s.stop(models.TranscodeStatusCancelled, models.ErrGone, true)
	}
	return ok
}

// cancelIdle is fired by a session's grace timer.
func (e *Engine) cancelIdle(s *Session) {
	e.mu.Lock()
	current, ok := e.sessions[s.key]
	if !ok || current != s || !s.idle() {
		e.mu.Unlock()
		return
	}
	delete(e.sessions, s.key)
	e.mu.Unlock()

	s.logger.Info("cancelling transcode with no downloaders", slog.Duration("grace_period", e.cfg.GracePeriod))
	s.stop(models.TranscodeStatusCancelled, models.ErrGone, true)
}

// ActiveCount returns the number of sessions still encoding.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.sessions {
		if s.Status() == models.TranscodeStatusTranscoding {
			n++
		}
	}
	return n
}

// Sweep drops completed or failed sessions idle for longer than the cache TTL
// and deletes orphaned cache files older than the TTL. keep reports whether a
// file name is still referenced by a live job; such files are never deleted.
func (e *Engine) Sweep(now time.Time, keep func(name string) bool) (SweepStats, error) {
	var stats SweepStats
	if keep == nil {
		keep = func(string) bool { return false }
	}

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return stats, fmt.Errorf("%w: engine not initialized", models.ErrResourceUnavailable)
	}
	cache := e.cache
	var dropped []*Session
	referenced := make(map[string]bool, len(e.sessions))
	for key, s := range e.sessions {
		if s.expired(now, e.cfg.CacheTTL) {
			delete(e.sessions, key)
			dropped = append(dropped, s)
			continue
		}
		referenced[s.OutputName()] = true
	}
	e.mu.Unlock()

	for _, s := range dropped {
		stats.SessionsDropped++
		if keep(s.OutputName()) {
			s.stop(models.TranscodeStatusCancelled, models.ErrGone, false)
			continue
		}
		s.stop(models.TranscodeStatusCancelled, models.ErrGone, true)
		stats.FilesDeleted++
	}

	entries, err := cache.List(".")
	if err != nil {
		return stats, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || referenced[name] || keep(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) <= e.cfg.CacheTTL {
			continue
		}
		if err := cache.Remove(name); err != nil {
			e.logger.Warn("failed to delete orphaned cache file", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		stats.FilesDeleted++
	}

	if stats.SessionsDropped > 0 || stats.FilesDeleted > 0 {
		e.logger.Info("cache sweep finished",
			slog.Int("sessions_dropped", stats.SessionsDropped),
			slog.Int("files_deleted", stats.FilesDeleted))
	}
	return stats, nil
}

// Shutdown kills running encoders, leaving their partial output on disk, and
// ends every subscription. The engine must be re-initialized before reuse.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.initialized = false
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	shutdownErr := fmt.Errorf("%w: engine shut down", models.ErrResourceUnavailable)
	for _, s := range sessions {
		s.stop(models.TranscodeStatusError, shutdownErr, false)
	}
	e.wg.Wait()
	e.logger.Info("transcode engine stopped", slog.Int("sessions", len(sessions)))
}

func closeSource(src io.Closer) {
	if src != nil {
		_ = src.Close()
	}
}
