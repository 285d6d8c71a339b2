package transcode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
)

// Session is one encoder run and its output file.
type Session struct {
	engine     *Engine
	key        string
	outputName string
	outputPath string
	total      time.Duration
	createdAt  time.Time
	logger     *slog.Logger

	proc   ffmpeg.Process
	cancel context.CancelFunc
	source io.Closer

	mu           sync.Mutex
	status       models.TranscodeStatus
	progress     int
	err          error
	size         int64
	lastAccess   time.Time
	deleteOnExit bool
	subs         map[*Subscription]struct{}
	grace        *time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(e *Engine, key, outputName, outputPath string, total time.Duration, now time.Time) *Session {
	return &Session{
		engine:     e,
		key:        key,
		outputName: outputName,
		outputPath: outputPath,
		total:      total,
		createdAt:  now,
		lastAccess: now,
		logger:     e.logger.With(slog.String("cache_key", key)),
		status:     models.TranscodeStatusTranscoding,
		subs:       make(map[*Subscription]struct{}),
		done:       make(chan struct{}),
	}
}

// Key returns the cache key.
func (s *Session) Key() string { return s.key }

// OutputName returns the output file name relative to the cache directory.
func (s *Session) OutputName() string { return s.outputName }

// OutputPath returns the absolute output path.
func (s *Session) OutputPath() string { return s.outputPath }

// CreatedAt returns when the session started.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the current state.
func (s *Session) Status() models.TranscodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns the percentage encoded so far.
func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Err returns why the session failed or was cancelled.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Size returns the final output size, valid once completed.
func (s *Session) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// LastAccess returns when a downloader last used the session.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// SubscriberCount returns the number of attached downloaders.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Touch records an access, postponing the cache sweep.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) snapshot() (models.TranscodeStatus, error, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.err, s.size
}

func (s *Session) setProgress(p int) {
	s.mu.Lock()
	if s.status == models.TranscodeStatusTranscoding && p > s.progress {
		s.progress = p
	}
	s.mu.Unlock()
}

func (s *Session) markAdopted(size int64) {
	s.status = models.TranscodeStatusCompleted
	s.progress = 100
	s.size = size
	s.closeDone()
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// run consumes encoder output until exit and records the outcome.
func (s *Session) run() {
	tail := ffmpeg.NewStderrTail(stderrTailLines)
	if err := ffmpeg.ScanProgress(s.proc.Stderr(), s.total, tail, s.setProgress); err != nil {
		s.logger.Debug("reading encoder output failed", slog.String("error", err.Error()))
	}
	code, waitErr := s.proc.Wait()
	s.cancel()
	closeSource(s.source)
	s.finish(code, waitErr, tail.String())
}

func (s *Session) finish(code int, waitErr error, stderr string) {
	s.mu.Lock()
	if s.status != models.TranscodeStatusTranscoding {
		// Cancelled or shut down while the encoder was running.
		remove := s.deleteOnExit
		s.mu.Unlock()
		if remove {
			s.removeOutput()
		}
		s.closeDone()
		return
	}

	if waitErr == nil && code == 0 {
		info, err := os.Stat(s.outputPath)
		if err == nil {
			s.status = models.TranscodeStatusCompleted
			s.progress = 100
			s.size = info.Size()
		} else {
			s.status = models.TranscodeStatusError
			s.err = fmt.Errorf("%w: encoder produced no output: %w", models.ErrExecutionFailure, err)
		}
	} else {
		s.status = models.TranscodeStatusError
		if waitErr != nil {
			stderr = waitErr.Error()
		}
		s.err = fmt.Errorf("%w: exit code %d: %s", models.ErrExecutionFailure, code, stderr)
	}
	s.stopGraceLocked()
	status, err, size := s.status, s.err, s.size
	var subs []*Subscription
	if status == models.TranscodeStatusError {
		subs = s.takeSubscribersLocked()
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(err)
	}
	s.closeDone()

	if status == models.TranscodeStatusCompleted {
		s.logger.Info("transcode completed", slog.Int64("size", size), slog.Duration("elapsed", time.Since(s.createdAt)))
	} else {
		s.logger.Warn("transcode failed", slog.String("error", err.Error()))
	}
}

// stop moves the session to a terminal state, kills the encoder if it is
// still running and ends all subscriptions with err. It never waits on a
// subscriber's sink. With deleteFile the output is removed once the encoder
// has exited.
func (s *Session) stop(status models.TranscodeStatus, err error, deleteFile bool) {
	s.mu.Lock()
	running := s.status == models.TranscodeStatusTranscoding && s.proc != nil
	s.status = status
	s.err = err
	s.deleteOnExit = deleteFile
	s.stopGraceLocked()
	subs := s.takeSubscribersLocked()
	s.mu.Unlock()

	// Kill before touching subscribers.
	if running {
		if killErr := s.proc.Kill(); killErr != nil {
			s.logger.Warn("failed to kill encoder", slog.String("error", killErr.Error()))
		}
		s.cancel()
	}

	for _, sub := range subs {
		sub.terminate(err)
	}

	if running {
		return
	}
	if deleteFile {
		s.removeOutput()
	}
	s.closeDone()
}

func (s *Session) removeOutput() {
	if err := os.Remove(s.outputPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete output", slog.String("error", err.Error()))
	}
}

// takeSubscribersLocked detaches and returns the current subscribers.
func (s *Session) takeSubscribersLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*Subscription]struct{})
	return subs
}

func (s *Session) stopGraceLocked() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

// subscribe registers the subscription before the sink's headers are sent,
// so a session that ended in the meantime still yields an error the caller
// can turn into a status code.
func (s *Session) subscribe(sink Sink, filename string, poll time.Duration) (*Subscription, error) {
	sub := newSubscription(s, sink, poll)

	s.mu.Lock()
	size := s.size
	switch s.status {
	case models.TranscodeStatusCancelled:
		s.mu.Unlock()
		return nil, models.ErrGone
	case models.TranscodeStatusError:
		err := s.err
		s.mu.Unlock()
		return nil, err
	case models.TranscodeStatusTranscoding:
		size = -1
	}
	s.subs[sub] = struct{}{}
	s.lastAccess = s.engine.now()
	s.stopGraceLocked()
	s.mu.Unlock()

	select {
	case <-sub.done:
		return nil, sub.Err()
	default:
	}
	if err := sink.Start(filename, size); err != nil {
		sub.terminate(nil)
		return nil, fmt.Errorf("starting download: %w", err)
	}

	sub.schedule(0)
	return sub, nil
}

func (s *Session) removeSubscriber(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	s.lastAccess = s.engine.now()

	grace := s.engine.cfg.GracePeriod
	if len(s.subs) == 0 && s.status == models.TranscodeStatusTranscoding && grace > 0 && s.grace == nil {
		s.grace = time.AfterFunc(grace, func() { s.engine.cancelIdle(s) })
	}
}

// idle reports whether the session is encoding with nobody downloading.
func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 0 && s.status == models.TranscodeStatusTranscoding
}

// expired reports whether a finished, unwatched session outlived ttl.
func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != models.TranscodeStatusTranscoding && len(s.subs) == 0 && now.Sub(s.lastAccess) > ttl
}
