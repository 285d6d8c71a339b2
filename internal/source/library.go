package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/storage"
)

// Prober reads container metadata.
type Prober interface {
	Probe(ctx context.Context, target string) (*ffmpeg.ProbeResult, error)
}

// SecretFunc returns the current shared worker secret.
type SecretFunc func(ctx context.Context) (string, error)

// LibrarySource serves media files from a directory tree. A source id is a
// slash separated path below the library root, with or without its file
// extension.
type LibrarySource struct {
	library   *storage.Sandbox
	prober    Prober
	publicURL string
	secret    SecretFunc
	logger    *slog.Logger
}

// NewLibrarySource creates a source rooted at the library sandbox. prober may
// be nil, in which case durations are reported as unknown.
func NewLibrarySource(library *storage.Sandbox, prober Prober) *LibrarySource {
	return &LibrarySource{
		library: library,
		prober:  prober,
		logger:  slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (l *LibrarySource) WithLogger(logger *slog.Logger) *LibrarySource {
	l.logger = observability.WithComponent(logger, "source")
	return l
}

// WithPublicURL sets the base URL remote workers use to reach this server,
// and where the shared secret they must present comes from.
func (l *LibrarySource) WithPublicURL(publicURL string, secret SecretFunc) *LibrarySource {
	l.publicURL = strings.TrimRight(publicURL, "/")
	l.secret = secret
	return l
}

// Open opens the library file for sourceID and probes its duration.
func (l *LibrarySource) Open(ctx context.Context, sourceID string) (io.ReadCloser, int64, error) {
	path, err := l.resolve(sourceID)
	if err != nil {
		return nil, 0, err
	}

	durationMs := l.duration(ctx, path)

	rel, err := l.library.Rel(path)
	if err != nil {
		return nil, 0, err
	}
	f, err := l.library.Open(rel)
	if err != nil {
		return nil, 0, fmt.Errorf("opening source %s: %w", sourceID, err)
	}
	return f, durationMs, nil
}

// Locate points the claiming worker at this server's source route.
func (l *LibrarySource) Locate(ctx context.Context, job *models.TranscodeJob) (Location, error) {
	if l.publicURL == "" {
		return Location{}, fmt.Errorf("%w: server public URL is not configured", models.ErrResourceUnavailable)
	}
	if job.WorkerID == "" {
		return Location{}, fmt.Errorf("%w: job %s is not claimed", models.ErrInvalidTransition, job.ID)
	}

	path, err := l.resolve(job.SourceID)
	if err != nil {
		return Location{}, err
	}

	loc := Location{
		URL: fmt.Sprintf("%s/api/v1/workers/%s/jobs/%s/source",
			l.publicURL, url.PathEscape(job.WorkerID), job.ID),
		DurationMs: job.SourceDurationMs,
	}
	if loc.DurationMs == 0 {
		loc.DurationMs = l.duration(ctx, path)
	}
	if l.secret != nil {
		secret, err := l.secret(ctx)
		if err != nil {
			return Location{}, fmt.Errorf("reading worker secret: %w", err)
		}
		if secret != "" {
			loc.Header = WorkerSecretHeader
			loc.Credential = observability.Secret(secret)
		}
	}
	return loc, nil
}

// resolve maps a source id to an absolute path inside the library.
func (l *LibrarySource) resolve(sourceID string) (string, error) {
	if sourceID == "" {
		return "", models.ErrSourceIDRequired
	}
	rel := filepath.FromSlash(sourceID)

	info, err := l.library.Stat(rel)
	switch {
	case err == nil && info.Mode().IsRegular():
		return l.library.ResolvePath(rel)
	case errors.Is(err, storage.ErrEscapesSandbox):
		return "", err
	}

	dir, base := filepath.Split(rel)
	if dir == "" {
		dir = "."
	}
	entries, err := l.library.List(dir)
	if err != nil {
		if errors.Is(err, storage.ErrEscapesSandbox) {
			return "", err
		}
		return "", fmt.Errorf("%w: source %s", models.ErrNotFound, sourceID)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.TrimSuffix(name, filepath.Ext(name)) == base {
			return l.library.ResolvePath(filepath.Join(dir, name))
		}
	}
	return "", fmt.Errorf("%w: source %s", models.ErrNotFound, sourceID)
}

func (l *LibrarySource) duration(ctx context.Context, path string) int64 {
	if l.prober == nil {
		return 0
	}
	result, err := l.prober.Probe(ctx, path)
	if err != nil {
		l.logger.Warn("probing source duration failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return 0
	}
	return result.DurationMs()
}

var _ MediaSource = (*LibrarySource)(nil)
