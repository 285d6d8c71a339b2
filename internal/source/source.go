// Package source opens the media a transcode job reads from. The server
// feeds local encoders straight from the library and tells remote workers
// where to download the same bytes.
package source

import (
	"context"
	"io"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
)

// WorkerSecretHeader carries the shared worker secret on worker requests.
const WorkerSecretHeader = "X-Worker-Secret"

// DurationHeader carries the probed source duration on source downloads.
const DurationHeader = "X-Source-Duration-Ms"

// Location tells a remote worker how to fetch a job's source.
type Location struct {
	URL        string               `json:"url"`
	Header     string               `json:"header,omitempty"`
	Credential observability.Secret `json:"credential,omitempty"`
	DurationMs int64                `json:"duration_ms"`
}

// MediaSource resolves source media ids.
type MediaSource interface {
	// Open returns the source bytes and the duration in milliseconds, or 0
	// when the duration is unknown.
	Open(ctx context.Context, sourceID string) (io.ReadCloser, int64, error)
	// Locate returns where the worker that claimed job can download its source.
	Locate(ctx context.Context, job *models.TranscodeJob) (Location, error)
}
