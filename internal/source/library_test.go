package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProber struct {
	durationSec string
	err         error
	calls       []string
}

func (p *stubProber) Probe(_ context.Context, target string) (*ffmpeg.ProbeResult, error) {
	p.calls = append(p.calls, target)
	if p.err != nil {
		return nil, p.err
	}
	return &ffmpeg.ProbeResult{Format: ffmpeg.ProbeFormat{Duration: p.durationSec}}, nil
}

func newLibrary(t *testing.T) (*storage.Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "movies"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "movies", "movie-100.mkv"), []byte("matroska"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "clip.mp4"), []byte("mp4"), 0o640))

	lib, err := storage.NewSandbox(root)
	require.NoError(t, err)
	return lib, root
}

func TestLibrarySource_Open(t *testing.T) {
	lib, _ := newLibrary(t)
	prober := &stubProber{durationSec: "5400.5"}
	src := NewLibrarySource(lib, prober)

	tests := []struct {
		name string
		id   string
		want string
	}{
		{"exact path", "movies/movie-100.mkv", "matroska"},
		{"without extension", "movies/movie-100", "matroska"},
		{"root file", "clip", "mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, durationMs, err := src.Open(context.Background(), tt.id)
			require.NoError(t, err)
			defer rc.Close()

			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
			assert.Equal(t, int64(5_400_500), durationMs)
		})
	}
}

func TestLibrarySource_OpenErrors(t *testing.T) {
	lib, _ := newLibrary(t)
	src := NewLibrarySource(lib, nil)

	_, _, err := src.Open(context.Background(), "")
	assert.ErrorIs(t, err, models.ErrSourceIDRequired)

	_, _, err = src.Open(context.Background(), "movies/missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, _, err = src.Open(context.Background(), "nowhere/movie")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, _, err = src.Open(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, storage.ErrEscapesSandbox)
}

func TestLibrarySource_ProbeFailureIsUnknownDuration(t *testing.T) {
	lib, _ := newLibrary(t)
	src := NewLibrarySource(lib, &stubProber{err: errors.New("ffprobe missing")})

	rc, durationMs, err := src.Open(context.Background(), "clip")
	require.NoError(t, err)
	defer rc.Close()
	assert.Zero(t, durationMs)
}

func TestLibrarySource_Locate(t *testing.T) {
	lib, _ := newLibrary(t)
	prober := &stubProber{durationSec: "60"}
	src := NewLibrarySource(lib, prober).
		WithPublicURL("http://downloadarr:8080/", func(context.Context) (string, error) { return "s3cret", nil })

	job := &models.TranscodeJob{SourceID: "movies/movie-100", ProfileID: "720p", WorkerID: "gpu 1"}
	job.ID = models.NewULID()

	loc, err := src.Locate(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "http://downloadarr:8080/api/v1/workers/gpu%201/jobs/"+job.ID.String()+"/source", loc.URL)
	assert.Equal(t, WorkerSecretHeader, loc.Header)
	assert.Equal(t, "s3cret", string(loc.Credential))
	assert.Equal(t, int64(60_000), loc.DurationMs)

	job.SourceDurationMs = 1234
	loc, err = src.Locate(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), loc.DurationMs)
	assert.Len(t, prober.calls, 1)
}

func TestLibrarySource_LocateErrors(t *testing.T) {
	lib, _ := newLibrary(t)
	job := &models.TranscodeJob{SourceID: "clip", ProfileID: "720p", WorkerID: "w1"}

	_, err := NewLibrarySource(lib, nil).Locate(context.Background(), job)
	assert.ErrorIs(t, err, models.ErrResourceUnavailable)

	src := NewLibrarySource(lib, nil).WithPublicURL("http://server", nil)

	unclaimed := &models.TranscodeJob{SourceID: "clip", ProfileID: "720p"}
	_, err = src.Locate(context.Background(), unclaimed)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	loc, err := src.Locate(context.Background(), job)
	require.NoError(t, err)
	assert.Empty(t, loc.Header)
	assert.Empty(t, loc.Credential)

	failing := NewLibrarySource(lib, nil).
		WithPublicURL("http://server", func(context.Context) (string, error) { return "", errors.New("db down") })
	_, err = failing.Locate(context.Background(), job)
	assert.ErrorContains(t, err, "db down")
}
