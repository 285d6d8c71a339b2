package startup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeDir(t *testing.T, base, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(base, name)
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "source"), []byte("test"), 0o644))
	// Set the mtime after writing, which would otherwise refresh it.
	ts := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, ts, ts))
	return dir
}

func TestCleanupOrphanedJobDirs(t *testing.T) {
	t.Run("removes old job directories", func(t *testing.T) {
		base := t.TempDir()
		old := makeDir(t, base, "job-01HZ1234567890ABCDEF", 2*time.Hour)

		count, err := CleanupOrphanedJobDirs(newTestLogger(), base, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		_, err = os.Stat(old)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("preserves recent job directories", func(t *testing.T) {
		base := t.TempDir()
		recent := makeDir(t, base, "job-01HZ0987654321FEDCBA", 30*time.Minute)

		count, err := CleanupOrphanedJobDirs(newTestLogger(), base, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.DirExists(t, recent)
	})

	t.Run("ignores other directories and files", func(t *testing.T) {
		base := t.TempDir()
		other := makeDir(t, base, "cache", 2*time.Hour)
		file := filepath.Join(base, "job-file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
		old := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(file, old, old))

		count, err := CleanupOrphanedJobDirs(newTestLogger(), base, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.DirExists(t, other)
		assert.FileExists(t, file)
	})

	t.Run("missing base directory", func(t *testing.T) {
		count, err := CleanupOrphanedJobDirs(newTestLogger(), filepath.Join(t.TempDir(), "missing"), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

type fakeActiveJobs struct {
	active  []*models.TranscodeJob
	listErr error
	reset   []models.ULID
	failFor models.ULID
}

func (f *fakeActiveJobs) ListActive(context.Context) ([]*models.TranscodeJob, error) {
	return f.active, f.listErr
}

func (f *fakeActiveJobs) ResetToPending(_ context.Context, id models.ULID) (bool, error) {
	if id == f.failFor {
		return false, errors.New("database is locked")
	}
	f.reset = append(f.reset, id)
	return true, nil
}

func TestRecoverInterruptedJobs(t *testing.T) {
	local1 := &models.TranscodeJob{BaseModel: models.BaseModel{ID: models.NewULID()}, SourceID: "a", ProfileID: "720p", WorkerID: "local"}
	local2 := &models.TranscodeJob{BaseModel: models.BaseModel{ID: models.NewULID()}, SourceID: "b", ProfileID: "720p", WorkerID: "local"}
	remote := &models.TranscodeJob{BaseModel: models.BaseModel{ID: models.NewULID()}, SourceID: "c", ProfileID: "720p", WorkerID: "gpu-1"}

	store := &fakeActiveJobs{
		active:  []*models.TranscodeJob{local1, remote, local2},
		failFor: local2.ID,
	}

	count, err := RecoverInterruptedJobs(context.Background(), newTestLogger(), store, "local")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []models.ULID{local1.ID}, store.reset)
}

func TestRecoverInterruptedJobs_ListError(t *testing.T) {
	store := &fakeActiveJobs{listErr: errors.New("no such table")}

	_, err := RecoverInterruptedJobs(context.Background(), newTestLogger(), store, "local")
	assert.Error(t, err)
}
