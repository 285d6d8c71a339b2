package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/repository"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/source"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/storage"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/transcode"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testRetention = time.Hour

// testEnv wires the services against an in-memory database, a real engine
// without an encoder and a temporary media library.
type testEnv struct {
	cfg      *config.Config
	jobs     repository.TranscodeJobRepository
	workers  repository.WorkerRepository
	settings *SettingsService
	engine   *recordingEngine
	library  string

	queue   *QueueService
	worker  *WorkerService
	streams *StreamService
}

// recordingEngine records cancellations passed to the engine.
type recordingEngine struct {
	*transcode.Engine
	cancelled []string
}

func (e *recordingEngine) Cancel(cacheKey string) error {
	e.cancelled = append(e.cancelled, cacheKey)
	return e.Engine.Cancel(cacheKey)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Worker{}, &models.TranscodeJob{}, &models.Setting{}))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)

	cfg := &config.Config{
		Transcode: config.TranscodeConfig{MaxConcurrent: 2, Retention: testRetention},
		Workers:   config.WorkersConfig{SharedSecret: "s3cret"},
	}

	engine := transcode.New(transcode.Config{
		CacheDir:     filepath.Join(t.TempDir(), "cache"),
		PollInterval: 5 * time.Millisecond,
		CacheTTL:     time.Hour,
	}, nil, nil, discardLogger())
	require.NoError(t, engine.Init(context.Background()))
	t.Cleanup(engine.Shutdown)

	libraryRoot := t.TempDir()
	library, err := storage.NewSandbox(libraryRoot)
	require.NoError(t, err)

	env := &testEnv{
		cfg:     cfg,
		jobs:    repository.NewTranscodeJobRepository(db),
		workers: repository.NewWorkerRepository(db),
		engine:  &recordingEngine{Engine: engine},
		library: libraryRoot,
	}
	env.settings = NewSettingsService(repository.NewSettingRepository(db), cfg).WithLogger(discardLogger())

	sources := source.NewLibrarySource(library, nil).
		WithLogger(discardLogger()).
		WithPublicURL("http://server:8080", env.settings.SharedSecret)

	env.queue = NewQueueService(env.jobs, env.engine).WithLogger(discardLogger())
	env.worker = NewWorkerService(env.workers, env.jobs, sources, env.engine, testRetention).WithLogger(discardLogger())
	env.streams = NewStreamService(env.jobs, env.engine, 2*testRetention).WithLogger(discardLogger())
	return env
}

// addMedia writes a file into the library.
func (e *testEnv) addMedia(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(e.library, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

// completeJob queues a job, runs it through worker w1 and stores content as its artifact.
func (e *testEnv) completeJob(t *testing.T, sourceID, content string) *models.TranscodeJob {
	t.Helper()
	ctx := context.Background()

	job, err := e.queue.Queue(ctx, QueueRequest{SourceID: sourceID, ProfileID: "720p"})
	require.NoError(t, err)

	_, err = e.worker.Register(ctx, "w1", "worker one", "")
	require.NoError(t, err)
	claimed, err := e.worker.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)

	name, size, err := e.worker.UploadArtifact(ctx, "w1", job.ID, strings.NewReader(content))
	require.NoError(t, err)
	completed, err := e.worker.ReportComplete(ctx, "w1", job.ID, name, size)
	require.NoError(t, err)
	return completed
}
