package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
	apphttp "github.com/jasonn9538/LibraryDownloadarr-sub000/internal/http"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/repository"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/service"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/source"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/storage"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/transcode"
)

const (
	testSecret    = "s3cret"
	testPublicURL = "http://server.invalid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// apiEnv serves every handler from a real server over an in-memory database.
type apiEnv struct {
	db       *gorm.DB
	cfg      *config.Config
	library  string
	engine   *transcode.Engine
	settings *service.SettingsService
	queue    *service.QueueService
	workers  *service.WorkerService
	srv      *httptest.Server
}

func newAPIEnv(t *testing.T, secret string) *apiEnv {
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

	cfg := &config.Config{
		Transcode: config.TranscodeConfig{MaxConcurrent: 2, Retention: time.Hour},
		Workers:   config.WorkersConfig{SharedSecret: secret},
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

	jobs := repository.NewTranscodeJobRepository(db)
	env := &apiEnv{db: db, cfg: cfg, library: libraryRoot, engine: engine}
	env.settings = service.NewSettingsService(repository.NewSettingRepository(db), cfg).WithLogger(discardLogger())
	sources := source.NewLibrarySource(library, nil).
		WithLogger(discardLogger()).
		WithPublicURL(testPublicURL, env.settings.SharedSecret)
	env.queue = service.NewQueueService(jobs, engine).WithLogger(discardLogger())
	env.workers = service.NewWorkerService(repository.NewWorkerRepository(db), jobs, sources, engine, time.Hour).
		WithLogger(discardLogger())
	streams := service.NewStreamService(jobs, engine, time.Hour).WithLogger(discardLogger())

	server := apphttp.NewServer(apphttp.DefaultServerConfig(), discardLogger(), "test")
	transcodes := NewTranscodeHandler(env.queue, streams).WithLogger(discardLogger())
	transcodes.Register(server.API())
	transcodes.RegisterChiRoutes(server.Router())
	workers := NewWorkerHandler(env.workers, env.settings.SharedSecret).WithLogger(discardLogger())
	workers.Register(server.API())
	workers.RegisterChiRoutes(server.Router())
	NewSettingsHandler(env.settings).Register(server.API())
	NewHealthHandler("1.2.3").
		WithDB(db).
		WithEngine(engine).
		WithWorkers(env.workers).
		WithQueue(env.queue).
		Register(server.API())
	NewSystemHandler(nil, engine).Register(server.API())

	env.srv = httptest.NewServer(server.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

// addMedia writes a file into the library.
func (e *apiEnv) addMedia(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(e.library, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

// do sends a request with an optional JSON body and worker secret.
func (e *apiEnv) do(t *testing.T, method, path string, body any, secret string) *http.Response {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if _, ok := body.([]byte); ok {
		req.Header.Set("Content-Type", "application/octet-stream")
	} else if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set(source.WorkerSecretHeader, secret)
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// decode reads a JSON response into v.
func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// readBody returns the whole response body.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

// localPath strips the public URL from a source location so the request can
// go to the test server.
func localPath(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Path
}

func serviceRequest(sourceID string) service.QueueRequest {
	return service.QueueRequest{SourceID: sourceID, ProfileID: "720p"}
}
