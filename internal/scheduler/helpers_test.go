package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const waitFor = 3 * time.Second

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

// scriptedEncoder hands out processes the test drives by hand. Every started
// process is also sent on started.
type scriptedEncoder struct {
	mu      sync.Mutex
	procs   []*scriptedProcess
	started chan *scriptedProcess
}

func newScriptedEncoder() *scriptedEncoder {
	return &scriptedEncoder{started: make(chan *scriptedProcess, 16)}
}

func (e *scriptedEncoder) Start(_ context.Context, args []string, _ io.Reader) (ffmpeg.Process, error) {
	r, w := io.Pipe()
	p := &scriptedProcess{
		output:  args[len(args)-1],
		stderrR: r,
		stderrW: w,
		exited:  make(chan struct{}),
	}
	e.mu.Lock()
	e.procs = append(e.procs, p)
	e.mu.Unlock()
	e.started <- p
	return p, nil
}

func (e *scriptedEncoder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.procs)
}

// next waits for the next encoder start.
func (e *scriptedEncoder) next(t *testing.T) *scriptedProcess {
	t.Helper()
	select {
	case p := <-e.started:
		return p
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an encoder to start")
		return nil
	}
}

type scriptedProcess struct {
	output  string
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	once    sync.Once
	code    int
	exited  chan struct{}
}

func (p *scriptedProcess) Stderr() io.Reader { return p.stderrR }

func (p *scriptedProcess) Wait() (int, error) {
	<-p.exited
	return p.code, nil
}

func (p *scriptedProcess) Kill() error {
	p.exit(-1)
	return nil
}

func (p *scriptedProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		_ = p.stderrW.Close()
		close(p.exited)
	})
}

// progress reports an output timestamp in seconds, as ffmpeg's -progress does.
func (p *scriptedProcess) progress(seconds int) {
	_, _ = fmt.Fprintf(p.stderrW, "out_time=00:00:%02d.000000\n", seconds)
}

func (p *scriptedProcess) write(t *testing.T, data string) {
	t.Helper()
	f, err := os.OpenFile(p.output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// fixedProber reports every source as ten seconds long.
type fixedProber struct{}

func (fixedProber) Probe(context.Context, string) (*ffmpeg.ProbeResult, error) {
	return &ffmpeg.ProbeResult{Format: ffmpeg.ProbeFormat{Duration: "10.000000"}}, nil
}

// memorySink collects a download in memory.
type memorySink struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (s *memorySink) Start(string, int64) error { return nil }

func (s *memorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memorySink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func writeLibraryFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}
