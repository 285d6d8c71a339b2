package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, `"key":"value"`)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &parsed))
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.Info("test message", slog.String("key", "value"))

	assert.Contains(t, buf.String(), "key=value")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelWarn, false},
		{"error", slog.LevelError, true},
		{"bogus", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.configLevel+"/"+tt.logLevel.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(config.LoggingConfig{Level: tt.configLevel, Format: "json"}, &buf)
			logger.Log(context.Background(), tt.logLevel, "test")
			assert.Equal(t, tt.shouldLog, buf.Len() > 0)
		})
	}
}

func TestNewLogger_TimeFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json", TimeFormat: time.DateOnly}, &buf)
	logger.Info("dated")

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	_, err := time.Parse(time.DateOnly, parsed["time"].(string))
	assert.NoError(t, err)
}

func TestNewLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("registering", slog.Any("secret", Secret("hunter2")))

	type registration struct {
		WorkerID     string
		SharedSecret string
	}
	logger.Info("payload", slog.Any("req", registration{WorkerID: "w1", SharedSecret: "letmein"}))

	output := buf.String()
	assert.NotContains(t, output, "hunter2")
	assert.NotContains(t, output, "letmein")
	assert.Contains(t, output, "w1")
}

func TestRequestLoggingToggle(t *testing.T) {
	t.Cleanup(func() { SetRequestLogging(true) })

	assert.True(t, IsRequestLoggingEnabled())
	SetRequestLogging(false)
	assert.False(t, IsRequestLoggingEnabled())
}

func TestLoggerHelpers(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger := WithError(WithWorker(WithJob(WithComponent(base, "engine"), "job-1"), "w1"), errors.New("boom"))
	logger.Info("hello")

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "engine", parsed["component"])
	assert.Equal(t, "job-1", parsed["job_id"])
	assert.Equal(t, "w1", parsed["worker_id"])
	assert.Equal(t, "boom", parsed["error"])

	assert.Same(t, base, WithError(base, nil))
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RequestIDFromContext(ctx))
	assert.Same(t, slog.Default(), LoggerFromContext(ctx))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx = ContextWithLogger(ContextWithRequestID(ctx, "req-1"), logger)
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Same(t, logger, LoggerFromContext(ctx))
}

func TestTimedOperationWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	var err error
	done := TimedOperationWithError(context.Background(), logger, "sweep", &err)
	err = errors.New("disk full")
	done()

	assert.Contains(t, buf.String(), "operation failed")
	assert.Contains(t, buf.String(), "disk full")

	buf.Reset()
	err = nil
	TimedOperationWithError(context.Background(), logger, "sweep", &err)()
	assert.Contains(t, buf.String(), "operation completed")
}
