package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		output  string
		version string
		major   int
	}{
		{"ffmpeg version 6.1.1-3ubuntu5 Copyright (c) 2000-2023", "6.1.1-3ubuntu5", 6},
		{"ffmpeg version n7.0.2 Copyright", "7.0.2", 7},
		{"ffmpeg version N-113000-gabcdef", "N-113000-gabcdef", 0},
		{"not ffmpeg", "unknown", 0},
	}
	for _, tt := range tests {
		version, major := parseVersion(tt.output)
		assert.Equal(t, tt.version, version)
		assert.Equal(t, tt.major, major)
	}
}

func TestDetectBinaries_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	ffmpegPath := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(ffmpegPath, []byte("#!/bin/sh\n"), 0o755))

	run := func(_ context.Context, name string, _ ...string) ([]byte, error) {
		assert.Equal(t, ffmpegPath, name)
		return []byte("ffmpeg version 6.0 Copyright"), nil
	}

	info, err := detectBinaries(context.Background(), config.FFmpegConfig{
		BinaryPath: ffmpegPath,
		ProbePath:  filepath.Join(dir, "missing-ffprobe"),
	}, run)
	require.NoError(t, err)
	assert.Equal(t, ffmpegPath, info.FFmpegPath)
	assert.Empty(t, info.FFprobePath)
	assert.Equal(t, "6.0", info.Version)
	assert.Equal(t, 6, info.MajorVersion)
}

func TestDetectBinaries_MissingFFmpeg(t *testing.T) {
	_, err := detectBinaries(context.Background(), config.FFmpegConfig{BinaryPath: "/nonexistent/ffmpeg"}, nil)
	assert.Error(t, err)
}
