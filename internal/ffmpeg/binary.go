package ffmpeg

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/util"
)

// BinaryInfo describes the ffmpeg installation in use.
type BinaryInfo struct {
	FFmpegPath   string `json:"ffmpeg_path"`
	FFprobePath  string `json:"ffprobe_path,omitempty"`
	Version      string `json:"version"`
	MajorVersion int    `json:"major_version"`
}

var (
	versionRe = regexp.MustCompile(`ffmpeg version n?(\S+)`)
	majorRe   = regexp.MustCompile(`^\d+`)
)

// DetectBinaries resolves ffmpeg (required) and ffprobe (optional) and reads
// the ffmpeg version.
func DetectBinaries(ctx context.Context, cfg config.FFmpegConfig) (*BinaryInfo, error) {
	return detectBinaries(ctx, cfg, execOutput)
}

func detectBinaries(ctx context.Context, cfg config.FFmpegConfig, run commandRunner) (*BinaryInfo, error) {
	ffmpegPath, err := util.FindBinary("ffmpeg", cfg.BinaryPath, util.EnvFFmpegBinary)
	if err != nil {
		return nil, fmt.Errorf("locating ffmpeg: %w", err)
	}

	info := &BinaryInfo{FFmpegPath: ffmpegPath}
	if probe, err := util.FindBinary("ffprobe", cfg.ProbePath, util.EnvFFprobeBinary); err == nil {
		info.FFprobePath = probe
	}

	out, err := run(ctx, ffmpegPath, "-hide_banner", "-version")
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", ffmpegPath, err)
	}
	info.Version, info.MajorVersion = parseVersion(string(out))
	return info, nil
}

// parseVersion reads the version string and major number from `ffmpeg -version`.
// Git builds report versions like "N-113000-gabc" and get major 0.
func parseVersion(output string) (string, int) {
	m := versionRe.FindStringSubmatch(output)
	if m == nil {
		return "unknown", 0
	}
	version := m[1]
	major := 0
	if digits := majorRe.FindString(version); digits != "" {
		major, _ = strconv.Atoi(digits)
	}
	return version, major
}
