package ffmpeg

import (
	"context"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
)

// Accel identifies the encoding path.
type Accel string

const (
	AccelNone  Accel = "none"
	AccelVAAPI Accel = "vaapi"
	AccelNVENC Accel = "nvenc"
)

const (
	encoderX264  = "libx264"
	encoderVAAPI = "h264_vaapi"
	encoderNVENC = "h264_nvenc"

	probeTimeout = 10 * time.Second
)

// EncoderSelection is the video encoder chosen for this host.
type EncoderSelection struct {
	Accel   Accel  `json:"accel"`
	Encoder string `json:"encoder"`
	Device  string `json:"device,omitempty"`
	Preset  string `json:"preset,omitempty"`
}

// SoftwareSelection returns the libx264 fallback with the given preset.
func SoftwareSelection(preset string) EncoderSelection {
	return EncoderSelection{Accel: AccelNone, Encoder: encoderX264, Preset: preset}
}

// IsHardware reports whether a GPU encoder was selected.
func (s EncoderSelection) IsHardware() bool {
	return s.Accel == AccelVAAPI || s.Accel == AccelNVENC
}

// HWAccelDetector picks a hardware encoder when the host can actually use one.
type HWAccelDetector struct {
	ffmpegPath string
	run        commandRunner
	deviceOK   func(path string) bool
}

// NewHWAccelDetector creates a detector that probes with the given ffmpeg binary.
func NewHWAccelDetector(ffmpegPath string) *HWAccelDetector {
	return &HWAccelDetector{
		ffmpegPath: ffmpegPath,
		run:        execOutput,
		deviceOK: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Select returns the encoder to use for cfg.HWAccel. "auto" tries VA-API then
// NVENC. A forced mode that fails its probe falls back to software.
func (d *HWAccelDetector) Select(ctx context.Context, cfg config.FFmpegConfig) EncoderSelection {
	software := SoftwareSelection(cfg.SoftwarePreset)
	if cfg.HWAccel == "none" {
		return software
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	encoders, err := d.encoders(ctx)
	if err != nil {
		return software
	}

	tryVAAPI := cfg.HWAccel == "auto" || cfg.HWAccel == string(AccelVAAPI)
	tryNVENC := cfg.HWAccel == "auto" || cfg.HWAccel == string(AccelNVENC)

	if tryVAAPI && slices.Contains(encoders, encoderVAAPI) && d.testVAAPI(ctx, cfg.VAAPIDevice) {
		return EncoderSelection{Accel: AccelVAAPI, Encoder: encoderVAAPI, Device: cfg.VAAPIDevice}
	}
	if tryNVENC && slices.Contains(encoders, encoderNVENC) && d.testNVENC(ctx) {
		return EncoderSelection{Accel: AccelNVENC, Encoder: encoderNVENC, Preset: "p4"}
	}
	return software
}

func (d *HWAccelDetector) encoders(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, d.ffmpegPath, "-hide_banner", "-encoders")
	if err != nil {
		return nil, err
	}
	return parseEncoders(string(out)), nil
}

func (d *HWAccelDetector) testVAAPI(ctx context.Context, device string) bool {
	if runtime.GOOS != "linux" || device == "" || !d.deviceOK(device) {
		return false
	}
	_, err := d.run(ctx, d.ffmpegPath,
		"-hide_banner",
		"-vaapi_device", device,
		"-f", "lavfi", "-i", "nullsrc=s=256x256:d=0.1",
		"-vf", "format=nv12,hwupload",
		"-c:v", encoderVAAPI,
		"-t", "0.01",
		"-f", "null", "-")
	return err == nil
}

func (d *HWAccelDetector) testNVENC(ctx context.Context) bool {
	_, err := d.run(ctx, d.ffmpegPath,
		"-hide_banner",
		"-f", "lavfi", "-i", "nullsrc=s=256x256:d=0.1",
		"-c:v", encoderNVENC,
		"-t", "0.01",
		"-f", "null", "-")
	return err == nil
}

// parseEncoders extracts encoder names from `ffmpeg -encoders`. Entries look
// like " V....D libx264   libx264 H.264 ..." after a "------" separator.
func parseEncoders(output string) []string {
	var encoders []string
	inList := false
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		if c := fields[0][0]; c != 'V' && c != 'A' && c != 'S' {
			continue
		}
		encoders = append(encoders, fields[1])
	}
	return encoders
}
