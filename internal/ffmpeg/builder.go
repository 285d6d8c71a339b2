package ffmpeg

import (
	"strconv"
	"strings"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
)

// StdinInput is the input argument for reading the source from stdin.
const StdinInput = "pipe:0"

// CommandBuilder builds FFmpeg argument lists with a fluent API.
type CommandBuilder struct {
	globalArgs []string
	inputArgs  []string
	input      string
	filters    []string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder() *CommandBuilder {
	return &CommandBuilder{logLevel: "error"}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Progress makes FFmpeg emit machine-readable progress blocks on stderr
// instead of the interactive status line.
func (b *CommandBuilder) Progress() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-progress", "pipe:2", "-nostats")
	return b
}

// VAAPIDevice selects the VA-API render node.
func (b *CommandBuilder) VAAPIDevice(device string) *CommandBuilder {
	if device != "" {
		b.globalArgs = append(b.globalArgs, "-vaapi_device", device)
	}
	return b
}

// HWAccel sets the decode acceleration method. "auto" and "none" are skipped
// because FFmpeg needs a concrete type.
func (b *CommandBuilder) HWAccel(accel string) *CommandBuilder {
	if accel != "" && accel != "none" && accel != "auto" {
		b.inputArgs = append(b.inputArgs, "-hwaccel", accel)
	}
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// VideoBitrate caps the video bitrate with a matching VBV buffer.
func (b *CommandBuilder) VideoBitrate(kbps int) *CommandBuilder {
	if kbps > 0 {
		rate := strconv.Itoa(kbps) + "k"
		b.outputArgs = append(b.outputArgs,
			"-b:v", rate,
			"-maxrate", rate,
			"-bufsize", strconv.Itoa(kbps*2)+"k")
	}
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(kbps int) *CommandBuilder {
	if kbps > 0 {
		b.outputArgs = append(b.outputArgs, "-b:a", strconv.Itoa(kbps)+"k")
	}
	return b
}

// AudioChannels sets the number of audio channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.outputArgs = append(b.outputArgs, "-preset", preset)
	}
	return b
}

// VideoFilter appends a filter to the -vf chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	if filter != "" {
		b.filters = append(b.filters, filter)
	}
	return b
}

// MapFirstStreams keeps the first video and, if present, the first audio stream.
func (b *CommandBuilder) MapFirstStreams() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-map", "0:v:0", "-map", "0:a:0?", "-sn", "-dn")
	return b
}

// FragmentedMP4 writes an MP4 that players can read while it is still growing.
func (b *CommandBuilder) FragmentedMP4() *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof")
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build returns the argument list, excluding the binary.
func (b *CommandBuilder) Build() []string {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	if b.overwrite {
		args = append(args, "-y")
	}
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	if len(b.filters) > 0 {
		args = append(args, "-vf", strings.Join(b.filters, ","))
	}
	args = append(args, b.outputArgs...)
	return append(args, b.output)
}

// TranscodeArgs builds the full argument list for transcoding input into a
// fragmented MP4 at output, using the selected encoder and the profile's
// height and bitrates.
func TranscodeArgs(sel EncoderSelection, profile models.Profile, input, output string) []string {
	b := NewCommandBuilder().HideBanner().Progress().Overwrite()

	switch sel.Accel {
	case AccelVAAPI:
		b.VAAPIDevice(sel.Device).Input(input).VideoFilter("format=nv12").VideoFilter("hwupload")
		if profile.Height > 0 {
			b.VideoFilter("scale_vaapi=w=-2:h=" + strconv.Itoa(profile.Height))
		}
	case AccelNVENC:
		b.Input(input)
		if profile.Height > 0 {
			b.VideoFilter("scale=-2:" + strconv.Itoa(profile.Height))
		}
	default:
		b.Input(input)
		if profile.Height > 0 {
			b.VideoFilter("scale=-2:" + strconv.Itoa(profile.Height))
		}
		b.VideoFilter("format=yuv420p")
	}

	b.MapFirstStreams().
		VideoCodec(sel.Encoder).
		VideoPreset(sel.Preset).
		VideoBitrate(profile.VideoBitrateKbps).
		AudioCodec("aac").
		AudioBitrate(profile.AudioBitrateKbps).
		AudioChannels(2).
		FragmentedMP4().
		Output(output)

	return b.Build()
}
