package ffmpeg

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeJSON = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080, "duration": "5400.120000"},
    {"index": 1, "codec_name": "ac3", "codec_type": "audio", "duration": "5400.500000"}
  ],
  "format": {"filename": "movie.mkv", "format_name": "matroska,webm", "duration": "5400.500000", "size": "123456", "bit_rate": "8000000"}
}`

func TestParseProbeOutput(t *testing.T) {
	result, err := ParseProbeOutput([]byte(probeJSON))
	require.NoError(t, err)

	assert.Equal(t, int64(5400500), result.DurationMs())
	video := result.VideoStream()
	require.NotNil(t, video)
	assert.Equal(t, 1080, video.Height)

	_, err = ParseProbeOutput([]byte("{"))
	assert.Error(t, err)
}

func TestProbeResult_DurationFallsBackToStreams(t *testing.T) {
	result := &ProbeResult{Streams: []ProbeStream{{Duration: "10.5"}, {Duration: "12.25"}, {Duration: "N/A"}}}
	assert.Equal(t, int64(12250), result.DurationMs())

	assert.Zero(t, (&ProbeResult{}).DurationMs())
	assert.Nil(t, (&ProbeResult{}).VideoStream())
}

func TestProber_Probe(t *testing.T) {
	p := NewProber("ffprobe")
	p.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		assert.Equal(t, "ffprobe", name)
		assert.Equal(t, "/library/movie.mkv", args[len(args)-1])
		return []byte(probeJSON), nil
	}

	result, err := p.Probe(context.Background(), "/library/movie.mkv")
	require.NoError(t, err)
	assert.Equal(t, "matroska,webm", result.Format.FormatName)

	p.run = func(context.Context, string, ...string) ([]byte, error) { return nil, errors.New("exit status 1") }
	_, err = p.Probe(context.Background(), "/library/broken.mkv")
	assert.ErrorContains(t, err, "ffprobe failed")
}
