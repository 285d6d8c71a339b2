package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
)

// SystemHandler reports the encoder installation the server runs with.
type SystemHandler struct {
	binary *ffmpeg.BinaryInfo
	engine EngineStatus
}

// NewSystemHandler creates a new system handler. binary is nil when ffmpeg
// was not found; engine is nil when local transcoding is disabled.
func NewSystemHandler(binary *ffmpeg.BinaryInfo, engine EngineStatus) *SystemHandler {
	return &SystemHandler{binary: binary, engine: engine}
}

// FFmpegInfoOutput is the output for the FFmpeg info endpoint.
type FFmpegInfoOutput struct {
	Body FFmpegInfoResponse
}

// FFmpegInfoResponse describes the local ffmpeg and the encoder in use.
type FFmpegInfoResponse struct {
	Available    bool                     `json:"available" doc:"Whether ffmpeg was found"`
	FFmpegPath   string                   `json:"ffmpeg_path,omitempty"`
	FFprobePath  string                   `json:"ffprobe_path,omitempty"`
	Version      string                   `json:"version,omitempty"`
	MajorVersion int                      `json:"major_version,omitempty"`
	Selection    *ffmpeg.EncoderSelection `json:"selection,omitempty" doc:"Encoder chosen by the local engine"`
}

// Register registers the system routes with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getFFmpegInfo",
		Method:      "GET",
		Path:        "/api/v1/system/ffmpeg",
		Summary:     "Get FFmpeg info",
		Description: "Returns the detected ffmpeg binaries and the local encoder selection",
		Tags:        []string{"System"},
	}, h.GetFFmpegInfo)
}

// GetFFmpegInfo returns the ffmpeg installation details.
func (h *SystemHandler) GetFFmpegInfo(_ context.Context, _ *struct{}) (*FFmpegInfoOutput, error) {
	resp := &FFmpegInfoOutput{}
	if h.binary != nil {
		resp.Body.Available = true
		resp.Body.FFmpegPath = h.binary.FFmpegPath
		resp.Body.FFprobePath = h.binary.FFprobePath
		resp.Body.Version = h.binary.Version
		resp.Body.MajorVersion = h.binary.MajorVersion
	}
	if h.engine != nil {
		selection := h.engine.Selection()
		resp.Body.Selection = &selection
	}
	return resp, nil
}
