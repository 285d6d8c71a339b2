package handlers

import (
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/service"
)

// Transcode types

// TranscodeResponse represents a transcode job in API responses.
type TranscodeResponse struct {
	ID               string      `json:"id"`
	SourceID         string      `json:"source_id"`
	ProfileID        string      `json:"profile_id"`
	Status           string      `json:"status"`
	Progress         int         `json:"progress"`
	TargetHeight     int         `json:"target_height,omitempty"`
	TargetBitrate    int         `json:"target_bitrate,omitempty"`
	MediaTitle       string      `json:"media_title,omitempty"`
	MediaType        string      `json:"media_type,omitempty"`
	Filename         string      `json:"filename,omitempty"`
	RequesterID      string      `json:"requester_id,omitempty"`
	SourceDurationMs int64       `json:"source_duration_ms,omitempty"`
	WorkerID         string      `json:"worker_id,omitempty"`
	OutputPath       string      `json:"output_path,omitempty"`
	FileSize         int64       `json:"file_size,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
}

// TranscodeFromModel converts a model to a response.
func TranscodeFromModel(j *models.TranscodeJob) TranscodeResponse {
	return TranscodeResponse{
		ID:               j.ID.String(),
		SourceID:         j.SourceID,
		ProfileID:        j.ProfileID,
		Status:           string(j.Status),
		Progress:         j.Progress,
		TargetHeight:     j.TargetHeight,
		TargetBitrate:    j.TargetBitrate,
		MediaTitle:       j.MediaTitle,
		MediaType:        j.MediaType,
		Filename:         j.Filename,
		RequesterID:      j.RequesterID,
		SourceDurationMs: j.SourceDurationMs,
		WorkerID:         j.WorkerID,
		OutputPath:       j.OutputPath,
		FileSize:         j.FileSize,
		ErrorMessage:     j.ErrorMessage,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
		ExpiresAt:        j.ExpiresAt,
	}
}

// QueueTranscodeRequest is the request body for queueing a transcode.
type QueueTranscodeRequest struct {
	SourceID    string `json:"source_id" minLength:"1" doc:"Media id in the library"`
	ProfileID   string `json:"profile_id" minLength:"1" doc:"Target profile (480p, 720p, 1080p, original)"`
	MediaTitle  string `json:"media_title,omitempty" doc:"Title used for the download filename"`
	MediaType   string `json:"media_type,omitempty" doc:"movie, episode, ..."`
	RequesterID string `json:"requester_id,omitempty" doc:"User that requested the download"`
}

// ToService converts the request to the service input.
func (r QueueTranscodeRequest) ToService() service.QueueRequest {
	return service.QueueRequest{
		SourceID:    r.SourceID,
		ProfileID:   r.ProfileID,
		MediaTitle:  r.MediaTitle,
		MediaType:   r.MediaType,
		RequesterID: r.RequesterID,
	}
}

// TranscodeCountsResponse holds the number of jobs per status.
type TranscodeCountsResponse struct {
	Pending     int64 `json:"pending"`
	Transcoding int64 `json:"transcoding"`
	Completed   int64 `json:"completed"`
	Error       int64 `json:"error"`
}

// Worker types

// WorkerResponse represents a worker in API responses.
type WorkerResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Capabilities  string     `json:"capabilities,omitempty"`
	Status        string     `json:"status"`
	ActiveJobs    int        `json:"active_jobs"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// WorkerFromModel converts a model to a response.
func WorkerFromModel(w *models.Worker) WorkerResponse {
	return WorkerResponse{
		ID:            w.ID,
		Name:          w.Name,
		Capabilities:  w.Capabilities,
		Status:        string(w.Status),
		ActiveJobs:    w.ActiveJobs,
		LastHeartbeat: w.LastHeartbeat,
		CreatedAt:     w.CreatedAt,
	}
}

// SourceLocationResponse tells a remote worker where to fetch the source.
type SourceLocationResponse struct {
	URL        string `json:"url"`
	Header     string `json:"header,omitempty"`
	Credential string `json:"credential,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ClaimResponse is returned to a worker that claimed a job.
type ClaimResponse struct {
	Job    TranscodeResponse      `json:"job"`
	Source SourceLocationResponse `json:"source"`
}

// ClaimFromService converts a claimed job to a response. The credential is
// the header value the worker presents when downloading the source.
func ClaimFromService(c *service.ClaimedJob) *ClaimResponse {
	return &ClaimResponse{
		Job: TranscodeFromModel(c.Job),
		Source: SourceLocationResponse{
			URL:        c.Source.URL,
			Header:     c.Source.Header,
			Credential: string(c.Source.Credential),
			DurationMs: c.Source.DurationMs,
		},
	}
}

// ArtifactResponse is returned after an artifact upload.
type ArtifactResponse struct {
	OutputPath string `json:"output_path"`
	FileSize   int64  `json:"file_size"`
}

// Settings types

// SettingResponse represents a runtime setting.
type SettingResponse struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Secret    bool      `json:"secret,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Health types

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory figures in MB.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo covers the server and its encoder child processes.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	EncoderProcessesMB float64 `json:"encoder_processes_mb"`
	EncoderProcesses   int     `json:"encoder_processes"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
}

// HealthComponents reports on the parts the server depends on.
type HealthComponents struct {
	Database DatabaseHealth          `json:"database"`
	Engine   EngineHealth            `json:"engine"`
	Workers  WorkersHealth           `json:"workers"`
	Queue    TranscodeCountsResponse `json:"queue"`
}

// DatabaseHealth reports connection pool state and ping latency.
type DatabaseHealth struct {
	Status            string  `json:"status"`
	ResponseTimeMS    float64 `json:"response_time_ms"`
	OpenConnections   int     `json:"open_connections"`
	ActiveConnections int     `json:"active_connections"`
	IdleConnections   int     `json:"idle_connections"`
}

// EngineHealth reports the local transcode engine.
type EngineHealth struct {
	Status         string `json:"status"`
	Encoder        string `json:"encoder,omitempty"`
	Accel          string `json:"accel,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
}

// WorkersHealth counts registered workers.
type WorkersHealth struct {
	Online  int `json:"online"`
	Offline int `json:"offline"`
}
