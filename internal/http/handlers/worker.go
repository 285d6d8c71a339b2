package handlers

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/http/middleware"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/service"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/source"
)

// SourceDurationHeader carries the probed source duration on source downloads.
const SourceDurationHeader = source.DurationHeader

// WorkerHandler handles the worker protocol and worker administration.
// Protocol routes require the shared worker secret.
type WorkerHandler struct {
	workers *service.WorkerService
	secret  middleware.SecretFunc
	logger  *slog.Logger
}

// NewWorkerHandler creates a new worker handler.
func NewWorkerHandler(workers *service.WorkerService, secret middleware.SecretFunc) *WorkerHandler {
	return &WorkerHandler{
		workers: workers,
		secret:  secret,
		logger:  slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (h *WorkerHandler) WithLogger(logger *slog.Logger) *WorkerHandler {
	h.logger = logger
	return h
}

// Register registers the worker routes with the API.
func (h *WorkerHandler) Register(api huma.API) {
	auth := huma.Middlewares{middleware.HumaWorkerAuth(api, h.secret)}
	protocol := func(op huma.Operation) huma.Operation {
		op.Middlewares = auth
		op.Tags = []string{"Worker Protocol"}
		return op
	}

	huma.Register(api, protocol(huma.Operation{
		OperationID: "registerWorker",
		Method:      "POST",
		Path:        "/api/v1/workers/register",
		Summary:     "Register worker",
		Description: "Registers a worker or refreshes an existing registration",
	}), h.RegisterWorker)

	huma.Register(api, protocol(huma.Operation{
		OperationID:   "heartbeatWorker",
		Method:        "POST",
		Path:          "/api/v1/workers/{id}/heartbeat",
		Summary:       "Worker heartbeat",
		Description:   "Marks the worker online and records its active job count",
		DefaultStatus: http.StatusNoContent,
	}), h.Heartbeat)

	huma.Register(api, protocol(huma.Operation{
		OperationID: "reportTranscodeProgress",
		Method:      "POST",
		Path:        "/api/v1/workers/{id}/jobs/{job_id}/progress",
		Summary:     "Report progress",
		Description: "Records encoder progress. 410 tells the worker the job was cancelled",
	}), h.Progress)

	huma.Register(api, protocol(huma.Operation{
		OperationID: "reportTranscodeComplete",
		Method:      "POST",
		Path:        "/api/v1/workers/{id}/jobs/{job_id}/complete",
		Summary:     "Report completion",
		Description: "Finalizes a job whose artifact was uploaded",
	}), h.Complete)

	huma.Register(api, protocol(huma.Operation{
		OperationID: "reportTranscodeError",
		Method:      "POST",
		Path:        "/api/v1/workers/{id}/jobs/{job_id}/error",
		Summary:     "Report failure",
		Description: "Records a terminal encoder failure",
	}), h.Error)

	huma.Register(api, huma.Operation{
		OperationID: "listWorkers",
		Method:      "GET",
		Path:        "/api/v1/workers",
		Summary:     "List workers",
		Description: "Returns all registered workers",
		Tags:        []string{"Workers"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getWorker",
		Method:      "GET",
		Path:        "/api/v1/workers/{id}",
		Summary:     "Get worker",
		Description: "Returns a worker by ID",
		Tags:        []string{"Workers"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "setWorkerStatus",
		Method:      "PUT",
		Path:        "/api/v1/workers/{id}/status",
		Summary:     "Set worker status",
		Description: "Marks a worker online or offline",
		Tags:        []string{"Workers"},
	}, h.SetStatus)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteWorker",
		Method:        "DELETE",
		Path:          "/api/v1/workers/{id}",
		Summary:       "Delete worker",
		Description:   "Removes a worker. Its claimed jobs return to the queue on the next reaper run",
		Tags:          []string{"Workers"},
		DefaultStatus: http.StatusNoContent,
	}, h.Delete)
}

// RegisterChiRoutes registers the worker routes that answer without a JSON
// body: claim (204 when idle), source download and artifact upload.
func (h *WorkerHandler) RegisterChiRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.WorkerAuth(h.secret))
		r.Post("/api/v1/workers/{id}/claim", h.Claim)
		r.Get("/api/v1/workers/{id}/jobs/{job_id}/source", h.Source)
		r.Put("/api/v1/workers/{id}/jobs/{job_id}/artifact", h.Artifact)
	})
}

// RegisterWorkerInput is the input for registering a worker.
type RegisterWorkerInput struct {
	Body struct {
		ID           string `json:"id" minLength:"1" maxLength:"100" doc:"Stable worker id"`
		Name         string `json:"name,omitempty" doc:"Display name"`
		Capabilities string `json:"capabilities,omitempty" doc:"Opaque capability descriptor"`
	}
}

// WorkerOutput is the output for single worker operations.
type WorkerOutput struct {
	Body WorkerResponse
}

// RegisterWorker registers a worker.
func (h *WorkerHandler) RegisterWorker(ctx context.Context, input *RegisterWorkerInput) (*WorkerOutput, error) {
	worker, err := h.workers.Register(ctx, input.Body.ID, input.Body.Name, input.Body.Capabilities)
	if err != nil {
		return nil, apiError("failed to register worker", err)
	}
	return &WorkerOutput{Body: WorkerFromModel(worker)}, nil
}

// HeartbeatInput is the input for a worker heartbeat.
type HeartbeatInput struct {
	ID   string `path:"id"`
	Body struct {
		ActiveJobs int `json:"active_jobs" minimum:"0"`
	}
}

// EmptyOutput is returned by operations without a body.
type EmptyOutput struct{}

// Heartbeat records a worker heartbeat.
func (h *WorkerHandler) Heartbeat(ctx context.Context, input *HeartbeatInput) (*EmptyOutput, error) {
	if err := h.workers.Heartbeat(ctx, input.ID, input.Body.ActiveJobs); err != nil {
		return nil, apiError("failed to record heartbeat", err)
	}
	return &EmptyOutput{}, nil
}

// WorkerIDInput identifies a worker.
type WorkerIDInput struct {
	ID string `path:"id" doc:"Worker ID"`
}

// ProgressInput is the input for a progress report.
type ProgressInput struct {
	ID    string `path:"id"`
	JobID string `path:"job_id"`
	Body  struct {
		Progress int `json:"progress" minimum:"0" maximum:"100"`
	}
}

// Progress records encoder progress.
func (h *WorkerHandler) Progress(ctx context.Context, input *ProgressInput) (*TranscodeOutput, error) {
	jobID, err := parseID(input.JobID)
	if err != nil {
		return nil, apiError("invalid job ID", err)
	}
	job, err := h.workers.ReportProgress(ctx, input.ID, jobID, input.Body.Progress)
	if err != nil {
		return nil, apiError("failed to record progress", err)
	}
	return &TranscodeOutput{Body: TranscodeFromModel(job)}, nil
}

// CompleteInput is the input for a completion report.
type CompleteInput struct {
	ID    string `path:"id"`
	JobID string `path:"job_id"`
	Body  struct {
		OutputPath string `json:"output_path" doc:"Artifact name returned by the upload"`
		FileSize   int64  `json:"file_size,omitempty" minimum:"0"`
	}
}

// Complete finalizes a job.
func (h *WorkerHandler) Complete(ctx context.Context, input *CompleteInput) (*TranscodeOutput, error) {
	jobID, err := parseID(input.JobID)
	if err != nil {
		return nil, apiError("invalid job ID", err)
	}
	job, err := h.workers.ReportComplete(ctx, input.ID, jobID, input.Body.OutputPath, input.Body.FileSize)
	if err != nil {
		return nil, apiError("failed to complete transcode", err)
	}
	return &TranscodeOutput{Body: TranscodeFromModel(job)}, nil
}

// ErrorInput is the input for a failure report.
type ErrorInput struct {
	ID    string `path:"id"`
	JobID string `path:"job_id"`
	Body  struct {
		Message string `json:"message" maxLength:"4096"`
	}
}

// Error records a failed job.
func (h *WorkerHandler) Error(ctx context.Context, input *ErrorInput) (*TranscodeOutput, error) {
	jobID, err := parseID(input.JobID)
	if err != nil {
		return nil, apiError("invalid job ID", err)
	}
	job, err := h.workers.ReportError(ctx, input.ID, jobID, input.Body.Message)
	if err != nil {
		return nil, apiError("failed to record transcode error", err)
	}
	return &TranscodeOutput{Body: TranscodeFromModel(job)}, nil
}

// ListWorkersOutput is the output for listing workers.
type ListWorkersOutput struct {
	Body struct {
		Workers []WorkerResponse `json:"workers"`
	}
}

// List returns all workers.
func (h *WorkerHandler) List(ctx context.Context, _ *struct{}) (*ListWorkersOutput, error) {
	workers, err := h.workers.List(ctx)
	if err != nil {
		return nil, apiError("failed to list workers", err)
	}
	resp := &ListWorkersOutput{}
	resp.Body.Workers = make([]WorkerResponse, 0, len(workers))
	for _, w := range workers {
		resp.Body.Workers = append(resp.Body.Workers, WorkerFromModel(w))
	}
	return resp, nil
}

// Get returns a worker.
func (h *WorkerHandler) Get(ctx context.Context, input *WorkerIDInput) (*WorkerOutput, error) {
	worker, err := h.workers.Get(ctx, input.ID)
	if err != nil {
		return nil, apiError("failed to get worker", err)
	}
	return &WorkerOutput{Body: WorkerFromModel(worker)}, nil
}

// SetWorkerStatusInput is the input for setting a worker's status.
type SetWorkerStatusInput struct {
	ID   string `path:"id"`
	Body struct {
		Status string `json:"status" enum:"online,offline"`
	}
}

// SetStatus marks a worker online or offline.
func (h *WorkerHandler) SetStatus(ctx context.Context, input *SetWorkerStatusInput) (*WorkerOutput, error) {
	if err := h.workers.SetStatus(ctx, input.ID, models.WorkerStatus(input.Body.Status)); err != nil {
		return nil, apiError("failed to set worker status", err)
	}
	worker, err := h.workers.Get(ctx, input.ID)
	if err != nil {
		return nil, apiError("failed to get worker", err)
	}
	return &WorkerOutput{Body: WorkerFromModel(worker)}, nil
}

// Delete removes a worker.
func (h *WorkerHandler) Delete(ctx context.Context, input *WorkerIDInput) (*EmptyOutput, error) {
	if err := h.workers.Delete(ctx, input.ID); err != nil {
		return nil, apiError("failed to delete worker", err)
	}
	return &EmptyOutput{}, nil
}

// Claim claims the oldest pending job for the worker. Responds 204 when
// nothing is pending.
func (h *WorkerHandler) Claim(w http.ResponseWriter, r *http.Request) {
	claimed, err := h.workers.ClaimRemote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "failed to claim transcode", err)
		return
	}
	if claimed == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ClaimFromService(claimed))
}

// Source streams the source media of a job to the worker that owns it.
func (h *WorkerHandler) Source(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	jobID, err := parseID(chi.URLParam(r, "job_id"))
	if err != nil {
		writeServiceError(w, "invalid job ID", err)
		return
	}

	src, durationMs, err := h.workers.OpenSource(r.Context(), workerID, jobID)
	if err != nil {
		writeServiceError(w, "failed to open source", err)
		return
	}
	defer src.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if durationMs > 0 {
		w.Header().Set(SourceDurationHeader, strconv.FormatInt(durationMs, 10))
	}
	if sized, ok := src.(interface{ Stat() (fs.FileInfo, error) }); ok {
		if info, err := sized.Stat(); err == nil {
			w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		}
	}
	w.WriteHeader(http.StatusOK)

	if n, err := io.Copy(w, src); err != nil {
		observability.WithWorker(observability.WithJob(h.logger, jobID.String()), workerID).
			Debug("source download interrupted", slog.Int64("bytes", n), slog.String("error", err.Error()))
	}
}

// Artifact stores an uploaded output in the cache directory.
func (h *WorkerHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	jobID, err := parseID(chi.URLParam(r, "job_id"))
	if err != nil {
		writeServiceError(w, "invalid job ID", err)
		return
	}
	defer r.Body.Close()

	name, size, err := h.workers.UploadArtifact(r.Context(), workerID, jobID, r.Body)
	if err != nil {
		writeServiceError(w, "failed to store artifact", err)
		return
	}

	writeJSON(w, http.StatusCreated, ArtifactResponse{OutputPath: name, FileSize: size})
}
