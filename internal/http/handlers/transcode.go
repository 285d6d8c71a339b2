package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/service"
)

// TranscodeHandler handles the user facing transcode endpoints.
type TranscodeHandler struct {
	queue   *service.QueueService
	streams *service.StreamService
	logger  *slog.Logger
}

// NewTranscodeHandler creates a new transcode handler.
func NewTranscodeHandler(queue *service.QueueService, streams *service.StreamService) *TranscodeHandler {
	return &TranscodeHandler{
		queue:   queue,
		streams: streams,
		logger:  slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (h *TranscodeHandler) WithLogger(logger *slog.Logger) *TranscodeHandler {
	h.logger = logger
	return h
}

// Register registers the transcode routes with the API.
func (h *TranscodeHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "queueTranscode",
		Method:      "POST",
		Path:        "/api/v1/transcodes",
		Summary:     "Queue transcode",
		Description: "Queues a transcode, or returns the existing job for the same source and profile",
		Tags:        []string{"Transcodes"},
	}, h.Queue)

	huma.Register(api, huma.Operation{
		OperationID: "listTranscodes",
		Method:      "GET",
		Path:        "/api/v1/transcodes",
		Summary:     "List transcodes",
		Description: "Returns transcode jobs newest first",
		Tags:        []string{"Transcodes"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "countTranscodes",
		Method:      "GET",
		Path:        "/api/v1/transcodes/counts",
		Summary:     "Count transcodes",
		Description: "Returns the number of jobs per status",
		Tags:        []string{"Transcodes"},
	}, h.Counts)

	huma.Register(api, huma.Operation{
		OperationID: "getTranscode",
		Method:      "GET",
		Path:        "/api/v1/transcodes/{id}",
		Summary:     "Get transcode",
		Description: "Returns a transcode job by ID",
		Tags:        []string{"Transcodes"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "cancelTranscode",
		Method:      "POST",
		Path:        "/api/v1/transcodes/{id}/cancel",
		Summary:     "Cancel transcode",
		Description: "Cancels a pending or running transcode",
		Tags:        []string{"Transcodes"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteTranscode",
		Method:        "DELETE",
		Path:          "/api/v1/transcodes/{id}",
		Summary:       "Delete transcode",
		Description:   "Deletes a job and its artifact, cancelling it first when active",
		Tags:          []string{"Transcodes"},
		DefaultStatus: http.StatusNoContent,
	}, h.Delete)
}

// RegisterChiRoutes registers the raw download route.
func (h *TranscodeHandler) RegisterChiRoutes(r chi.Router) {
	r.Get("/api/v1/transcodes/{id}/download", h.Download)
}

// QueueTranscodeInput is the input for queueing a transcode.
type QueueTranscodeInput struct {
	Body QueueTranscodeRequest
}

// TranscodeOutput is the output for single job operations.
type TranscodeOutput struct {
	Body TranscodeResponse
}

// Queue queues a transcode.
func (h *TranscodeHandler) Queue(ctx context.Context, input *QueueTranscodeInput) (*TranscodeOutput, error) {
	job, err := h.queue.Queue(ctx, input.Body.ToService())
	if err != nil {
		return nil, apiError("failed to queue transcode", err)
	}
	return &TranscodeOutput{Body: TranscodeFromModel(job)}, nil
}

// ListTranscodesInput is the input for listing transcodes.
type ListTranscodesInput struct {
	RequesterID string `query:"requester_id" doc:"Only jobs of this requester"`
	Limit       int    `query:"limit" minimum:"0" maximum:"1000" default:"100" doc:"Maximum number of jobs"`
}

// ListTranscodesOutput is the output for listing transcodes.
type ListTranscodesOutput struct {
	Body struct {
		Transcodes []TranscodeResponse `json:"transcodes"`
	}
}

// List returns transcode jobs.
func (h *TranscodeHandler) List(ctx context.Context, input *ListTranscodesInput) (*ListTranscodesOutput, error) {
	jobs, err := h.queue.List(ctx, input.RequesterID, input.Limit)
	if err != nil {
		return nil, apiError("failed to list transcodes", err)
	}

	resp := &ListTranscodesOutput{}
	resp.Body.Transcodes = make([]TranscodeResponse, 0, len(jobs))
	for _, j := range jobs {
		resp.Body.Transcodes = append(resp.Body.Transcodes, TranscodeFromModel(j))
	}
	return resp, nil
}

// CountTranscodesInput is the input for counting transcodes.
type CountTranscodesInput struct {
	RequesterID string `query:"requester_id" doc:"Only jobs of this requester"`
}

// CountTranscodesOutput is the output for counting transcodes.
type CountTranscodesOutput struct {
	Body TranscodeCountsResponse
}

// Counts returns the number of jobs per status.
func (h *TranscodeHandler) Counts(ctx context.Context, input *CountTranscodesInput) (*CountTranscodesOutput, error) {
	var requester *string
	if input.RequesterID != "" {
		requester = &input.RequesterID
	}
	counts, err := h.queue.Counts(ctx, requester)
	if err != nil {
		return nil, apiError("failed to count transcodes", err)
	}
	return &CountTranscodesOutput{Body: TranscodeCountsResponse(counts)}, nil
}

// TranscodeIDInput identifies a transcode job.
type TranscodeIDInput struct {
	ID string `path:"id" doc:"Transcode job ID (ULID)"`
}

// Get returns a transcode job.
func (h *TranscodeHandler) Get(ctx context.Context, input *TranscodeIDInput) (*TranscodeOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, apiError("invalid ID", err)
	}
	job, err := h.queue.Get(ctx, id)
	if err != nil {
		return nil, apiError("failed to get transcode", err)
	}
	return &TranscodeOutput{Body: TranscodeFromModel(job)}, nil
}

// Cancel cancels a transcode job.
func (h *TranscodeHandler) Cancel(ctx context.Context, input *TranscodeIDInput) (*TranscodeOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, apiError("invalid ID", err)
	}
	job, err := h.queue.Cancel(ctx, id)
	if err != nil {
		return nil, apiError("failed to cancel transcode", err)
	}
	return &TranscodeOutput{Body: TranscodeFromModel(job)}, nil
}

// DeleteTranscodeOutput is the output for deleting a transcode.
type DeleteTranscodeOutput struct{}

// Delete deletes a transcode job and its artifact.
func (h *TranscodeHandler) Delete(ctx context.Context, input *TranscodeIDInput) (*DeleteTranscodeOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, apiError("invalid ID", err)
	}
	if err := h.queue.Delete(ctx, id); err != nil {
		return nil, apiError("failed to delete transcode", err)
	}
	return &DeleteTranscodeOutput{}, nil
}

// Download streams the job's output. Completed artifacts are sent with a
// Content-Length; running transcodes are followed until the encoder finishes.
func (h *TranscodeHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "invalid ID", err)
		return
	}

	sink := newHTTPSink(w)
	err = h.streams.Stream(r.Context(), id, sink)
	if err == nil {
		return
	}
	if !sink.started {
		writeServiceError(w, "failed to stream transcode", err)
		return
	}
	// Headers are gone; the client sees a truncated body.
	if !errors.Is(err, context.Canceled) {
		observability.WithJob(h.logger, id.String()).Warn("download ended early",
			slog.Int64("bytes", sink.written),
			slog.String("error", err.Error()))
	}
}
