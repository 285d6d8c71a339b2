package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/storage"
)

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case models.IsValidationError(err), errors.Is(err, storage.ErrEscapesSandbox):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrOwnershipViolation):
		return http.StatusForbidden
	case errors.Is(err, models.ErrGone):
		return http.StatusGone
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrArtifactNotReady),
		errors.Is(err, models.ErrExecutionFailure):
		return http.StatusConflict
	case errors.Is(err, models.ErrResourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// apiError converts a service error into a huma error. Server errors keep
// the action as their message; client errors carry the error text.
func apiError(action string, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		return huma.NewError(status, action, err)
	}
	return huma.NewError(status, err.Error())
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an error response in JSON format for the raw routes.
func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError writes err with its mapped status.
func writeServiceError(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		writeJSONError(w, action+": "+err.Error(), status)
		return
	}
	writeJSONError(w, err.Error(), status)
}

// parseID parses a ULID path parameter.
func parseID(raw string) (models.ULID, error) {
	id, err := models.ParseULID(raw)
	if err != nil {
		return models.ULID{}, models.ErrValidation{Field: "id", Message: "must be a ULID"}
	}
	return id, nil
}
