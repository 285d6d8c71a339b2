package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Domain errors shared by the store, the engine and the transport layer.
// Callers branch on them with errors.Is.
var (
	// ErrNotFound indicates a job or worker id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrWorkerNotRegistered indicates a worker called the protocol before registering.
	ErrWorkerNotRegistered = fmt.Errorf("worker not registered: %w", ErrNotFound)

	// ErrOwnershipViolation indicates a worker tried to mutate a job it does not own.
	ErrOwnershipViolation = errors.New("job is not owned by this worker")

	// ErrGone indicates the job was cancelled since the caller last observed it.
	ErrGone = errors.New("job was cancelled")

	// ErrInvalidTransition indicates a state transition not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrExecutionFailure indicates the encoder failed to start or exited non-zero.
	ErrExecutionFailure = errors.New("transcode execution failed")

	// ErrResourceUnavailable indicates the engine is not initialized or at capacity.
	ErrResourceUnavailable = errors.New("transcode resources unavailable")

	// ErrArtifactNotReady indicates the job has no artifact that can be streamed yet.
	ErrArtifactNotReady = errors.New("artifact not ready")
)

// Validation errors.
var (
	// ErrSourceIDRequired indicates a required source id is empty.
	ErrSourceIDRequired = errors.New("source_id is required")

	// ErrProfileIDRequired indicates a required profile id is empty.
	ErrProfileIDRequired = errors.New("profile_id is required")

	// ErrUnknownProfile indicates the profile id is not registered.
	ErrUnknownProfile = errors.New("unknown transcode profile")

	// ErrWorkerIDRequired indicates a required worker id is empty.
	ErrWorkerIDRequired = errors.New("worker id is required")

	// ErrInvalidProgress indicates a progress value outside 0-100.
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")

	// ErrInvalidWorkerStatus indicates a worker status other than online or offline.
	ErrInvalidWorkerStatus = errors.New("invalid worker status: must be 'online' or 'offline'")

	// ErrSettingKeyRequired indicates a required setting key is empty.
	ErrSettingKeyRequired = errors.New("setting key is required")
)

// IsValidationError reports whether err is one of the model validation errors.
func IsValidationError(err error) bool {
	var ve ErrValidation
	if errors.As(err, &ve) {
		return true
	}
	for _, target := range []error{
		ErrSourceIDRequired,
		ErrProfileIDRequired,
		ErrUnknownProfile,
		ErrWorkerIDRequired,
		ErrInvalidProgress,
		ErrInvalidWorkerStatus,
		ErrSettingKeyRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
