package models

import (
	"time"

	"gorm.io/gorm"
)

// TranscodeStatus represents the lifecycle state of a transcode job.
type TranscodeStatus string

const (
	// TranscodeStatusPending indicates the job is waiting to be claimed.
	TranscodeStatusPending TranscodeStatus = "pending"
	// TranscodeStatusTranscoding indicates a worker has claimed the job and is encoding it.
	TranscodeStatusTranscoding TranscodeStatus = "transcoding"
	// TranscodeStatusCompleted indicates the artifact is ready to stream.
	TranscodeStatusCompleted TranscodeStatus = "completed"
	// TranscodeStatusError indicates the encoder failed. Terminal.
	TranscodeStatusError TranscodeStatus = "error"
	// TranscodeStatusCancelled indicates the job was aborted by a caller. Terminal.
	TranscodeStatusCancelled TranscodeStatus = "cancelled"
)

// IsTerminal returns true for completed, error and cancelled.
func (s TranscodeStatus) IsTerminal() bool {
	switch s {
	case TranscodeStatusCompleted, TranscodeStatusError, TranscodeStatusCancelled:
		return true
	}
	return false
}

// CacheKey joins a source id and profile id into the key used for cache file
// names and in-memory session lookup.
func CacheKey(sourceID, profileID string) string {
	return sourceID + ":" + profileID
}

// TranscodeJob is a request to convert one source media item to one profile.
type TranscodeJob struct {
	BaseModel

	// SourceID and ProfileID together form the dedupe key.
	SourceID  string `gorm:"not null;size:255;index:idx_transcode_cache_key,priority:1" json:"source_id"`
	ProfileID string `gorm:"not null;size:50;index:idx_transcode_cache_key,priority:2" json:"profile_id"`

	// DedupeSlot holds "sourceID|profileID" while the job is pending or
	// transcoding and NULL otherwise. The unique index on it allows at most
	// one non-terminal job per dedupe key.
	DedupeSlot *string `gorm:"size:320;uniqueIndex:idx_transcode_dedupe_slot" json:"-"`

	Status   TranscodeStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`
	Progress int             `gorm:"not null;default:0" json:"progress"`

	// TargetHeight and TargetBitrate (kbps) are resolved from the profile at queue time.
	TargetHeight  int `json:"target_height"`
	TargetBitrate int `json:"target_bitrate"`

	MediaTitle       string `gorm:"size:512" json:"media_title,omitempty"`
	MediaType        string `gorm:"size:50" json:"media_type,omitempty"`
	Filename         string `gorm:"size:512" json:"filename,omitempty"`
	RequesterID      string `gorm:"size:100;index" json:"requester_id,omitempty"`
	SourceDurationMs int64  `json:"source_duration_ms,omitempty"`

	// WorkerID is the worker that claimed the job. Kept after an error for auditing.
	WorkerID string `gorm:"size:100;index" json:"worker_id,omitempty"`

	// OutputPath is the artifact file name relative to the cache directory.
	OutputPath   string `gorm:"size:1024" json:"output_path,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	ErrorMessage string `gorm:"size:4096" json:"error_message,omitempty"`

	StartedAt   *Time `json:"started_at,omitempty"`
	AssignedAt  *Time `json:"assigned_at,omitempty"`
	CompletedAt *Time `json:"completed_at,omitempty"`

	// ExpiresAt is nil until the job completes.
	ExpiresAt *Time `gorm:"index" json:"expires_at,omitempty"`
}

// TableName returns the table name for TranscodeJob.
func (TranscodeJob) TableName() string {
	return "transcode_jobs"
}

// CacheKey returns the dedupe key of the job.
func (j *TranscodeJob) CacheKey() string {
	return CacheKey(j.SourceID, j.ProfileID)
}

// IsActive returns true while the job is pending or transcoding.
func (j *TranscodeJob) IsActive() bool {
	return !j.Status.IsTerminal()
}

// IsExpired reports whether the job has an expiry at or before now.
func (j *TranscodeJob) IsExpired(now time.Time) bool {
	return j.ExpiresAt != nil && !j.ExpiresAt.After(now)
}

// IsReusable reports whether a new request for the same key should join this job.
func (j *TranscodeJob) IsReusable(now time.Time) bool {
	switch j.Status {
	case TranscodeStatusPending, TranscodeStatusTranscoding:
		return true
	case TranscodeStatusCompleted:
		return !j.IsExpired(now)
	}
	return false
}

func (j *TranscodeJob) dedupeSlot() *string {
	slot := j.SourceID + "|" + j.ProfileID
	return &slot
}

// CheckOwner validates that workerID owns the job and may still report on it.
func (j *TranscodeJob) CheckOwner(workerID string) error {
	if j.Status == TranscodeStatusCancelled {
		return ErrGone
	}
	if j.WorkerID != workerID {
		return ErrOwnershipViolation
	}
	if j.Status != TranscodeStatusTranscoding {
		return ErrInvalidTransition
	}
	return nil
}

// MarkClaimed moves a pending job to transcoding on behalf of workerID.
func (j *TranscodeJob) MarkClaimed(workerID string, now Time) error {
	if workerID == "" {
		return ErrWorkerIDRequired
	}
	if j.Status == TranscodeStatusCancelled {
		return ErrGone
	}
	if j.Status != TranscodeStatusPending {
		return ErrInvalidTransition
	}
	j.Status = TranscodeStatusTranscoding
	j.WorkerID = workerID
	j.StartedAt = &now
	j.AssignedAt = &now
	j.Progress = 0
	return nil
}

// MarkProgress records encoder progress. Values are capped at 99 until completion.
func (j *TranscodeJob) MarkProgress(workerID string, progress int) error {
	if progress < 0 || progress > 100 {
		return ErrInvalidProgress
	}
	if err := j.CheckOwner(workerID); err != nil {
		return err
	}
	j.Progress = min(progress, 99)
	return nil
}

// MarkCompleted finalizes the job with its artifact. A positive retention
// sets ExpiresAt; zero keeps the artifact until it is deleted explicitly.
func (j *TranscodeJob) MarkCompleted(workerID, outputPath string, size int64, retention time.Duration, now Time) error {
	if err := j.CheckOwner(workerID); err != nil {
		return err
	}
	j.Status = TranscodeStatusCompleted
	j.Progress = 100
	j.OutputPath = outputPath
	j.FileSize = size
	j.CompletedAt = &now
	j.ErrorMessage = ""
	j.WorkerID = ""
	j.DedupeSlot = nil
	if retention > 0 {
		expires := now.Add(retention)
		j.ExpiresAt = &expires
	}
	return nil
}

// MarkErrored records a terminal failure. The worker id is kept.
func (j *TranscodeJob) MarkErrored(workerID, message string, now Time) error {
	if err := j.CheckOwner(workerID); err != nil {
		return err
	}
	j.Status = TranscodeStatusError
	j.ErrorMessage = message
	j.CompletedAt = &now
	j.DedupeSlot = nil
	return nil
}

// MarkCancelled aborts a pending or transcoding job and releases its claim.
func (j *TranscodeJob) MarkCancelled(now Time) error {
	switch j.Status {
	case TranscodeStatusCancelled:
		return ErrGone
	case TranscodeStatusCompleted, TranscodeStatusError:
		return ErrInvalidTransition
	}
	j.Status = TranscodeStatusCancelled
	j.WorkerID = ""
	j.CompletedAt = &now
	j.DedupeSlot = nil
	return nil
}

// ResetToPending releases a stale claim so any worker can claim the job again.
func (j *TranscodeJob) ResetToPending() error {
	if j.Status != TranscodeStatusTranscoding {
		return ErrInvalidTransition
	}
	j.Status = TranscodeStatusPending
	j.WorkerID = ""
	j.StartedAt = nil
	j.AssignedAt = nil
	j.Progress = 0
	return nil
}

// ExtendExpiry pushes the expiry of a completed job to now+ttl.
func (j *TranscodeJob) ExtendExpiry(ttl time.Duration, now Time) error {
	if j.Status != TranscodeStatusCompleted {
		return ErrInvalidTransition
	}
	expires := now.Add(ttl)
	j.ExpiresAt = &expires
	return nil
}

// Validate performs basic validation on the job.
func (j *TranscodeJob) Validate() error {
	if j.SourceID == "" {
		return ErrSourceIDRequired
	}
	if j.ProfileID == "" {
		return ErrProfileIDRequired
	}
	if j.Progress < 0 || j.Progress > 100 {
		return ErrInvalidProgress
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the job, generates the ULID and
// claims the dedupe slot for non-terminal jobs.
func (j *TranscodeJob) BeforeCreate(tx *gorm.DB) error {
	if err := j.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if j.Status == "" {
		j.Status = TranscodeStatusPending
	}
	if j.IsActive() {
		j.DedupeSlot = j.dedupeSlot()
	} else {
		j.DedupeSlot = nil
	}
	return j.Validate()
}

// JobCounts aggregates jobs by status.
type JobCounts struct {
	Pending     int64 `json:"pending"`
	Transcoding int64 `json:"transcoding"`
	Completed   int64 `json:"completed"`
	Error       int64 `json:"error"`
}
