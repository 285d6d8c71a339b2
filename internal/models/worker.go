package models

import (
	"time"
)

// WorkerStatus represents the reported availability of a worker.
type WorkerStatus string

const (
	// WorkerStatusOnline is set by register and heartbeat.
	WorkerStatusOnline WorkerStatus = "online"
	// WorkerStatusOffline is only ever set explicitly.
	WorkerStatusOffline WorkerStatus = "offline"
)

// IsValid returns true for known worker statuses.
func (s WorkerStatus) IsValid() bool {
	return s == WorkerStatusOnline || s == WorkerStatusOffline
}

// Worker is a process that claims and executes transcode jobs.
// The id is chosen by the worker itself so restarts re-register the same row.
type Worker struct {
	ID   string `gorm:"primarykey;size:100" json:"id"`
	Name string `gorm:"size:255" json:"name"`

	// Capabilities is an opaque descriptor, typically JSON with encoder and host details.
	Capabilities string `gorm:"type:text" json:"capabilities,omitempty"`

	Status        WorkerStatus `gorm:"not null;default:'online';size:20;index" json:"status"`
	ActiveJobs    int          `gorm:"not null;default:0" json:"active_jobs"`
	LastHeartbeat *Time        `gorm:"index" json:"last_heartbeat,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Worker.
func (Worker) TableName() string {
	return "workers"
}

// IsStale reports whether the last heartbeat is older than timeout.
func (w *Worker) IsStale(timeout time.Duration, now time.Time) bool {
	return w.LastHeartbeat == nil || w.LastHeartbeat.Before(now.Add(-timeout))
}

// Validate performs basic validation on the worker.
func (w *Worker) Validate() error {
	if w.ID == "" {
		return ErrWorkerIDRequired
	}
	if w.Status != "" && !w.Status.IsValid() {
		return ErrInvalidWorkerStatus
	}
	return nil
}
