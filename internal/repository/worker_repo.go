package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// workerRepo implements WorkerRepository using GORM.
type workerRepo struct {
	db *gorm.DB
}

// NewWorkerRepository creates a new WorkerRepository.
func NewWorkerRepository(db *gorm.DB) *workerRepo {
	return &workerRepo{db: db}
}

// Upsert inserts the worker or overwrites an existing row with the same id.
// Registration counts as a heartbeat.
func (r *workerRepo) Upsert(ctx context.Context, worker *models.Worker) error {
	if err := worker.Validate(); err != nil {
		return err
	}
	now := models.Now()
	worker.Status = models.WorkerStatusOnline
	worker.LastHeartbeat = &now
	worker.ActiveJobs = 0

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "capabilities", "status", "active_jobs", "last_heartbeat", "updated_at",
		}),
	}).Create(worker).Error
	if err != nil {
		return fmt.Errorf("upserting worker: %w", err)
	}
	return nil
}

// GetByID retrieves a worker by ID.
func (r *workerRepo) GetByID(ctx context.Context, id string) (*models.Worker, error) {
	var worker models.Worker
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&worker).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting worker by ID: %w", err)
	}
	return &worker, nil
}

// List returns all workers.
func (r *workerRepo) List(ctx context.Context) ([]*models.Worker, error) {
	var workers []*models.Worker
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	return workers, nil
}

// Heartbeat records liveness, marks the worker online and stores its job count.
func (r *workerRepo) Heartbeat(ctx context.Context, id string, activeJobs int) error {
	now := models.Now()
	return r.update(ctx, id, "recording heartbeat", map[string]any{
		"last_heartbeat": now,
		"status":         models.WorkerStatusOnline,
		"active_jobs":    max(activeJobs, 0),
		"updated_at":     now,
	})
}

// Touch refreshes only the heartbeat timestamp.
func (r *workerRepo) Touch(ctx context.Context, id string) error {
	now := models.Now()
	return r.update(ctx, id, "touching worker", map[string]any{
		"last_heartbeat": now,
		"updated_at":     now,
	})
}

// SetStatus sets the worker status.
func (r *workerRepo) SetStatus(ctx context.Context, id string, status models.WorkerStatus) error {
	if !status.IsValid() {
		return models.ErrInvalidWorkerStatus
	}
	return r.update(ctx, id, "setting worker status", map[string]any{
		"status":     status,
		"updated_at": models.Now(),
	})
}

// Delete removes a worker.
func (r *workerRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Worker{})
	if result.Error != nil {
		return fmt.Errorf("deleting worker: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *workerRepo) update(ctx context.Context, id, action string, columns map[string]any) error {
	result := r.db.WithContext(ctx).Model(&models.Worker{}).Where("id = ?", id).Updates(columns)
	if result.Error != nil {
		return fmt.Errorf("%s: %w", action, result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrWorkerNotRegistered
	}
	return nil
}

var _ WorkerRepository = (*workerRepo)(nil)
