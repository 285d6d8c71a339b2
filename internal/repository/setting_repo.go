package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// settingRepo implements SettingRepository using GORM.
type settingRepo struct {
	db *gorm.DB
}

// NewSettingRepository creates a new SettingRepository.
func NewSettingRepository(db *gorm.DB) *settingRepo {
	return &settingRepo{db: db}
}

// Get retrieves a setting by key.
func (r *settingRepo) Get(ctx context.Context, key string) (*models.Setting, error) {
	var setting models.Setting
	if err := r.db.WithContext(ctx).Where("name = ?", key).First(&setting).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting setting %s: %w", key, err)
	}
	return &setting, nil
}

// Set creates or replaces a setting.
func (r *settingRepo) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return models.ErrSettingKeyRequired
	}
	setting := &models.Setting{Key: key, Value: value}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(setting).Error
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// List returns all settings.
func (r *settingRepo) List(ctx context.Context) ([]*models.Setting, error) {
	var settings []*models.Setting
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	return settings, nil
}

// Delete removes a setting. Deleting a missing key is not an error.
func (r *settingRepo) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Where("name = ?", key).Delete(&models.Setting{}).Error; err != nil {
		return fmt.Errorf("deleting setting %s: %w", key, err)
	}
	return nil
}

var _ SettingRepository = (*settingRepo)(nil)
