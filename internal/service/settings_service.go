package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/repository"
)

// SettingsStore is the read side of the runtime settings.
type SettingsStore interface {
	// Get returns the value for key and whether it is set.
	Get(ctx context.Context, key string) (string, bool, error)
}

// SettingsService reads runtime settings from the database and falls back to
// the static configuration for known keys.
type SettingsService struct {
	repo   repository.SettingRepository
	cfg    *config.Config
	logger *slog.Logger
}

// NewSettingsService creates a new SettingsService. cfg may be nil.
func NewSettingsService(repo repository.SettingRepository, cfg *config.Config) *SettingsService {
	return &SettingsService{
		repo:   repo,
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *SettingsService) WithLogger(logger *slog.Logger) *SettingsService {
	s.logger = logger
	return s
}

// Get returns a stored value, or the configured default for known keys.
func (s *SettingsService) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, models.ErrSettingKeyRequired
	}
	setting, err := s.repo.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if setting != nil {
		return setting.Value, true, nil
	}
	return s.fallback(key)
}

func (s *SettingsService) fallback(key string) (string, bool, error) {
	if s.cfg == nil {
		return "", false, nil
	}
	switch key {
	case models.SettingMaxConcurrentTranscodes:
		return strconv.Itoa(s.cfg.Transcode.MaxConcurrent), true, nil
	case models.SettingWorkerSharedSecret:
		return s.cfg.Workers.SharedSecret, s.cfg.Workers.SharedSecret != "", nil
	}
	return "", false, nil
}

// Set validates and stores a value.
func (s *SettingsService) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return models.ErrSettingKeyRequired
	}
	if key == models.SettingMaxConcurrentTranscodes {
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return models.ErrValidation{Field: key, Message: "must be a positive integer"}
		}
	}
	if err := s.repo.Set(ctx, key, value); err != nil {
		return err
	}
	s.logger.Info("setting updated", slog.String("key", key))
	return nil
}

// List returns all stored settings. Secret values are blanked.
func (s *SettingsService) List(ctx context.Context) ([]*models.Setting, error) {
	settings, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, setting := range settings {
		if setting.IsSecret() {
			setting.Value = ""
		}
	}
	return settings, nil
}

// Delete removes a stored value so the configured default applies again.
func (s *SettingsService) Delete(ctx context.Context, key string) error {
	if key == "" {
		return models.ErrSettingKeyRequired
	}
	return s.repo.Delete(ctx, key)
}

// MaxConcurrent returns the local transcode limit. Unreadable or invalid
// stored values fall back to the configuration, and the result is at least 1.
func (s *SettingsService) MaxConcurrent(ctx context.Context) int {
	fallback := 1
	if s.cfg != nil && s.cfg.Transcode.MaxConcurrent > 0 {
		fallback = s.cfg.Transcode.MaxConcurrent
	}
	value, ok, err := s.Get(ctx, models.SettingMaxConcurrentTranscodes)
	if err != nil {
		s.logger.Warn("reading max concurrent transcodes failed", slog.String("error", err.Error()))
		return fallback
	}
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// SharedSecret returns the secret remote workers must present. Empty
// disables the worker protocol.
func (s *SettingsService) SharedSecret(ctx context.Context) (string, error) {
	value, _, err := s.Get(ctx, models.SettingWorkerSharedSecret)
	if err != nil {
		return "", fmt.Errorf("reading worker secret: %w", err)
	}
	return value, nil
}

var _ SettingsStore = (*SettingsService)(nil)
