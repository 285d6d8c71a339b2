package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/service"
)

// SettingsHandler handles runtime settings API endpoints.
type SettingsHandler struct {
	settings *service.SettingsService
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(settings *service.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

// Register registers the settings routes with the API.
func (h *SettingsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSettings",
		Method:      "GET",
		Path:        "/api/v1/settings",
		Summary:     "List settings",
		Description: "Returns stored runtime settings. Secret values are blank",
		Tags:        []string{"Settings"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getSetting",
		Method:      "GET",
		Path:        "/api/v1/settings/{key}",
		Summary:     "Get setting",
		Description: "Returns the effective value of a setting, falling back to the configuration",
		Tags:        []string{"Settings"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "putSetting",
		Method:      "PUT",
		Path:        "/api/v1/settings/{key}",
		Summary:     "Update setting",
		Description: "Stores a runtime setting. Takes effect on the next read",
		Tags:        []string{"Settings"},
	}, h.Put)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteSetting",
		Method:        "DELETE",
		Path:          "/api/v1/settings/{key}",
		Summary:       "Delete setting",
		Description:   "Removes a stored setting so the configured default applies",
		Tags:          []string{"Settings"},
		DefaultStatus: http.StatusNoContent,
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "getRuntime",
		Method:      "GET",
		Path:        "/api/v1/runtime",
		Summary:     "Get runtime options",
		Description: "Returns process-local options that are not persisted",
		Tags:        []string{"Settings"},
	}, h.GetRuntime)

	huma.Register(api, huma.Operation{
		OperationID: "updateRuntime",
		Method:      "PUT",
		Path:        "/api/v1/runtime",
		Summary:     "Update runtime options",
		Description: "Updates process-local options. Changes apply immediately and are lost on restart",
		Tags:        []string{"Settings"},
	}, h.UpdateRuntime)
}

// ListSettingsOutput is the output for listing settings.
type ListSettingsOutput struct {
	Body struct {
		Settings []SettingResponse `json:"settings"`
	}
}

// List returns all stored settings.
func (h *SettingsHandler) List(ctx context.Context, _ *struct{}) (*ListSettingsOutput, error) {
	settings, err := h.settings.List(ctx)
	if err != nil {
		return nil, apiError("failed to list settings", err)
	}
	resp := &ListSettingsOutput{}
	resp.Body.Settings = make([]SettingResponse, 0, len(settings))
	for _, s := range settings {
		resp.Body.Settings = append(resp.Body.Settings, SettingResponse{
			Key:       s.Key,
			Value:     s.Value,
			Secret:    s.IsSecret(),
			UpdatedAt: s.UpdatedAt,
		})
	}
	return resp, nil
}

// SettingKeyInput identifies a setting.
type SettingKeyInput struct {
	Key string `path:"key" doc:"Setting key, e.g. transcode.max_concurrent"`
}

// SettingOutput is the output for single setting operations.
type SettingOutput struct {
	Body SettingResponse
}

// Get returns the effective value of a setting.
func (h *SettingsHandler) Get(ctx context.Context, input *SettingKeyInput) (*SettingOutput, error) {
	value, ok, err := h.settings.Get(ctx, input.Key)
	if err != nil {
		return nil, apiError("failed to get setting", err)
	}
	if !ok {
		return nil, huma.Error404NotFound("setting " + input.Key + " is not set")
	}
	resp := &SettingOutput{Body: SettingResponse{Key: input.Key, Value: value}}
	if (&models.Setting{Key: input.Key}).IsSecret() {
		resp.Body.Value = ""
		resp.Body.Secret = true
	}
	return resp, nil
}

// PutSettingInput is the input for storing a setting.
type PutSettingInput struct {
	Key  string `path:"key"`
	Body struct {
		Value string `json:"value"`
	}
}

// Put stores a setting.
func (h *SettingsHandler) Put(ctx context.Context, input *PutSettingInput) (*SettingOutput, error) {
	if err := h.settings.Set(ctx, input.Key, input.Body.Value); err != nil {
		return nil, apiError("failed to store setting", err)
	}
	return h.Get(ctx, &SettingKeyInput{Key: input.Key})
}

// Delete removes a stored setting.
func (h *SettingsHandler) Delete(ctx context.Context, input *SettingKeyInput) (*EmptyOutput, error) {
	if err := h.settings.Delete(ctx, input.Key); err != nil {
		return nil, apiError("failed to delete setting", err)
	}
	return &EmptyOutput{}, nil
}

// RuntimeOptions are process-local options.
type RuntimeOptions struct {
	EnableRequestLogging bool `json:"enable_request_logging"`
}

// RuntimeOutput is the output for runtime option operations.
type RuntimeOutput struct {
	Body struct {
		Options        RuntimeOptions `json:"options"`
		AppliedChanges []string       `json:"applied_changes"`
	}
}

// GetRuntime returns the runtime options.
func (h *SettingsHandler) GetRuntime(_ context.Context, _ *struct{}) (*RuntimeOutput, error) {
	resp := &RuntimeOutput{}
	resp.Body.Options.EnableRequestLogging = observability.IsRequestLoggingEnabled()
	resp.Body.AppliedChanges = []string{}
	return resp, nil
}

// UpdateRuntimeInput is the input for updating runtime options.
type UpdateRuntimeInput struct {
	Body struct {
		EnableRequestLogging *bool `json:"enable_request_logging,omitempty"`
	}
}

// UpdateRuntime applies runtime option changes.
func (h *SettingsHandler) UpdateRuntime(_ context.Context, input *UpdateRuntimeInput) (*RuntimeOutput, error) {
	applied := []string{}
	if input.Body.EnableRequestLogging != nil {
		observability.SetRequestLogging(*input.Body.EnableRequestLogging)
		applied = append(applied, "enable_request_logging")
	}

	resp := &RuntimeOutput{}
	resp.Body.Options.EnableRequestLogging = observability.IsRequestLoggingEnabled()
	resp.Body.AppliedChanges = applied
	return resp, nil
}
