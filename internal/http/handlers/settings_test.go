package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
)

func TestSettingsAPI_MaxConcurrent(t *testing.T) {
	env := newAPIEnv(t, testSecret)
	path := "/api/v1/settings/transcode.max_concurrent"

	resp := env.do(t, http.MethodGet, path, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var setting SettingResponse
	decode(t, resp, &setting)
	assert.Equal(t, "2", setting.Value, "falls back to the configuration")

	resp = env.do(t, http.MethodPut, path, map[string]string{"value": "4"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &setting)
	assert.Equal(t, "4", setting.Value)

	resp = env.do(t, http.MethodPut, path, map[string]string{"value": "0"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/settings", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListSettingsOutput
	decode(t, resp, &list.Body)
	require.Len(t, list.Body.Settings, 1)
	assert.Equal(t, "transcode.max_concurrent", list.Body.Settings[0].Key)

	resp = env.do(t, http.MethodDelete, path, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, path, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &setting)
	assert.Equal(t, "2", setting.Value)
}

func TestSettingsAPI_SecretIsHidden(t *testing.T) {
	env := newAPIEnv(t, testSecret)
	path := "/api/v1/settings/workers.shared_secret"

	resp := env.do(t, http.MethodPut, path, map[string]string{"value": "rotated"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var setting SettingResponse
	decode(t, resp, &setting)
	assert.True(t, setting.Secret)
	assert.Empty(t, setting.Value)

	resp = env.do(t, http.MethodGet, "/api/v1/settings", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.NotContains(t, body, "rotated")

	// The rotated secret is what workers must present now.
	resp = env.do(t, http.MethodPost, "/api/v1/workers/register", map[string]string{"id": "w1"}, testSecret)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/v1/workers/register", map[string]string{"id": "w1"}, "rotated")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSettingsAPI_UnknownKey(t *testing.T) {
	env := newAPIEnv(t, testSecret)

	resp := env.do(t, http.MethodGet, "/api/v1/settings/ui.theme", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSettingsAPI_Runtime(t *testing.T) {
	t.Cleanup(func() { observability.SetRequestLogging(true) })
	env := newAPIEnv(t, testSecret)

	resp := env.do(t, http.MethodPut, "/api/v1/runtime", map[string]bool{"enable_request_logging": false}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out RuntimeOutput
	decode(t, resp, &out.Body)
	assert.False(t, out.Body.Options.EnableRequestLogging)
	assert.Equal(t, []string{"enable_request_logging"}, out.Body.AppliedChanges)
	assert.False(t, observability.IsRequestLoggingEnabled())

	resp = env.do(t, http.MethodGet, "/api/v1/runtime", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out.Body)
	assert.False(t, out.Body.Options.EnableRequestLogging)
}
