package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
)

func TestTranscodeAPI_QueueGetCounts(t *testing.T) {
	env := newAPIEnv(t, testSecret)

	resp := env.do(t, http.MethodPost, "/api/v1/transcodes", map[string]string{
		"source_id":    "movies/film",
		"profile_id":   "720p",
		"media_title":  "The Film",
		"requester_id": "alice",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var queued TranscodeResponse
	decode(t, resp, &queued)
	assert.Equal(t, "pending", queued.Status)
	assert.Equal(t, 720, queued.TargetHeight)
	assert.Contains(t, queued.Filename, "720p")

	resp = env.do(t, http.MethodPost, "/api/v1/transcodes", map[string]string{
		"source_id":  "movies/film",
		"profile_id": "720p",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again TranscodeResponse
	decode(t, resp, &again)
	assert.Equal(t, queued.ID, again.ID)

	resp = env.do(t, http.MethodGet, "/api/v1/transcodes/"+queued.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got TranscodeResponse
	decode(t, resp, &got)
	assert.Equal(t, "movies/film", got.SourceID)

	resp = env.do(t, http.MethodGet, "/api/v1/transcodes?requester_id=alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListTranscodesOutput
	decode(t, resp, &list.Body)
	require.Len(t, list.Body.Transcodes, 1)

	resp = env.do(t, http.MethodGet, "/api/v1/transcodes/counts", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var counts TranscodeCountsResponse
	decode(t, resp, &counts)
	assert.Equal(t, int64(1), counts.Pending)
}

func TestTranscodeAPI_Errors(t *testing.T) {
	env := newAPIEnv(t, testSecret)

	resp := env.do(t, http.MethodPost, "/api/v1/transcodes", map[string]string{
		"source_id":  "movies/film",
		"profile_id": "4k",
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/transcodes/not-a-ulid", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/transcodes/"+models.NewULID().String(), nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/transcodes/"+models.NewULID().String()+"/download", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
}

func TestTranscodeAPI_CancelAndDelete(t *testing.T) {
	env := newAPIEnv(t, testSecret)
	job, err := env.queue.Queue(context.Background(), serviceRequest("movies/film"))
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/api/v1/transcodes/"+job.ID.String()+"/download", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "pending job has no artifact")

	resp = env.do(t, http.MethodPost, "/api/v1/transcodes/"+job.ID.String()+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled TranscodeResponse
	decode(t, resp, &cancelled)
	assert.Equal(t, "cancelled", cancelled.Status)

	resp = env.do(t, http.MethodPost, "/api/v1/transcodes/"+job.ID.String()+"/cancel", nil, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/transcodes/"+job.ID.String()+"/download", nil, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/v1/transcodes/"+job.ID.String(), nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/transcodes/"+job.ID.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTranscodeAPI_DownloadCompleted(t *testing.T) {
	env := newAPIEnv(t, testSecret)
	ctx := context.Background()

	job, err := env.queue.Queue(ctx, serviceRequest("movies/film"))
	require.NoError(t, err)
	_, err = env.workers.Register(ctx, "w1", "", "")
	require.NoError(t, err)
	claimed, err := env.workers.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	name, size, err := env.workers.UploadArtifact(ctx, "w1", job.ID, strings.NewReader("encoded output"))
	require.NoError(t, err)
	_, err = env.workers.ReportComplete(ctx, "w1", job.ID, name, size)
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/api/v1/transcodes/"+job.ID.String()+"/download", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "14", resp.Header.Get("Content-Length"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	assert.Equal(t, "encoded output", readBody(t, resp))
}
