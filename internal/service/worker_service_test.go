package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerService_Registry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	worker, err := env.worker.Register(ctx, "gpu-1", "", `{"encoders":["h264_nvenc"]}`)
	require.NoError(t, err)
	assert.Equal(t, "gpu-1", worker.Name)
	assert.Equal(t, models.WorkerStatusOnline, worker.Status)
	assert.NotNil(t, worker.LastHeartbeat)

	_, err = env.worker.Register(ctx, "gpu-1", "Renamed", "{}")
	require.NoError(t, err)

	require.NoError(t, env.worker.Heartbeat(ctx, "gpu-1", 2))
	require.NoError(t, env.worker.SetStatus(ctx, "gpu-1", models.WorkerStatusOffline))

	got, err := env.worker.Get(ctx, "gpu-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "{}", got.Capabilities)
	assert.Equal(t, 2, got.ActiveJobs)
	assert.Equal(t, models.WorkerStatusOffline, got.Status)

	require.NoError(t, env.worker.Heartbeat(ctx, "gpu-1", 0))
	got, err = env.worker.Get(ctx, "gpu-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusOnline, got.Status)

	all, err := env.worker.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.ErrorIs(t, env.worker.SetStatus(ctx, "gpu-1", "busy"), models.ErrInvalidWorkerStatus)
	assert.ErrorIs(t, env.worker.Heartbeat(ctx, "ghost", 0), models.ErrWorkerNotRegistered)
	assert.ErrorIs(t, env.worker.Heartbeat(ctx, "", 0), models.ErrWorkerIDRequired)

	_, err = env.worker.Register(ctx, "", "nameless", "")
	assert.ErrorIs(t, err, models.ErrWorkerIDRequired)

	require.NoError(t, env.worker.Delete(ctx, "gpu-1"))
	_, err = env.worker.Get(ctx, "gpu-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, env.worker.Delete(ctx, "gpu-1"), models.ErrNotFound)
}

func TestWorkerService_ClaimRequiresRegistration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.queue.Queue(ctx, QueueRequest{SourceID: "movie-100", ProfileID: "720p"})
	require.NoError(t, err)

	_, err = env.worker.Claim(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrWorkerNotRegistered)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = env.worker.Register(ctx, "w1", "", "")
	require.NoError(t, err)

	job, err := env.worker.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "w1", job.WorkerID)

	none, err := env.worker.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestWorkerService_ConcurrentClaimsAreExclusive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := env.queue.Queue(ctx, QueueRequest{SourceID: id, ProfileID: "480p"})
		require.NoError(t, err)
	}
	workers := []string{"w1", "w2", "w3", "w4", "w5", "w6"}
	for _, id := range workers {
		_, err := env.worker.Register(ctx, id, "", "")
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[models.ULID]string{}
		wg      sync.WaitGroup
	)
	for _, id := range workers {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			job, err := env.worker.Claim(ctx, workerID)
			assert.NoError(t, err)
			if job == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, dup := claimed[job.ID]
			assert.False(t, dup, "job %s claimed twice", job.ID)
			claimed[job.ID] = workerID
		}(id)
	}
	wg.Wait()

	assert.Len(t, claimed, 3)
	for id, workerID := range claimed {
		job, err := env.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, workerID, job.WorkerID)
	}
}

func TestWorkerService_RemoteWorkerLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addMedia(t, "movies/movie-100.mkv", "source bytes")

	queued, err := env.queue.Queue(ctx, QueueRequest{SourceID: "movies/movie-100", ProfileID: "720p", MediaTitle: "Movie 100"})
	require.NoError(t, err)

	_, err = env.worker.Register(ctx, "w1", "", "")
	require.NoError(t, err)
	_, err = env.worker.Register(ctx, "w2", "", "")
	require.NoError(t, err)

	claimed, err := env.worker.ClaimRemote(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, queued.ID, claimed.Job.ID)
	assert.Equal(t, "http://server:8080/api/v1/workers/w1/jobs/"+queued.ID.String()+"/source", claimed.Source.URL)
	assert.Equal(t, source.WorkerSecretHeader, claimed.Source.Header)
	assert.Equal(t, "s3cret", string(claimed.Source.Credential))

	_, _, err = env.worker.OpenSource(ctx, "w2", queued.ID)
	assert.ErrorIs(t, err, models.ErrOwnershipViolation)

	rc, _, err := env.worker.OpenSource(ctx, "w1", queued.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "source bytes", string(data))

	_, err = env.worker.ReportProgress(ctx, "w1", queued.ID, 150)
	assert.ErrorIs(t, err, models.ErrInvalidProgress)
	_, err = env.worker.ReportProgress(ctx, "w2", queued.ID, 10)
	assert.ErrorIs(t, err, models.ErrOwnershipViolation)

	job, err := env.worker.ReportProgress(ctx, "w1", queued.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, 99, job.Progress)

	_, _, err = env.worker.UploadArtifact(ctx, "w2", queued.ID, strings.NewReader("nope"))
	assert.ErrorIs(t, err, models.ErrOwnershipViolation)

	name, size, err := env.worker.UploadArtifact(ctx, "w1", queued.ID, strings.NewReader("encoded output"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "movies_movie-100_720p_"))
	assert.Equal(t, int64(len("encoded output")), size)

	_, err = env.worker.ReportComplete(ctx, "w2", queued.ID, name, size)
	assert.ErrorIs(t, err, models.ErrOwnershipViolation)

	done, err := env.worker.ReportComplete(ctx, "w1", queued.ID, name, 0)
	require.NoError(t, err)
	assert.Equal(t, models.TranscodeStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, name, done.OutputPath)
	assert.Equal(t, size, done.FileSize)
	assert.Empty(t, done.WorkerID)
	require.NotNil(t, done.ExpiresAt)

	session := env.engine.Lookup(done.CacheKey())
	require.NotNil(t, session)
	assert.Equal(t, models.TranscodeStatusCompleted, session.Status())
	assert.Equal(t, name, session.OutputName())

	_, err = env.worker.ReportProgress(ctx, "w1", queued.ID, 50)
	assert.ErrorIs(t, err, models.ErrOwnershipViolation)
}

func TestWorkerService_CancelledJobStopsWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	queued, err := env.queue.Queue(ctx, QueueRequest{SourceID: "movie-100", ProfileID: "720p"})
	require.NoError(t, err)
	_, err = env.worker.Register(ctx, "w1", "", "")
	require.NoError(t, err)
	_, err = env.worker.Claim(ctx, "w1")
	require.NoError(t, err)

	name, size, err := env.worker.UploadArtifact(ctx, "w1", queued.ID, strings.NewReader("late output"))
	require.NoError(t, err)

	_, err = env.queue.Cancel(ctx, queued.ID)
	require.NoError(t, err)

	_, err = env.worker.ReportProgress(ctx, "w1", queued.ID, 20)
	assert.ErrorIs(t, err, models.ErrGone)

	_, _, err = env.worker.UploadArtifact(ctx, "w1", queued.ID, strings.NewReader("again"))
	assert.ErrorIs(t, err, models.ErrGone)

	_, err = env.worker.ReportComplete(ctx, "w1", queued.ID, name, size)
	assert.ErrorIs(t, err, models.ErrGone)

	exists, err := env.engine.Cache().Exists(name)
	require.NoError(t, err)
	assert.False(t, exists)

	job, err := env.queue.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TranscodeStatusCancelled, job.Status)
	assert.Empty(t, job.WorkerID)
}

func TestWorkerService_ReportCompleteRequiresArtifact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	queued, err := env.queue.Queue(ctx, QueueRequest{SourceID: "movie-100", ProfileID: "720p"})
	require.NoError(t, err)
	_, err = env.worker.Register(ctx, "w1", "", "")
	require.NoError(t, err)
	_, err = env.worker.Claim(ctx, "w1")
	require.NoError(t, err)

	_, err = env.worker.ReportComplete(ctx, "w1", queued.ID, "missing.mp4", 10)
	assert.ErrorIs(t, err, models.ErrArtifactNotReady)

	_, err = env.worker.ReportComplete(ctx, "w1", queued.ID, "", 10)
	assert.True(t, models.IsValidationError(err))

	job, err := env.queue.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TranscodeStatusTranscoding, job.Status)
}

func TestWorkerService_ReportError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	queued, err := env.queue.Queue(ctx, QueueRequest{SourceID: "movie-100", ProfileID: "720p"})
	require.NoError(t, err)
	_, err = env.worker.Register(ctx, "w1", "", "")
	require.NoError(t, err)
	_, err = env.worker.Claim(ctx, "w1")
	require.NoError(t, err)

	_, err = env.worker.ReportError(ctx, "w2", queued.ID, "not mine")
	assert.ErrorIs(t, err, models.ErrOwnershipViolation)

	failed, err := env.worker.ReportError(ctx, "w1", queued.ID, "exit code 1: Invalid data")
	require.NoError(t, err)
	assert.Equal(t, models.TranscodeStatusError, failed.Status)
	assert.Equal(t, "w1", failed.WorkerID)
	assert.Equal(t, "exit code 1: Invalid data", failed.ErrorMessage)

	_, err = env.worker.ReportError(ctx, "w1", queued.ID, "again")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	retry, err := env.queue.Queue(ctx, QueueRequest{SourceID: "movie-100", ProfileID: "720p"})
	require.NoError(t, err)
	assert.NotEqual(t, queued.ID, retry.ID)
}

func TestWorkerService_ClaimRemoteFailsUnlocatableJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	queued, err := env.queue.Queue(ctx, QueueRequest{SourceID: "movies/missing", ProfileID: "720p"})
	require.NoError(t, err)
	_, err = env.worker.Register(ctx, "w1", "", "")
	require.NoError(t, err)

	_, err = env.worker.ClaimRemote(ctx, "w1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	job, err := env.queue.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TranscodeStatusError, job.Status)
	assert.Contains(t, job.ErrorMessage, "locating source")

	none, err := env.worker.ClaimRemote(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, none)
}
