package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimedJob(t *testing.T, workerID string) *TranscodeJob {
	t.Helper()
	job := &TranscodeJob{SourceID: "movie-100", ProfileID: "720p", Status: TranscodeStatusPending}
	require.NoError(t, job.MarkClaimed(workerID, Now()))
	return job
}

func TestTranscodeJob_TableName(t *testing.T) {
	assert.Equal(t, "transcode_jobs", TranscodeJob{}.TableName())
}

func TestTranscodeStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status TranscodeStatus
		want   bool
	}{
		{TranscodeStatusPending, false},
		{TranscodeStatusTranscoding, false},
		{TranscodeStatusCompleted, true},
		{TranscodeStatusError, true},
		{TranscodeStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsTerminal())
		})
	}
}

func TestCacheKey(t *testing.T) {
	job := &TranscodeJob{SourceID: "movie-100", ProfileID: "720p"}
	assert.Equal(t, "movie-100:720p", job.CacheKey())
	assert.Equal(t, job.CacheKey(), CacheKey("movie-100", "720p"))
}

func TestTranscodeJob_MarkClaimed(t *testing.T) {
	t.Run("pending job is claimed", func(t *testing.T) {
		job := claimedJob(t, "W1")
		assert.Equal(t, TranscodeStatusTranscoding, job.Status)
		assert.Equal(t, "W1", job.WorkerID)
		assert.NotNil(t, job.StartedAt)
		assert.NotNil(t, job.AssignedAt)
		assert.Equal(t, 0, job.Progress)
	})

	t.Run("transcoding job cannot be claimed again", func(t *testing.T) {
		job := claimedJob(t, "W1")
		err := job.MarkClaimed("W2", Now())
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, "W1", job.WorkerID)
	})

	t.Run("cancelled job is gone", func(t *testing.T) {
		job := &TranscodeJob{Status: TranscodeStatusCancelled}
		assert.ErrorIs(t, job.MarkClaimed("W1", Now()), ErrGone)
	})

	t.Run("worker id is required", func(t *testing.T) {
		job := &TranscodeJob{Status: TranscodeStatusPending}
		assert.ErrorIs(t, job.MarkClaimed("", Now()), ErrWorkerIDRequired)
	})
}

func TestTranscodeJob_MarkProgress(t *testing.T) {
	job := claimedJob(t, "W1")

	require.NoError(t, job.MarkProgress("W1", 50))
	assert.Equal(t, 50, job.Progress)

	require.NoError(t, job.MarkProgress("W1", 100))
	assert.Equal(t, 99, job.Progress, "progress stays below 100 until completion")

	assert.ErrorIs(t, job.MarkProgress("W1", 101), ErrInvalidProgress)
	assert.ErrorIs(t, job.MarkProgress("W1", -1), ErrInvalidProgress)
}

func TestTranscodeJob_Ownership(t *testing.T) {
	job := claimedJob(t, "W1")
	before := *job

	assert.ErrorIs(t, job.MarkProgress("W2", 10), ErrOwnershipViolation)
	assert.ErrorIs(t, job.MarkCompleted("W2", "out.mp4", 10, time.Hour, Now()), ErrOwnershipViolation)
	assert.ErrorIs(t, job.MarkErrored("W2", "boom", Now()), ErrOwnershipViolation)

	assert.Equal(t, before, *job, "rejected calls must not modify the job")
}

func TestTranscodeJob_MarkCompleted(t *testing.T) {
	job := claimedJob(t, "W1")
	job.DedupeSlot = job.dedupeSlot()
	now := Now()

	require.NoError(t, job.MarkCompleted("W1", "movie-100_720p_1.mp4", 500<<20, 7*24*time.Hour, now))

	assert.Equal(t, TranscodeStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "movie-100_720p_1.mp4", job.OutputPath)
	assert.Equal(t, int64(500<<20), job.FileSize)
	assert.Empty(t, job.WorkerID)
	assert.Nil(t, job.DedupeSlot)
	require.NotNil(t, job.ExpiresAt)
	assert.Equal(t, now.Add(7*24*time.Hour), *job.ExpiresAt)

	assert.ErrorIs(t, job.MarkCompleted("", "x", 1, time.Hour, now), ErrInvalidTransition)
}

func TestTranscodeJob_MarkErrored(t *testing.T) {
	job := claimedJob(t, "W1")

	require.NoError(t, job.MarkErrored("W1", "exit status 1", Now()))

	assert.Equal(t, TranscodeStatusError, job.Status)
	assert.Equal(t, "exit status 1", job.ErrorMessage)
	assert.Equal(t, "W1", job.WorkerID, "errored jobs keep their worker for auditing")
	assert.Nil(t, job.DedupeSlot)
}

func TestTranscodeJob_MarkCancelled(t *testing.T) {
	t.Run("transcoding job releases claim", func(t *testing.T) {
		job := claimedJob(t, "W1")
		require.NoError(t, job.MarkCancelled(Now()))
		assert.Equal(t, TranscodeStatusCancelled, job.Status)
		assert.Empty(t, job.WorkerID)

		assert.ErrorIs(t, job.MarkCancelled(Now()), ErrGone)
		assert.ErrorIs(t, job.MarkProgress("W1", 10), ErrGone)
	})

	t.Run("completed job cannot be cancelled", func(t *testing.T) {
		job := &TranscodeJob{Status: TranscodeStatusCompleted}
		assert.ErrorIs(t, job.MarkCancelled(Now()), ErrInvalidTransition)
	})
}

func TestTranscodeJob_ResetToPending(t *testing.T) {
	job := claimedJob(t, "W1")
	require.NoError(t, job.MarkProgress("W1", 40))

	require.NoError(t, job.ResetToPending())
	assert.Equal(t, TranscodeStatusPending, job.Status)
	assert.Empty(t, job.WorkerID)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.AssignedAt)
	assert.Equal(t, 0, job.Progress)

	assert.ErrorIs(t, job.ResetToPending(), ErrInvalidTransition)
}

func TestTranscodeJob_IsReusable(t *testing.T) {
	now := Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		job  TranscodeJob
		want bool
	}{
		{"pending", TranscodeJob{Status: TranscodeStatusPending}, true},
		{"transcoding", TranscodeJob{Status: TranscodeStatusTranscoding}, true},
		{"completed without expiry", TranscodeJob{Status: TranscodeStatusCompleted}, true},
		{"completed unexpired", TranscodeJob{Status: TranscodeStatusCompleted, ExpiresAt: &future}, true},
		{"completed expired", TranscodeJob{Status: TranscodeStatusCompleted, ExpiresAt: &past}, false},
		{"error", TranscodeJob{Status: TranscodeStatusError}, false},
		{"cancelled", TranscodeJob{Status: TranscodeStatusCancelled}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.IsReusable(now))
		})
	}
}

func TestTranscodeJob_ExtendExpiry(t *testing.T) {
	now := Now()
	job := &TranscodeJob{Status: TranscodeStatusCompleted}
	require.NoError(t, job.ExtendExpiry(time.Hour, now))
	require.NotNil(t, job.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *job.ExpiresAt)

	pending := &TranscodeJob{Status: TranscodeStatusPending}
	assert.ErrorIs(t, pending.ExtendExpiry(time.Hour, now), ErrInvalidTransition)
}

func TestTranscodeJob_Validate(t *testing.T) {
	assert.ErrorIs(t, (&TranscodeJob{ProfileID: "720p"}).Validate(), ErrSourceIDRequired)
	assert.ErrorIs(t, (&TranscodeJob{SourceID: "movie-100"}).Validate(), ErrProfileIDRequired)
	assert.NoError(t, (&TranscodeJob{SourceID: "movie-100", ProfileID: "720p"}).Validate())
	assert.True(t, IsValidationError(ErrSourceIDRequired))
	assert.False(t, IsValidationError(ErrNotFound))
}

func TestLookupProfile(t *testing.T) {
	p, ok := LookupProfile("720p")
	require.True(t, ok)
	assert.Equal(t, 720, p.Height)

	_, ok = LookupProfile("4k")
	assert.False(t, ok)

	all := Profiles()
	require.Len(t, all, 4)
	assert.Equal(t, "480p", all[0].ID)
	assert.Equal(t, "original", all[len(all)-1].ID)
}
