package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobDefaults(t *testing.T) {
	job := NewJob("/media/movie.mkv", "en", "he")

	require.NotEmpty(t, job.JobID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.ProgressPercentage)
	assert.Equal(t, job.CreatedAt, job.UpdatedAt)
	assert.Zero(t, job.CreatedAt.Nanosecond())
	assert.Equal(t, "UTC", job.CreatedAt.Location().String())
}

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusDownloadQueued, false},
		{StatusDownloadInProgress, false},
		{StatusDownloadFailed, false},
		{StatusTranslateQueued, false},
		{StatusTranslateInProgress, false},
		{StatusTranslateFailed, false},
		{StatusDone, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusDownloadCompleted.Valid())
	assert.True(t, StatusPending.Valid())
	assert.False(t, Status("exploded").Valid())
	assert.False(t, Status("").Valid())
}

func TestJobLanguage(t *testing.T) {
	withTarget := NewJob("/m.mkv", "en", "he")
	assert.Equal(t, "he", withTarget.Language())

	downloadOnly := NewJob("/m.mkv", "en", "")
	assert.Equal(t, "en", downloadOnly.Language())
}

func TestJobClone(t *testing.T) {
	job := NewJob("/m.mkv", "en", "he")
	clone := job.Clone()
	clone.Status = StatusDone
	clone.ProgressPercentage = 100

	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.ProgressPercentage)
}
