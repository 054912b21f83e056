package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionFor(t *testing.T) {
	tr, ok := TransitionFor("subtitle.ready")
	require.True(t, ok)
	assert.Equal(t, StatusDone, tr.Status)
	assert.Equal(t, 100, tr.Progress)
	assert.False(t, tr.Failure)

	tr, ok = TransitionFor("job.failed")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, tr.Status)
	assert.True(t, tr.Failure)

	_, ok = TransitionFor("media.file.detected")
	assert.False(t, ok, "audit-only events carry no transition")

	_, ok = TransitionFor("some.unknown.kind")
	assert.False(t, ok)
}

func TestApplyHappyPath(t *testing.T) {
	job := NewJob("/m.mkv", "en", "he")

	steps := []struct {
		event        string
		wantStatus   Status
		wantProgress int
	}{
		{"subtitle.download.requested", StatusDownloadQueued, 10},
		{"subtitle.download.in_progress", StatusDownloadInProgress, 25},
		{"subtitle.translate.requested", StatusTranslateQueued, 60},
		{"subtitle.translate.in_progress", StatusTranslateInProgress, 75},
		{"subtitle.translation.completed", StatusDone, 100},
	}
	for _, step := range steps {
		status, progress, ok := job.Apply(step.event)
		require.True(t, ok, "event %s must apply", step.event)
		assert.Equal(t, step.wantStatus, status)
		assert.Equal(t, step.wantProgress, progress)
		job.Status = status
		job.ProgressPercentage = progress
	}
}

func TestApplyIgnoresRegressiveEvents(t *testing.T) {
	job := NewJob("/m.mkv", "en", "he")
	job.Status = StatusDownloadInProgress
	job.ProgressPercentage = 25

	// A late download.requested targets progress 10 and must be dropped.
	_, _, ok := job.Apply("subtitle.download.requested")
	assert.False(t, ok)

	// Re-applying the current state's own event is equally a no-op.
	_, _, ok = job.Apply("subtitle.download.in_progress")
	assert.False(t, ok)

	assert.Equal(t, StatusDownloadInProgress, job.Status)
	assert.Equal(t, 25, job.ProgressPercentage)
}

func TestApplyTerminalIsFrozen(t *testing.T) {
	for _, terminal := range []Status{StatusDone, StatusFailed} {
		job := NewJob("/m.mkv", "en", "he")
		job.Status = terminal
		job.ProgressPercentage = 100

		for event := range transitions {
			_, _, ok := job.Apply(event)
			assert.False(t, ok, "event %s must not move a %s job", event, terminal)
		}
	}
}

func TestApplyFailureKeepsProgress(t *testing.T) {
	job := NewJob("/m.mkv", "en", "he")
	job.Status = StatusTranslateInProgress
	job.ProgressPercentage = 75

	status, progress, ok := job.Apply("subtitle.translation.failed")
	require.True(t, ok)
	assert.Equal(t, StatusTranslateFailed, status)
	assert.Equal(t, 75, progress, "failure must not move the progress bar")

	job.Status = status
	status, progress, ok = job.Apply("job.failed")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, 75, progress)
}

func TestApplyFailureFromEarlyState(t *testing.T) {
	job := NewJob("/m.mkv", "en", "")

	status, progress, ok := job.Apply("job.failed")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, 0, progress)
}

func TestApplyIsIdempotent(t *testing.T) {
	job := NewJob("/m.mkv", "en", "he")

	status, progress, ok := job.Apply("subtitle.ready")
	require.True(t, ok)
	job.Status = status
	job.ProgressPercentage = progress

	// The same event again must not change anything.
	_, _, ok = job.Apply("subtitle.ready")
	assert.False(t, ok)
	assert.Equal(t, StatusDone, job.Status)
	assert.Equal(t, 100, job.ProgressPercentage)
}
