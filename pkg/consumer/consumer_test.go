package consumer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/models"
	"github.com/sublate/sublate/pkg/queue"
	"github.com/sublate/sublate/pkg/store"
	"github.com/sublate/sublate/test/util"
)

func testExecutor(t *testing.T) (*Executor, *store.Store) {
	t.Helper()
	util.SkipIfShort(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Connect(context.Background(), store.Options{
		URL:    util.SharedStoreURL(t),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return NewExecutor(st, logger), st
}

func seedJob(t *testing.T, st *store.Store, status models.Status, progress int) *models.Job {
	t.Helper()
	job := models.NewJob("/media/show/ep1.mkv", "en", "nl")
	job.Status = status
	job.ProgressPercentage = progress
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func wrap(t *testing.T, kind, jobID string, payload any) []byte {
	t.Helper()
	body, err := events.Wrap(kind, "test", jobID, payload)
	require.NoError(t, err)
	return body
}

func TestExecuteHappyDownloadPath(t *testing.T) {
	exec, st := testExecutor(t)
	ctx := context.Background()
	job := seedJob(t, st, models.StatusPending, 0)

	steps := []struct {
		body         []byte
		wantStatus   models.Status
		wantProgress int
	}{
		{
			body:         wrap(t, events.KindDownloadRequested, job.JobID, events.DownloadRequestedPayload{VideoURL: job.VideoURL, Language: "nl"}),
			wantStatus:   models.StatusDownloadQueued,
			wantProgress: 10,
		},
		{
			body:         wrap(t, events.KindDownloadInProgress, job.JobID, events.DownloadInProgressPayload{Language: "nl"}),
			wantStatus:   models.StatusDownloadInProgress,
			wantProgress: 25,
		},
		{
			body:         wrap(t, events.KindSubtitleReady, job.JobID, events.SubtitleReadyPayload{SubtitlePath: "/media/show/ep1.nl.srt", Language: "nl"}),
			wantStatus:   models.StatusDone,
			wantProgress: 100,
		},
	}
	for _, step := range steps {
		result := exec.Execute(ctx, step.body)
		require.Equal(t, queue.OutcomeCompleted, result.Outcome)

		got, err := st.GetJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, step.wantStatus, got.Status)
		assert.Equal(t, step.wantProgress, got.ProgressPercentage)
	}

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "/media/show/ep1.nl.srt", got.ResultPath)

	entries, err := st.GetEvents(ctx, job.JobID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Newest first: the ready event leads the audit list.
	env, err := events.UnwrapEnvelope(entries[0])
	require.NoError(t, err)
	assert.Equal(t, events.KindSubtitleReady, env.EventType)
}

func TestExecuteIgnoresRegressiveEvent(t *testing.T) {
	exec, st := testExecutor(t)
	ctx := context.Background()
	job := seedJob(t, st, models.StatusDownloadInProgress, 25)

	body := wrap(t, events.KindDownloadRequested, job.JobID, events.DownloadRequestedPayload{Language: "nl"})
	result := exec.Execute(ctx, body)
	require.Equal(t, queue.OutcomeCompleted, result.Outcome)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDownloadInProgress, got.Status)
	assert.Equal(t, 25, got.ProgressPercentage)

	// Ignored events still land in the audit trail.
	entries, err := st.GetEvents(ctx, job.JobID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExecuteTerminalJobIsFrozen(t *testing.T) {
	exec, st := testExecutor(t)
	ctx := context.Background()
	job := seedJob(t, st, models.StatusDone, 100)

	body := wrap(t, events.KindJobFailed, job.JobID, events.JobFailedPayload{
		ErrorType: events.ErrorTypeInternal,
		Error:     "late failure",
	})
	result := exec.Execute(ctx, body)
	require.Equal(t, queue.OutcomeCompleted, result.Outcome)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, 100, got.ProgressPercentage)
	assert.Empty(t, got.ErrorMessage, "a rejected failure event must not leave an error behind")
}

func TestExecuteTranslationFailedKeepsProgress(t *testing.T) {
	exec, st := testExecutor(t)
	ctx := context.Background()
	job := seedJob(t, st, models.StatusTranslateInProgress, 75)

	body := wrap(t, events.KindTranslationFailed, job.JobID, events.TranslationFailedPayload{
		Error:      "model returned 14 of 20 segments",
		ChunkIndex: 2,
	})
	result := exec.Execute(ctx, body)
	require.Equal(t, queue.OutcomeCompleted, result.Outcome)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTranslateFailed, got.Status)
	assert.Equal(t, 75, got.ProgressPercentage)
	assert.Equal(t, "chunk 2: model returned 14 of 20 segments", got.ErrorMessage)
}

func TestExecuteJobFailedRecordsTypedError(t *testing.T) {
	exec, st := testExecutor(t)
	ctx := context.Background()
	job := seedJob(t, st, models.StatusDownloadInProgress, 25)

	body := wrap(t, events.KindJobFailed, job.JobID, events.JobFailedPayload{
		ErrorType: events.ErrorTypeSubtitleNotFound,
		Error:     "no subtitles for any language",
	})
	exec.Execute(ctx, body)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 25, got.ProgressPercentage, "failure keeps progress")
	assert.Equal(t, "subtitle_not_found: no subtitles for any language", got.ErrorMessage)
}

func TestExecuteTranslationCompletedSetsResult(t *testing.T) {
	exec, st := testExecutor(t)
	ctx := context.Background()
	job := seedJob(t, st, models.StatusTranslateInProgress, 75)

	body := wrap(t, events.KindTranslationCompleted, job.JobID, events.TranslationCompletedPayload{
		ResultPath:  "/subs/out.nl.srt",
		Language:    "nl",
		ChunksTotal: 4,
	})
	exec.Execute(ctx, body)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, 100, got.ProgressPercentage)
	assert.Equal(t, "/subs/out.nl.srt", got.ResultPath)
}

func TestExecuteUnknownJobAuditsOnly(t *testing.T) {
	exec, st := testExecutor(t)
	ctx := context.Background()
	jobID := models.NewJob("/x.mkv", "en", "").JobID

	body := wrap(t, events.KindSubtitleReady, jobID, events.SubtitleReadyPayload{SubtitlePath: "/x.srt"})
	result := exec.Execute(ctx, body)
	require.Equal(t, queue.OutcomeCompleted, result.Outcome)

	_, err := st.GetJob(ctx, jobID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	entries, err := st.GetEvents(ctx, jobID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "late events stay auditable")
}

func TestExecuteMalformedEnvelopeAcks(t *testing.T) {
	exec, _ := testExecutor(t)

	result := exec.Execute(context.Background(), []byte("{not json"))
	assert.Equal(t, queue.OutcomeCompleted, result.Outcome)

	result = exec.Execute(context.Background(), wrap(t, events.KindSubtitleReady, "", events.SubtitleReadyPayload{}))
	assert.Equal(t, queue.OutcomeCompleted, result.Outcome)
}

func TestExecuteMediaDetectedIsAuditOnly(t *testing.T) {
	exec, st := testExecutor(t)
	ctx := context.Background()
	job := seedJob(t, st, models.StatusPending, 0)

	body := wrap(t, events.KindMediaFileDetected, job.JobID, events.MediaFileDetectedPayload{
		Path:    "/media/show/ep1.mkv",
		Trigger: events.TriggerWatcher,
	})
	exec.Execute(ctx, body)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	entries, err := st.GetEvents(ctx, job.JobID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExecuteIsIdempotent(t *testing.T) {
	exec, st := testExecutor(t)
	ctx := context.Background()
	job := seedJob(t, st, models.StatusDownloadInProgress, 25)

	body := wrap(t, events.KindSubtitleReady, job.JobID, events.SubtitleReadyPayload{SubtitlePath: "/a.srt"})
	exec.Execute(ctx, body)
	exec.Execute(ctx, body)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, 100, got.ProgressPercentage)

	entries, err := st.GetEvents(ctx, job.JobID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "both deliveries are audited")
}
