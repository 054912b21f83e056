package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sublate/sublate/pkg/models"
	"github.com/sublate/sublate/test/util"
)

func testStore(t *testing.T, auditMax int) *Store {
	t.Helper()
	util.SkipIfShort(t)

	s, err := Connect(context.Background(), Options{
		URL:             util.SharedStoreURL(t),
		AuditMaxEntries: auditMax,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJobRoundTrip(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	job := models.NewJob("/media/show/episode.mkv", "en", "nl")
	job.VideoTitle = "Episode 1"
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, job.VideoURL, got.VideoURL)
	assert.Equal(t, "Episode 1", got.VideoTitle)
	assert.Equal(t, "en", got.SourceLanguage)
	assert.Equal(t, "nl", got.TargetLanguage)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.ProgressPercentage)
	assert.Empty(t, got.ResultPath)
	assert.Empty(t, got.ErrorMessage)
	assert.True(t, got.CreatedAt.Equal(job.CreatedAt))
	assert.True(t, got.UpdatedAt.Equal(job.UpdatedAt))
}

func TestGetJobNotFound(t *testing.T) {
	s := testStore(t, 0)

	_, err := s.GetJob(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	job := models.NewJob("/media/movie.mkv", "en", "")
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpdateStatus(ctx, job.JobID, models.StatusDownloadQueued, 10))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDownloadQueued, got.Status)
	assert.Equal(t, 10, got.ProgressPercentage)
	assert.False(t, got.UpdatedAt.Before(job.UpdatedAt))

	err = s.UpdateStatus(ctx, "missing-job", models.StatusDone, 100)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetResultAndError(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	job := models.NewJob("/media/movie.mkv", "en", "de")
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.SetResult(ctx, job.JobID, "/media/movie.de.srt"))
	require.NoError(t, s.SetErrorMessage(ctx, job.JobID, "upstream rate limited"))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "/media/movie.de.srt", got.ResultPath)
	assert.Equal(t, "upstream rate limited", got.ErrorMessage)
}

func TestAuditListNewestFirstAndBounded(t *testing.T) {
	s := testStore(t, 5)
	ctx := context.Background()
	jobID := models.NewJob("/media/x.mkv", "en", "").JobID

	for i := 0; i < 8; i++ {
		envelope := fmt.Sprintf(`{"event_id":"evt-%d"}`, i)
		require.NoError(t, s.AppendEvent(ctx, jobID, []byte(envelope)))
	}

	events, err := s.GetEvents(ctx, jobID, 0)
	require.NoError(t, err)
	require.Len(t, events, 5, "audit list must be trimmed to the configured bound")

	// Newest first: the last appended envelope leads.
	var first struct {
		EventID string `json:"event_id"`
	}
	require.NoError(t, json.Unmarshal(events[0], &first))
	assert.Equal(t, "evt-7", first.EventID)

	var last struct {
		EventID string `json:"event_id"`
	}
	require.NoError(t, json.Unmarshal(events[len(events)-1], &last))
	assert.Equal(t, "evt-3", last.EventID)
}

func TestGetEventsLimit(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	jobID := models.NewJob("/media/y.mkv", "en", "").JobID

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendEvent(ctx, jobID, []byte(fmt.Sprintf(`{"event_id":"e%d"}`, i))))
	}

	events, err := s.GetEvents(ctx, jobID, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestCheckpointLifecycle(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	jobID := models.NewJob("/media/z.mkv", "en", "fr").JobID

	_, err := s.GetCheckpoint(ctx, jobID)
	require.ErrorIs(t, err, ErrNotFound)

	data := []byte(`{"job_id":"` + jobID + `","chunks_total":3}`)
	require.NoError(t, s.SaveCheckpoint(ctx, jobID, data))

	got, err := s.GetCheckpoint(ctx, jobID)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(got))

	require.NoError(t, s.DeleteCheckpoint(ctx, jobID))
	_, err = s.GetCheckpoint(ctx, jobID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListRecentJobsOrder(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	first := models.NewJob("/media/a.mkv", "en", "")
	second := models.NewJob("/media/b.mkv", "en", "")
	require.NoError(t, s.CreateJob(ctx, first))
	require.NoError(t, s.CreateJob(ctx, second))

	jobs, err := s.ListRecentJobs(ctx, 200)
	require.NoError(t, err)

	// The store is shared across tests, so assert relative order only.
	posFirst, posSecond := -1, -1
	for i, j := range jobs {
		switch j.JobID {
		case first.JobID:
			posFirst = i
		case second.JobID:
			posSecond = i
		}
	}
	require.NotEqual(t, -1, posFirst, "first job missing from listing")
	require.NotEqual(t, -1, posSecond, "second job missing from listing")
	assert.Less(t, posSecond, posFirst, "newest job must come first")
}

func TestScanJobAndCheckpointIDs(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	job := models.NewJob("/media/scan.mkv", "en", "nl")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.AppendEvent(ctx, job.JobID, []byte(`{"event_type":"job.created"}`)))
	require.NoError(t, s.SaveCheckpoint(ctx, job.JobID, []byte(`{"chunks_total":2}`)))

	ids, err := s.ScanJobIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, job.JobID)
	for _, id := range ids {
		assert.NotContains(t, id, ":events", "audit list keys must not surface as jobs")
	}

	cps, err := s.ScanCheckpointJobIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, cps, job.JobID)
}

func TestDeleteJobRemovesAllState(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	job := models.NewJob("/media/delete.mkv", "en", "nl")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.AppendEvent(ctx, job.JobID, []byte(`{"event_type":"job.created"}`)))
	require.NoError(t, s.SaveCheckpoint(ctx, job.JobID, []byte(`{"chunks_total":2}`)))

	require.NoError(t, s.DeleteJob(ctx, job.JobID))

	_, err := s.GetJob(ctx, job.JobID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCheckpoint(ctx, job.JobID)
	require.ErrorIs(t, err, ErrNotFound)

	events, err := s.GetEvents(ctx, job.JobID, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	ids, err := s.ScanJobIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, job.JobID)

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteJob(ctx, job.JobID))
}
