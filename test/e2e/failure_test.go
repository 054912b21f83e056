package e2e

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sublate/sublate/pkg/catalog"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Terminal failures: provider throttling and the no-subtitle-anywhere
// case both finish the job instead of looping in the queue.
// ────────────────────────────────────────────────────────────

func TestE2E_CatalogRateLimited(t *testing.T) {
	app := NewTestApp(t)
	app.Catalog.FailSearch("nl", catalog.ErrRateLimited)

	videoPath := filepath.Join(t.TempDir(), "Heat.1995.mkv")
	jobID := app.SubmitDownload(t, videoPath, "nl")

	job := app.WaitForJobStatus(t, jobID, models.StatusFailed)
	assert.Contains(t, job.ErrorMessage, "rate_limit")
	assert.Contains(t, job.ErrorMessage, "rate limit exceeded")

	// Throttling is terminal, not retryable: one search, no second swing.
	assert.Equal(t, 1, app.Catalog.Searches("nl"))
	assert.Contains(t, app.EventKinds(t, jobID), events.KindJobFailed)
}

func TestE2E_SubtitleNotFoundAnywhere(t *testing.T) {
	// An empty catalog: the requested language misses, the fallback misses.
	app := NewTestApp(t)

	videoPath := filepath.Join(t.TempDir(), "Stalker.1979.mkv")
	jobID := app.SubmitDownload(t, videoPath, "nl")

	job := app.WaitForJobStatus(t, jobID, models.StatusFailed)
	assert.Contains(t, job.ErrorMessage, "subtitle_not_found")
	assert.Contains(t, job.ErrorMessage, "no nl or en subtitle found")

	assert.Equal(t, 1, app.Catalog.Searches("nl"))
	assert.Equal(t, 1, app.Catalog.Searches("en"))
	assert.Zero(t, app.Translator.Calls(), "nothing to translate, nothing translated")
}

func TestE2E_NoTranslationPathWhenDisabled(t *testing.T) {
	// A fallback subtitle exists, but with auto-translate off it is never
	// even searched for.
	app := NewTestApp(t, WithoutAutoTranslate())
	app.Catalog.AddSubtitle("en", catalog.SearchResult{FileID: 401, FromTrusted: true}, SRTBody(t, 2))

	videoPath := filepath.Join(t.TempDir(), "Ran.1985.mkv")
	jobID := app.SubmitDownload(t, videoPath, "nl")

	job := app.WaitForJobStatus(t, jobID, models.StatusFailed)
	assert.Contains(t, job.ErrorMessage, "no nl subtitle found")

	assert.Zero(t, app.Catalog.Searches("en"))
	assert.Zero(t, app.Translator.Calls())
}
