package e2e

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sublate/sublate/pkg/api"
	"github.com/sublate/sublate/pkg/catalog"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/models"
	"github.com/sublate/sublate/pkg/subtitle"
)

// ────────────────────────────────────────────────────────────
// Happy paths: a subtitle that exists in the requested language, and the
// fallback-plus-translate route when it does not.
// ────────────────────────────────────────────────────────────

func TestE2E_DirectDownload(t *testing.T) {
	app := NewTestApp(t)

	body := SRTBody(t, 3)
	app.Catalog.AddSubtitle("nl", catalog.SearchResult{
		FileID:        101,
		FileName:      "The.Matrix.1999.nl.srt",
		Release:       "The.Matrix.1999.1080p.BluRay",
		DownloadCount: 4200,
		FromTrusted:   true,
	}, body)

	videoPath := filepath.Join(t.TempDir(), "The.Matrix.1999.mkv")
	jobID := app.SubmitDownload(t, videoPath, "nl")

	job := app.WaitForJobStatus(t, jobID, models.StatusDone)
	assert.Equal(t, 100, job.ProgressPercentage)
	assert.Empty(t, job.ErrorMessage)

	// The artifact lands next to the video as a language-tagged sidecar.
	wantPath := filepath.Join(filepath.Dir(videoPath), "The.Matrix.1999.nl.srt")
	assert.Equal(t, wantPath, job.ResultPath)
	written, err := os.ReadFile(wantPath)
	require.NoError(t, err)
	assert.Equal(t, body, written)

	kinds := app.EventKinds(t, jobID)
	assert.Contains(t, kinds, events.KindDownloadRequested)
	assert.Contains(t, kinds, events.KindDownloadInProgress)
	assert.Contains(t, kinds, events.KindSubtitleReady)
	assert.NotContains(t, kinds, events.KindTranslateRequested)

	// No translation was involved.
	assert.Zero(t, app.Translator.Calls())
}

func TestE2E_FallbackTranslation(t *testing.T) {
	app := NewTestApp(t)

	// Only an English subtitle exists; the requested Dutch one does not.
	app.Catalog.AddSubtitle("en", catalog.SearchResult{
		FileID:        202,
		FileName:      "Alien.1979.en.srt",
		DownloadCount: 900,
	}, SRTBody(t, 4))

	videoPath := filepath.Join(t.TempDir(), "Alien.1979.mkv")
	jobID := app.SubmitDownload(t, videoPath, "nl")

	job := app.WaitForJobStatus(t, jobID, models.StatusDone)
	assert.Equal(t, 100, job.ProgressPercentage)
	assert.Empty(t, job.ErrorMessage)

	// Fallback input and translated output both live under the storage
	// root; intermediates never land next to the video.
	wantInput := filepath.Join(app.Config.StorageRoot, jobID+".en.srt")
	wantOutput := filepath.Join(app.Config.StorageRoot, jobID+".nl.srt")
	assert.FileExists(t, wantInput)
	assert.Equal(t, wantOutput, job.ResultPath)

	segments, err := subtitle.ParseFile(wantOutput)
	require.NoError(t, err)
	require.Len(t, segments, 4)
	for _, seg := range segments {
		assert.True(t, strings.HasPrefix(seg.Text, "[nl] "),
			"segment %d not translated: %q", seg.ID, seg.Text)
	}

	kinds := app.EventKinds(t, jobID)
	assert.Contains(t, kinds, events.KindTranslateRequested)
	assert.Contains(t, kinds, events.KindTranslateInProgress)
	assert.Contains(t, kinds, events.KindTranslationCompleted)
	assert.NotContains(t, kinds, events.KindSubtitleReady)

	// Four short cues fit one default chunk: one model call.
	assert.Equal(t, 1, app.Translator.Calls())
}

func TestE2E_ManagerHealth(t *testing.T) {
	app := NewTestApp(t, WithoutWorkers())

	var health api.HealthResponse
	status := app.getJSON(t, "/health", &health)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Components["broker"].Healthy)
	assert.True(t, health.Components["store"].Healthy)
}
