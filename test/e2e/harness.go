// Package e2e boots the whole pipeline in one process, real RabbitMQ and
// Redis included, and drives it the way production clients do: over the
// manager's HTTP API and the broker's queues. Only the two external
// dependencies with money attached, the subtitle catalog and the translation
// model, are replaced by scripted stand-ins.
//
// The broker and store containers are shared across the package, so tests
// isolate themselves through unique video paths and job ids rather than by
// flushing state.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sublate/sublate/pkg/api"
	"github.com/sublate/sublate/pkg/broker"
	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/consumer"
	"github.com/sublate/sublate/pkg/dedup"
	"github.com/sublate/sublate/pkg/downloader"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/manager"
	"github.com/sublate/sublate/pkg/models"
	"github.com/sublate/sublate/pkg/store"
	"github.com/sublate/sublate/pkg/subtitle"
	"github.com/sublate/sublate/pkg/translate"
	"github.com/sublate/sublate/test/util"
)

// TestApp is one complete pipeline instance: manager API, event consumer,
// and optionally the downloader and translator workers.
type TestApp struct {
	Config *config.Config
	Store  *store.Store
	Broker *broker.Broker

	// Scripted stand-ins for the external services.
	Catalog    *ScriptedCatalog
	Translator *ScriptedTranslator

	// BaseURL is the manager API, e.g. "http://127.0.0.1:54321".
	BaseURL string

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	workers bool
	tweaks  []func(*config.Config)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithoutWorkers boots only the manager and the event consumer. Tests that
// publish events by hand use this so no worker races them for queue
// deliveries.
func WithoutWorkers() TestAppOption {
	return func(c *testAppConfig) { c.workers = false }
}

// WithChunkCap caps translation chunks at n segments, so a test can force a
// known chunk layout from a small fixture file.
func WithChunkCap(n int) TestAppOption {
	return func(c *testAppConfig) {
		c.tweaks = append(c.tweaks, func(cfg *config.Config) {
			cfg.Translation.MaxSegmentsPerChunk = n
		})
	}
}

// WithSerialTranslation forces one chunk in flight at a time, making the
// order of chunk completions deterministic.
func WithSerialTranslation() TestAppOption {
	return func(c *testAppConfig) {
		c.tweaks = append(c.tweaks, func(cfg *config.Config) {
			cfg.Translation.ModelTier = "low"
			cfg.Translation.ParallelRequests = 1
		})
	}
}

// WithoutAutoTranslate disables the fallback-language translation path.
func WithoutAutoTranslate() TestAppOption {
	return func(c *testAppConfig) {
		c.tweaks = append(c.tweaks, func(cfg *config.Config) {
			cfg.AutoTranslate = false
		})
	}
}

// NewTestApp starts a full pipeline instance against the shared containers.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	util.SkipIfShort(t)

	tc := &testAppConfig{workers: true}
	for _, opt := range opts {
		opt(tc)
	}

	cfg := config.Default()
	cfg.BrokerURL = util.SharedBrokerURL(t)
	cfg.StoreURL = util.SharedStoreURL(t)
	cfg.StorageRoot = t.TempDir()
	for _, tweak := range tc.tweaks {
		tweak(cfg)
	}

	logger := discardLogger()
	ctx := context.Background()

	st, err := store.Connect(ctx, store.Options{
		URL:             cfg.StoreURL,
		AuditMaxEntries: cfg.AuditMaxEntries,
		Logger:          logger,
	})
	require.NoError(t, err)

	b, err := broker.Connect(ctx, cfg.BrokerURL, logger)
	require.NoError(t, err)
	require.NoError(t, b.DeclareTopology())

	cat := NewScriptedCatalog()
	translator := NewScriptedTranslator()
	idx := dedup.New(st.Redis(), cfg.DedupTTL, logger)

	// Consumer first, so no event published during the test sits unclaimed.
	consumerSvc := consumer.NewService(b, st, logger)
	require.NoError(t, consumerSvc.Start(ctx))

	var downloaderSvc *downloader.Service
	var translatorSvc *translate.Service
	if tc.workers {
		downloaderSvc = downloader.NewService(b, cat, idx, cfg, logger)
		require.NoError(t, downloaderSvc.Start(ctx))
		translatorSvc = translate.NewService(b, translator, st, idx, cfg, logger)
		require.NoError(t, translatorSvc.Start(ctx))
	}

	registry := prometheus.NewRegistry()
	mgr := manager.New(manager.Options{
		Store:     st,
		Broker:    b,
		Dedup:     idx,
		Publisher: events.NewPublisher(b, "manager"),
		Config:    cfg,
		Logger:    logger,
	})
	srv := api.NewServer(api.Options{
		Service:  mgr,
		Registry: registry,
		Logger:   logger,
	})
	httpSrv := httptest.NewServer(srv.Handler())

	app := &TestApp{
		Config:     cfg,
		Store:      st,
		Broker:     b,
		Catalog:    cat,
		Translator: translator,
		BaseURL:    httpSrv.URL,
		t:          t,
	}

	// Reverse-creation order. Workers drain their in-flight task before the
	// broker connection goes away.
	t.Cleanup(func() {
		httpSrv.Close()
		if translatorSvc != nil {
			translatorSvc.Stop()
		}
		if downloaderSvc != nil {
			downloaderSvc.Stop()
		}
		consumerSvc.Stop()
		_ = b.Close()
		_ = st.Close()
	})

	return app
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ────────────────────────────────────────────────────────────
// HTTP client helpers
// ────────────────────────────────────────────────────────────

// postJSON sends a POST with a JSON body, decodes the response into out when
// out is non-nil, and returns the status code for the caller to assert.
func (app *TestApp) postJSON(t *testing.T, path string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(app.BaseURL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out),
			"POST %s: undecodable response body", path)
	}
	return resp.StatusCode
}

func (app *TestApp) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(app.BaseURL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out),
			"GET %s: undecodable response body", path)
	}
	return resp.StatusCode
}

// SubmitDownload posts a download request and requires the queued response.
func (app *TestApp) SubmitDownload(t *testing.T, videoURL, language string) string {
	t.Helper()
	var resp api.SubmitResponse
	status := app.postJSON(t, "/api/v1/subtitles/download",
		api.DownloadRequest{VideoURL: videoURL, TargetLanguage: language}, &resp)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, "queued", resp.Status)
	require.NotEmpty(t, resp.JobID)
	return resp.JobID
}

// SubmitTranslation posts a translation request and requires the queued
// response.
func (app *TestApp) SubmitTranslation(t *testing.T, subtitlePath, source, target string) string {
	t.Helper()
	var resp api.SubmitResponse
	status := app.postJSON(t, "/api/v1/subtitles/translate",
		api.TranslationRequest{
			SubtitlePath:   subtitlePath,
			SourceLanguage: source,
			TargetLanguage: target,
		}, &resp)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, "queued", resp.Status)
	require.NotEmpty(t, resp.JobID)
	return resp.JobID
}

// GetJob fetches a job record through the API.
func (app *TestApp) GetJob(t *testing.T, jobID string) *models.Job {
	t.Helper()
	var job models.Job
	status := app.getJSON(t, "/api/v1/jobs/"+jobID, &job)
	require.Equal(t, http.StatusOK, status)
	return &job
}

// JobEvents fetches the job's audit envelopes through the API, newest first.
func (app *TestApp) JobEvents(t *testing.T, jobID string) []events.Envelope {
	t.Helper()
	var resp api.JobEventsResponse
	status := app.getJSON(t, "/api/v1/jobs/"+jobID+"/events?limit=100", &resp)
	require.Equal(t, http.StatusOK, status)

	envs := make([]events.Envelope, 0, len(resp.Events))
	for _, raw := range resp.Events {
		env, err := events.UnwrapEnvelope(raw)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

// EventKinds returns the event types on the job's audit trail, newest first.
func (app *TestApp) EventKinds(t *testing.T, jobID string) []string {
	t.Helper()
	envs := app.JobEvents(t, jobID)
	kinds := make([]string, len(envs))
	for i, env := range envs {
		kinds[i] = env.EventType
	}
	return kinds
}

// ────────────────────────────────────────────────────────────
// Polling helpers
// ────────────────────────────────────────────────────────────

// WaitForJobStatus polls the job record until it reaches one of the expected
// statuses. Polling goes straight to the store, the same records the API
// serves.
func (app *TestApp) WaitForJobStatus(t *testing.T, jobID string, expected ...models.Status) *models.Job {
	t.Helper()
	var last *models.Job
	require.Eventually(t, func() bool {
		job, err := app.Store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		last = job
		return slices.Contains(expected, job.Status)
	}, 30*time.Second, 100*time.Millisecond,
		"job %s did not reach %v (last: %+v)", jobID, expected, last)
	return last
}

// HasEventKind reports whether the job's audit trail contains kind. It never
// fails the test, so it is safe inside Eventually conditions.
func (app *TestApp) HasEventKind(jobID, kind string) bool {
	entries, err := app.Store.GetEvents(context.Background(), jobID, 100)
	if err != nil {
		return false
	}
	for _, raw := range entries {
		env, err := events.UnwrapEnvelope(raw)
		if err == nil && env.EventType == kind {
			return true
		}
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Fixtures
// ────────────────────────────────────────────────────────────

// WriteSRT writes n sequential cues to path and returns them.
func WriteSRT(t *testing.T, path string, n int) []subtitle.Segment {
	t.Helper()
	segments := make([]subtitle.Segment, n)
	for i := range segments {
		start := time.Duration(i) * 3 * time.Second
		segments[i] = subtitle.Segment{
			ID:    i + 1,
			Start: start,
			End:   start + 2*time.Second,
			Text:  fmt.Sprintf("Line %d", i+1),
		}
	}
	require.NoError(t, subtitle.WriteFile(path, segments))
	return segments
}

// SRTBody renders n sequential cues as raw SRT bytes, the shape a catalog
// download returns.
func SRTBody(t *testing.T, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	for i := 1; i <= n; i++ {
		start := time.Duration(i-1) * 3 * time.Second
		fmt.Fprintf(&buf, "%d\n%s --> %s\nLine %d\n\n",
			i,
			subtitle.FormatTimestamp(start),
			subtitle.FormatTimestamp(start+2*time.Second),
			i)
	}
	return buf.Bytes()
}
