package scanner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sublate/sublate/pkg/api"
	"github.com/sublate/sublate/pkg/events"
)

// managerStub plays the manager's submission endpoint: 202 for a new
// video+language pair, 200 with the original job id for a repeat.
type managerStub struct {
	mu       sync.Mutex
	requests []api.DownloadRequest
	jobIDs   map[string]string
	fail     bool
	srv      *httptest.Server
}

func newManagerStub(t *testing.T) *managerStub {
	t.Helper()
	m := &managerStub{jobIDs: make(map[string]string)}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *managerStub) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/api/v1/subtitles/download" {
		http.NotFound(w, r)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	if m.fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "queue unavailable"})
		return
	}

	var req api.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: err.Error()})
		return
	}
	m.requests = append(m.requests, req)

	key := req.VideoURL + "|" + req.TargetLanguage
	if jobID, ok := m.jobIDs[key]; ok {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(api.SubmitResponse{JobID: jobID, Status: "duplicate"})
		return
	}

	jobID := uuid.NewString()
	m.jobIDs[key] = jobID
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(api.SubmitResponse{JobID: jobID, Status: "queued"})
}

func (m *managerStub) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *managerStub) videoURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	urls := make([]string, len(m.requests))
	for i, req := range m.requests {
		urls[i] = req.VideoURL
	}
	return urls
}

func (m *managerStub) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

type sinkEvent struct {
	kind string
	body []byte
}

type eventSink struct {
	mu        sync.Mutex
	published []sinkEvent
}

func (s *eventSink) PublishEvent(_ context.Context, routingKey string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, sinkEvent{kind: routingKey, body: body})
	return nil
}

func (s *eventSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.published))
	for i, e := range s.published {
		out[i] = e.kind
	}
	return out
}

func (s *eventSink) lastBody(t *testing.T) []byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.published)
	return s.published[len(s.published)-1].body
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSubmitter(t *testing.T, m *managerStub) (*Submitter, *eventSink) {
	t.Helper()
	sink := &eventSink{}
	sub := NewSubmitter(SubmitterOptions{
		ManagerURL: m.srv.URL,
		Language:   "nl",
		Publisher:  events.NewPublisher(sink, "scanner"),
		Logger:     discardLogger(),
	})
	return sub, sink
}

func TestSubmitterNewJob(t *testing.T) {
	m := newManagerStub(t)
	sub, sink := newTestSubmitter(t, m)

	outcome, err := sub.Submit(context.Background(), Submission{
		VideoURL:   "/media/movies/Night Train (2024)/night.train.mkv",
		VideoTitle: "Night Train",
		ItemName:   "Night Train",
		Trigger:    events.TriggerWatcher,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.JobID)
	assert.False(t, outcome.Duplicate)

	require.Equal(t, 1, m.count())
	assert.Equal(t, "nl", m.requests[0].TargetLanguage)
	assert.Equal(t, "Night Train", m.requests[0].VideoTitle)

	require.Equal(t, []string{events.KindMediaFileDetected}, sink.kinds())
	env, payload, err := events.Unwrap[events.MediaFileDetectedPayload](sink.lastBody(t))
	require.NoError(t, err)
	assert.Equal(t, outcome.JobID, env.JobID)
	assert.Equal(t, "scanner", env.Source)
	assert.Equal(t, events.TriggerWatcher, payload.Trigger)
	assert.Equal(t, "/media/movies/Night Train (2024)/night.train.mkv", payload.Path)
}

func TestSubmitterDuplicate(t *testing.T) {
	m := newManagerStub(t)
	sub, sink := newTestSubmitter(t, m)
	ctx := context.Background()

	first, err := sub.Submit(ctx, Submission{VideoURL: "/media/a.mkv", Trigger: events.TriggerWebhook})
	require.NoError(t, err)
	second, err := sub.Submit(ctx, Submission{VideoURL: "/media/a.mkv", Trigger: events.TriggerResync})
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.JobID, second.JobID)

	// Both detections leave an audit trace on the same job.
	assert.Equal(t, []string{events.KindMediaFileDetected, events.KindMediaFileDetected}, sink.kinds())
}

func TestSubmitterManagerError(t *testing.T) {
	m := newManagerStub(t)
	m.setFail(true)
	sub, sink := newTestSubmitter(t, m)

	_, err := sub.Submit(context.Background(), Submission{VideoURL: "/media/a.mkv", Trigger: events.TriggerWatcher})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue unavailable")
	assert.Empty(t, sink.kinds(), "no audit event without a job to attach it to")
}

func TestSubmitterManagerUnreachable(t *testing.T) {
	m := newManagerStub(t)
	url := m.srv.URL
	m.srv.Close()

	sink := &eventSink{}
	sub := NewSubmitter(SubmitterOptions{
		ManagerURL: url,
		Language:   "nl",
		Publisher:  events.NewPublisher(sink, "scanner"),
		Logger:     discardLogger(),
	})

	_, err := sub.Submit(context.Background(), Submission{VideoURL: "/media/a.mkv", Trigger: events.TriggerWatcher})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach manager")
}
