// Package scanner notices media items and turns them into download
// submissions. Four triggers feed it: a recursive filesystem watcher, a
// media-server webhook, a media-server WebSocket session, and a periodic
// library resync. Every trigger funnels through the same Submitter, which
// calls the manager API and leaves an audit trace on the resulting job.
// Duplicate detections are expected and harmless; the manager's dedup layer
// answers them with the existing job.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sublate/sublate/pkg/api"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/metrics"
)

// Submission is one detected media item on its way to the manager.
type Submission struct {
	VideoURL   string
	VideoTitle string
	ItemName   string
	// Trigger names the subcomponent that noticed the item, one of the
	// events.Trigger* labels.
	Trigger string
}

// Outcome reports what the manager did with a submission.
type Outcome struct {
	JobID     string
	Duplicate bool
}

// SubmitterOptions configures the manager loopback client.
type SubmitterOptions struct {
	// ManagerURL is the manager's base URL, e.g. http://localhost:8080.
	ManagerURL string
	// Language is the target language stamped on every submission.
	Language  string
	Publisher *events.Publisher
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Submitter posts detected media to the manager API and publishes the
// media.file.detected audit event for the job that came back.
type Submitter struct {
	baseURL   string
	language  string
	publisher *events.Publisher
	client    *http.Client
	logger    *slog.Logger
}

// NewSubmitter creates the scanner's manager client.
func NewSubmitter(opts SubmitterOptions) *Submitter {
	if opts.ManagerURL == "" {
		panic("scanner.NewSubmitter: ManagerURL must not be empty")
	}
	if opts.Publisher == nil {
		panic("scanner.NewSubmitter: Publisher must not be nil")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		baseURL:   opts.ManagerURL,
		language:  opts.Language,
		publisher: opts.Publisher,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Submit sends one detected item to the manager. A dedup hit is a success:
// the outcome carries the existing job id with Duplicate set.
func (s *Submitter) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	metrics.MediaDetectedTotal.WithLabelValues(sub.Trigger).Inc()

	body, err := json.Marshal(api.DownloadRequest{
		VideoURL:       sub.VideoURL,
		TargetLanguage: s.language,
		VideoTitle:     sub.VideoTitle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal download request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/api/v1/subtitles/download", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach manager: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manager rejected submission: %s", errorBody(resp))
	}

	var submitted api.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return nil, fmt.Errorf("failed to decode manager response: %w", err)
	}

	outcome := &Outcome{
		JobID: submitted.JobID,
		// 200 means the fingerprint was already reserved; 202 is a new job.
		Duplicate: resp.StatusCode == http.StatusOK,
	}

	if err := s.publisher.PublishMediaFileDetected(ctx, outcome.JobID, events.MediaFileDetectedPayload{
		Path:     sub.VideoURL,
		Trigger:  sub.Trigger,
		ItemName: sub.ItemName,
	}); err != nil {
		s.logger.Warn("Failed to publish media-detected event",
			"job_id", outcome.JobID, "error", err)
	}

	s.logger.Info("Media item submitted",
		"path", sub.VideoURL, "trigger", sub.Trigger,
		"job_id", outcome.JobID, "duplicate", outcome.Duplicate)
	return outcome, nil
}

// errorBody extracts the manager's error message, falling back to the HTTP
// status when the body is not the expected shape.
func errorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var er api.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			return fmt.Sprintf("%s (%s)", er.Error, resp.Status)
		}
	}
	return resp.Status
}
