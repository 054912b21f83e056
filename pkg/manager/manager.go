// Package manager implements the orchestrator's service logic: validating
// submissions, reserving the dedup fingerprint, creating the job record,
// queueing work, and answering status queries. The HTTP layer in pkg/api is
// a thin shell over this package.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/sublate/sublate/pkg/broker"
	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/dedup"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/metrics"
	"github.com/sublate/sublate/pkg/models"
	"github.com/sublate/sublate/pkg/store"
)

// SubmitDownloadInput is a request for a subtitle in the target language.
type SubmitDownloadInput struct {
	VideoURL       string
	TargetLanguage string
	VideoTitle     string
	IMDBID         string
}

// SubmitTranslationInput is a request to translate an existing subtitle file.
type SubmitTranslationInput struct {
	SubtitlePath   string
	SourceLanguage string
	TargetLanguage string
	VideoTitle     string
}

// SubmitResult is the outcome of a submission. Duplicate means the fingerprint
// was already reserved and JobID names the pre-existing job.
type SubmitResult struct {
	JobID     string
	Duplicate bool
}

// ComponentHealth reports one dependency's reachability.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Health is the manager's view of its dependencies.
type Health struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentHealth `json:"components"`
}

// Options carries the manager's dependencies.
type Options struct {
	Store     *store.Store
	Broker    *broker.Broker
	Dedup     *dedup.Index
	Publisher *events.Publisher
	Config    *config.Config
	Logger    *slog.Logger
}

// Service is the orchestrator core shared by the HTTP handlers.
type Service struct {
	store     *store.Store
	broker    *broker.Broker
	dedup     *dedup.Index
	publisher *events.Publisher
	cfg       *config.Config
	logger    *slog.Logger
}

// New creates the manager service.
func New(opts Options) *Service {
	if opts.Store == nil {
		panic("manager.New: Store must not be nil")
	}
	if opts.Broker == nil {
		panic("manager.New: Broker must not be nil")
	}
	if opts.Dedup == nil {
		panic("manager.New: Dedup must not be nil")
	}
	if opts.Publisher == nil {
		panic("manager.New: Publisher must not be nil")
	}
	if opts.Config == nil {
		panic("manager.New: Config must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     opts.Store,
		broker:    opts.Broker,
		dedup:     opts.Dedup,
		publisher: opts.Publisher,
		cfg:       opts.Config,
		logger:    logger,
	}
}

// SubmitDownload creates a download job and queues it for the downloader.
// A submission whose (video, language) fingerprint is already reserved
// returns the existing job id without queueing anything.
func (s *Service) SubmitDownload(ctx context.Context, input SubmitDownloadInput) (*SubmitResult, error) {
	if err := validateDownload(input); err != nil {
		return nil, err
	}

	job := models.NewJob(input.VideoURL, s.cfg.SourceLangDefault, input.TargetLanguage)
	job.VideoTitle = input.VideoTitle

	fingerprint := dedup.Fingerprint(input.VideoURL, input.TargetLanguage)
	existing, reserved, err := s.dedup.Reserve(ctx, fingerprint, job.JobID)
	if err != nil {
		return nil, unavailable(err)
	}
	if !reserved {
		metrics.DedupHitsTotal.Inc()
		s.logger.Info("Duplicate download submission",
			"video_url", input.VideoURL,
			"language", input.TargetLanguage,
			"existing_job_id", existing)
		return &SubmitResult{JobID: existing, Duplicate: true}, nil
	}

	task := models.DownloadTask{
		JobID:      job.JobID,
		VideoURL:   input.VideoURL,
		VideoTitle: input.VideoTitle,
		IMDBID:     input.IMDBID,
		Language:   input.TargetLanguage,
		CreatedAt:  job.CreatedAt,
	}
	payload := events.DownloadRequestedPayload{
		VideoURL:   input.VideoURL,
		VideoTitle: input.VideoTitle,
		IMDBID:     input.IMDBID,
		Language:   input.TargetLanguage,
	}

	err = s.enqueue(ctx, job, fingerprint, broker.QueueDownload, task, models.StatusDownloadQueued,
		func(ctx context.Context) error {
			return s.publisher.PublishDownloadRequested(ctx, job.JobID, payload)
		})
	if err != nil {
		return nil, err
	}

	metrics.JobsSubmittedTotal.WithLabelValues("download").Inc()
	s.logger.Info("Download job submitted",
		"job_id", job.JobID,
		"video_url", input.VideoURL,
		"language", input.TargetLanguage)
	return &SubmitResult{JobID: job.JobID}, nil
}

// SubmitTranslation creates a translation-only job for an existing subtitle
// file and queues it for the translator.
func (s *Service) SubmitTranslation(ctx context.Context, input SubmitTranslationInput) (*SubmitResult, error) {
	if err := validateTranslation(input); err != nil {
		return nil, err
	}

	job := models.NewJob(input.SubtitlePath, input.SourceLanguage, input.TargetLanguage)
	job.VideoTitle = input.VideoTitle

	fingerprint := dedup.Fingerprint(input.SubtitlePath, input.TargetLanguage)
	existing, reserved, err := s.dedup.Reserve(ctx, fingerprint, job.JobID)
	if err != nil {
		return nil, unavailable(err)
	}
	if !reserved {
		metrics.DedupHitsTotal.Inc()
		s.logger.Info("Duplicate translation submission",
			"subtitle_path", input.SubtitlePath,
			"target_language", input.TargetLanguage,
			"existing_job_id", existing)
		return &SubmitResult{JobID: existing, Duplicate: true}, nil
	}

	task := models.TranslationTask{
		JobID:            job.JobID,
		SubtitleFilePath: input.SubtitlePath,
		SourceLanguage:   input.SourceLanguage,
		TargetLanguage:   input.TargetLanguage,
		VideoTitle:       input.VideoTitle,
		CreatedAt:        job.CreatedAt,
	}
	payload := events.TranslateRequestedPayload{
		SubtitlePath:   input.SubtitlePath,
		SourceLanguage: input.SourceLanguage,
		TargetLanguage: input.TargetLanguage,
		VideoTitle:     input.VideoTitle,
	}

	err = s.enqueue(ctx, job, fingerprint, broker.QueueTranslate, task, models.StatusTranslateQueued,
		func(ctx context.Context) error {
			return s.publisher.PublishTranslateRequested(ctx, job.JobID, payload)
		})
	if err != nil {
		return nil, err
	}

	metrics.JobsSubmittedTotal.WithLabelValues("translation").Inc()
	s.logger.Info("Translation job submitted",
		"job_id", job.JobID,
		"subtitle_path", input.SubtitlePath,
		"source_language", input.SourceLanguage,
		"target_language", input.TargetLanguage)
	return &SubmitResult{JobID: job.JobID}, nil
}

// enqueue persists the pending job, announces it on the topic exchange,
// pushes the task onto the work queue, and moves the job to its queued
// status. Any broker or store failure before the task is safely queued
// releases the dedup reservation and fails the job so nothing is silently
// dropped.
func (s *Service) enqueue(ctx context.Context, job *models.Job, fingerprint, queue string, task any, queued models.Status, announce func(context.Context) error) error {
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.release(ctx, fingerprint)
		return unavailable(err)
	}

	if err := announce(ctx); err != nil {
		s.abort(ctx, job.JobID, fingerprint, err)
		return unavailable(err)
	}

	body, err := json.Marshal(task)
	if err != nil {
		s.abort(ctx, job.JobID, fingerprint, err)
		return fmt.Errorf("failed to marshal task for job %s: %w", job.JobID, err)
	}
	if err := s.broker.EnqueueTask(ctx, queue, body); err != nil {
		s.abort(ctx, job.JobID, fingerprint, err)
		return unavailable(err)
	}

	// The task is queued; the requested event will drive the same transition
	// through the consumer, so a failure here only delays the visible status.
	if err := s.store.UpdateStatus(ctx, job.JobID, queued, 10); err != nil {
		s.logger.Warn("Failed to mark job queued, consumer will catch up",
			"job_id", job.JobID, "error", err)
	}
	return nil
}

// abort marks the job failed and releases the fingerprint after a submission
// could not reach the work queue. Cleanup runs even when the client has
// already gone away.
func (s *Service) abort(ctx context.Context, jobID, fingerprint string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.SetErrorMessage(ctx, jobID, cause.Error()); err != nil {
		s.logger.Error("Failed to record submission failure", "job_id", jobID, "error", err)
	}
	if err := s.store.UpdateStatus(ctx, jobID, models.StatusFailed, 0); err != nil {
		s.logger.Error("Failed to mark job failed", "job_id", jobID, "error", err)
	}
	s.release(ctx, fingerprint)
}

func (s *Service) release(ctx context.Context, fingerprint string) {
	if err := s.dedup.Release(context.WithoutCancel(ctx), fingerprint); err != nil {
		s.logger.Error("Failed to release dedup reservation", "fingerprint", fingerprint, "error", err)
	}
}

// GetJob returns the job record for id.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return job, nil
}

// GetEvents returns up to limit audit envelopes for a job, newest first.
func (s *Service) GetEvents(ctx context.Context, jobID string, limit int) ([]json.RawMessage, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	entries, err := s.store.GetEvents(ctx, jobID, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return entries, nil
}

// ListJobs returns up to limit recent jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	jobs, err := s.store.ListRecentJobs(ctx, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return jobs, nil
}

// Health pings the broker and the store.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Healthy: true, Components: map[string]ComponentHealth{}}
	for name, ping := range map[string]func(context.Context) error{
		"broker": s.broker.Ping,
		"store":  s.store.Ping,
	} {
		c := ComponentHealth{Healthy: true}
		if err := ping(ctx); err != nil {
			c.Healthy = false
			c.Error = err.Error()
			h.Healthy = false
		}
		h.Components[name] = c
	}
	return h
}

func validateDownload(input SubmitDownloadInput) error {
	if strings.TrimSpace(input.VideoURL) == "" {
		return NewValidationError("video_url", "video_url is required")
	}
	if err := validateVideoURL(input.VideoURL); err != nil {
		return err
	}
	if !config.IsLangCode(input.TargetLanguage) {
		return NewValidationError("target_language", "must be a two-letter lowercase language code")
	}
	return nil
}

func validateTranslation(input SubmitTranslationInput) error {
	if strings.TrimSpace(input.SubtitlePath) == "" {
		return NewValidationError("subtitle_path", "subtitle_path is required")
	}
	if !config.IsLangCode(input.SourceLanguage) {
		return NewValidationError("source_language", "must be a two-letter lowercase language code")
	}
	if !config.IsLangCode(input.TargetLanguage) {
		return NewValidationError("target_language", "must be a two-letter lowercase language code")
	}
	if input.SourceLanguage == input.TargetLanguage {
		return NewValidationError("target_language", "target language must differ from source language")
	}
	return nil
}

// validateVideoURL checks the shape of remote URLs. Local paths pass as-is;
// whether they exist is the downloader's concern.
func validateVideoURL(raw string) error {
	if !strings.Contains(raw, "://") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return NewValidationError("video_url", "malformed URL")
	}
	switch u.Scheme {
	case "http", "https", "file", "smb", "nfs":
	default:
		return NewValidationError("video_url", fmt.Sprintf("unsupported URL scheme %q", u.Scheme))
	}
	if u.Scheme != "file" && u.Host == "" {
		return NewValidationError("video_url", "URL is missing a host")
	}
	return nil
}
