// Package downloader executes subtitle.download tasks: it searches the
// subtitle catalog in tiers (file hash, IMDB id, title), downloads the best
// candidate, and either finishes the job with a ready artifact or hands it
// to the translation stage via the fallback language.
package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sublate/sublate/pkg/broker"
	"github.com/sublate/sublate/pkg/catalog"
	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/dedup"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/models"
	"github.com/sublate/sublate/pkg/queue"
)

// TaskEnqueuer sends follow-up work to a task queue. *broker.Broker
// satisfies it.
type TaskEnqueuer interface {
	EnqueueTask(ctx context.Context, queue string, body []byte) error
}

// Executor implements queue.TaskExecutor for the subtitle.download queue.
type Executor struct {
	catalog   catalog.Catalog
	publisher *events.Publisher
	tasks     TaskEnqueuer
	dedup     *dedup.Index
	cfg       *config.Config
	logger    *slog.Logger
}

// ExecutorOptions carries the downloader executor's dependencies.
type ExecutorOptions struct {
	Catalog   catalog.Catalog
	Publisher *events.Publisher
	Tasks     TaskEnqueuer
	Dedup     *dedup.Index
	Config    *config.Config
	Logger    *slog.Logger
}

// NewExecutor creates a download task executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Catalog == nil {
		panic("downloader.NewExecutor: Catalog must not be nil")
	}
	if opts.Publisher == nil {
		panic("downloader.NewExecutor: Publisher must not be nil")
	}
	if opts.Tasks == nil {
		panic("downloader.NewExecutor: Tasks must not be nil")
	}
	if opts.Config == nil {
		panic("downloader.NewExecutor: Config must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		catalog:   opts.Catalog,
		publisher: opts.Publisher,
		tasks:     opts.Tasks,
		dedup:     opts.Dedup,
		cfg:       opts.Config,
		logger:    logger,
	}
}

// Execute processes one download task end to end. Terminal outcomes, including
// "no subtitle exists" and "provider throttled us", complete the task after
// publishing the corresponding failure event; only infrastructure trouble
// goes back to the queue.
func (e *Executor) Execute(ctx context.Context, body []byte) *queue.ExecutionResult {
	var task models.DownloadTask
	if err := json.Unmarshal(body, &task); err != nil {
		e.logger.Error("Dropping malformed download task", "error", err)
		return queue.Reject(fmt.Errorf("failed to unmarshal download task: %w", err))
	}
	logger := e.logger.With("job_id", task.JobID, "language", task.Language)

	if err := e.publisher.PublishDownloadInProgress(ctx, task.JobID, events.DownloadInProgressPayload{
		Language: task.Language,
	}); err != nil {
		// Broker trouble: no point searching when results cannot be reported.
		logger.Warn("Failed to publish in-progress event", "error", err)
		return e.retryOrFail(ctx, task, err)
	}
	e.refreshDedup(ctx, task)

	result, err := e.search(ctx, task, task.Language)
	switch {
	case err == nil:
		return e.deliver(ctx, task, *result, logger)

	case errors.Is(err, catalog.ErrRateLimited):
		logger.Warn("Catalog rate limited, failing job without retry")
		e.failJob(ctx, task.JobID, events.ErrorTypeRateLimit, "subtitle catalog rate limit exceeded")
		return queue.Completed()

	case errors.Is(err, catalog.ErrNotFound):
		return e.fallback(ctx, task, logger)

	default:
		logger.Warn("Catalog search failed", "error", err)
		return e.retryOrFail(ctx, task, err)
	}
}

// deliver downloads the chosen candidate and finishes the job with a
// subtitle.ready event.
func (e *Executor) deliver(ctx context.Context, task models.DownloadTask, result catalog.SearchResult, logger *slog.Logger) *queue.ExecutionResult {
	data, err := e.catalog.Download(ctx, result)
	if err != nil {
		if errors.Is(err, catalog.ErrRateLimited) {
			logger.Warn("Catalog rate limited during download, failing job")
			e.failJob(ctx, task.JobID, events.ErrorTypeRateLimit, "subtitle catalog rate limit exceeded")
			return queue.Completed()
		}
		logger.Warn("Subtitle download failed", "error", err)
		return e.retryOrFail(ctx, task, err)
	}

	path, err := e.writeSubtitle(task, task.Language, data)
	if err != nil {
		logger.Error("Failed to write subtitle file", "error", err)
		return e.retryOrFail(ctx, task, err)
	}

	e.refreshDedup(ctx, task)
	if err := e.publisher.PublishSubtitleReady(ctx, task.JobID, events.SubtitleReadyPayload{
		SubtitlePath: path,
		Language:     task.Language,
	}); err != nil {
		logger.Error("Failed to publish ready event", "error", err)
		return e.retryOrFail(ctx, task, err)
	}

	logger.Info("Subtitle ready", "path", path, "release", result.Release)
	return queue.Completed()
}

// fallback runs the search again in the configured fallback language and, on
// a hit, hands the job to the translation stage.
func (e *Executor) fallback(ctx context.Context, task models.DownloadTask, logger *slog.Logger) *queue.ExecutionResult {
	if !e.cfg.AutoTranslate || e.cfg.FallbackLang == task.Language {
		logger.Info("No subtitle found and no translation path available")
		e.failJob(ctx, task.JobID, events.ErrorTypeSubtitleNotFound,
			fmt.Sprintf("no %s subtitle found", task.Language))
		return queue.Completed()
	}

	logger.Info("No subtitle in requested language, trying fallback", "fallback", e.cfg.FallbackLang)
	result, err := e.search(ctx, task, e.cfg.FallbackLang)
	switch {
	case errors.Is(err, catalog.ErrRateLimited):
		e.failJob(ctx, task.JobID, events.ErrorTypeRateLimit, "subtitle catalog rate limit exceeded")
		return queue.Completed()

	case errors.Is(err, catalog.ErrNotFound):
		logger.Info("No subtitle found in any language")
		e.failJob(ctx, task.JobID, events.ErrorTypeSubtitleNotFound,
			fmt.Sprintf("no %s or %s subtitle found", task.Language, e.cfg.FallbackLang))
		return queue.Completed()

	case err != nil:
		logger.Warn("Fallback search failed", "error", err)
		return e.retryOrFail(ctx, task, err)
	}

	data, err := e.catalog.Download(ctx, *result)
	if err != nil {
		if errors.Is(err, catalog.ErrRateLimited) {
			e.failJob(ctx, task.JobID, events.ErrorTypeRateLimit, "subtitle catalog rate limit exceeded")
			return queue.Completed()
		}
		logger.Warn("Fallback subtitle download failed", "error", err)
		return e.retryOrFail(ctx, task, err)
	}

	// The fallback artifact is translator input, not a deliverable: it always
	// lands detached under the storage root.
	path, err := e.writeDetached(task.JobID, e.cfg.FallbackLang, data)
	if err != nil {
		logger.Error("Failed to write fallback subtitle", "error", err)
		return e.retryOrFail(ctx, task, err)
	}

	translation := models.TranslationTask{
		JobID:            task.JobID,
		SubtitleFilePath: path,
		SourceLanguage:   e.cfg.FallbackLang,
		TargetLanguage:   task.Language,
		VideoTitle:       task.VideoTitle,
		CreatedAt:        models.Now(),
	}
	taskBody, err := json.Marshal(translation)
	if err != nil {
		return queue.Reject(fmt.Errorf("failed to marshal translation task: %w", err))
	}

	if err := e.publisher.PublishTranslateRequested(ctx, task.JobID, events.TranslateRequestedPayload{
		SubtitlePath:   path,
		SourceLanguage: e.cfg.FallbackLang,
		TargetLanguage: task.Language,
		VideoTitle:     task.VideoTitle,
	}); err != nil {
		logger.Error("Failed to publish translate-requested event", "error", err)
		return e.retryOrFail(ctx, task, err)
	}
	if err := e.tasks.EnqueueTask(ctx, broker.QueueTranslate, taskBody); err != nil {
		logger.Error("Failed to enqueue translation task", "error", err)
		return e.retryOrFail(ctx, task, err)
	}

	e.refreshDedup(ctx, task)
	logger.Info("Fallback subtitle queued for translation",
		"source", e.cfg.FallbackLang, "path", path)
	return queue.Completed()
}

// search runs the tiered lookup in one language, short-circuiting on the
// first tier with candidates. It returns catalog.ErrNotFound when every tier
// comes up empty.
func (e *Executor) search(ctx context.Context, task models.DownloadTask, language string) (*catalog.SearchResult, error) {
	if localPath, ok := localVideoPath(task.VideoURL); ok {
		hash, size, err := catalog.HashFile(localPath)
		switch {
		case err == nil:
			e.logger.Debug("Searching by moviehash", "hash", hash, "size", size)
			results, err := e.catalog.SearchByHash(ctx, hash, language)
			if err != nil && !errors.Is(err, catalog.ErrNotFound) {
				return nil, err
			}
			if len(results) > 0 {
				catalog.Rank(results)
				return &results[0], nil
			}
		case errors.Is(err, catalog.ErrFileTooSmall), errors.Is(err, os.ErrNotExist):
			e.logger.Debug("Skipping hash search", "reason", err)
		default:
			e.logger.Warn("Failed to hash video, falling back to metadata search", "error", err)
		}
	}

	if task.IMDBID != "" {
		results, err := e.catalog.SearchByMetadata(ctx, catalog.Query{IMDBID: task.IMDBID}, language)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return nil, err
		}
		if len(results) > 0 {
			catalog.Rank(results)
			return &results[0], nil
		}
	}

	title := task.VideoTitle
	if title == "" {
		title = titleFromPath(task.VideoURL)
	}
	results, err := e.catalog.SearchByMetadata(ctx, catalog.Query{Title: title}, language)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		catalog.Rank(results)
		return &results[0], nil
	}
	return nil, catalog.ErrNotFound
}

// writeSubtitle stores the artifact next to a local video, falling back to
// the detached storage root when the video is remote or its directory is not
// writable.
func (e *Executor) writeSubtitle(task models.DownloadTask, language string, data []byte) (string, error) {
	if localPath, ok := localVideoPath(task.VideoURL); ok {
		path := sidecarPath(localPath, language)
		err := os.WriteFile(path, data, 0o644)
		if err == nil {
			return path, nil
		}
		e.logger.Warn("Cannot write next to video, using storage root",
			"path", path, "error", err)
	}
	return e.writeDetached(task.JobID, language, data)
}

func (e *Executor) writeDetached(jobID, language string, data []byte) (string, error) {
	if err := os.MkdirAll(e.cfg.StorageRoot, 0o755); err != nil {
		return "", fmt.Errorf("failed to create storage root: %w", err)
	}
	path := filepath.Join(e.cfg.StorageRoot, fmt.Sprintf("%s.%s.srt", jobID, language))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write subtitle: %w", err)
	}
	return path, nil
}

// retryOrFail sends the task back with an incremented retry counter, or
// fails the job and dead-letters the delivery once the cap is reached.
func (e *Executor) retryOrFail(ctx context.Context, task models.DownloadTask, cause error) *queue.ExecutionResult {
	if task.RetryCount >= e.cfg.QueueMaxRetries {
		e.logger.Error("Download retries exhausted",
			"job_id", task.JobID, "retry_count", task.RetryCount, "error", cause)
		e.failJob(ctx, task.JobID, events.ErrorTypeInternal,
			fmt.Sprintf("download failed after %d attempts: %v", task.RetryCount+1, cause))
		return queue.Reject(cause)
	}

	task.RetryCount++
	body, err := json.Marshal(task)
	if err != nil {
		return queue.Reject(fmt.Errorf("failed to marshal retry task: %w", err))
	}
	return queue.Retry(body, cause)
}

func (e *Executor) failJob(ctx context.Context, jobID, errorType, message string) {
	err := e.publisher.PublishJobFailed(context.WithoutCancel(ctx), jobID, events.JobFailedPayload{
		ErrorType: errorType,
		Error:     message,
	})
	if err != nil {
		e.logger.Error("Failed to publish job-failed event", "job_id", jobID, "error", err)
	}
}

func (e *Executor) refreshDedup(ctx context.Context, task models.DownloadTask) {
	if e.dedup == nil {
		return
	}
	fp := dedup.Fingerprint(task.VideoURL, task.Language)
	if err := e.dedup.Refresh(ctx, fp); err != nil {
		e.logger.Warn("Failed to refresh dedup reservation", "job_id", task.JobID, "error", err)
	}
}

// localVideoPath extracts a filesystem path from the video locator. Plain
// paths and file:// URLs are local; anything else with a scheme is remote.
func localVideoPath(videoURL string) (string, bool) {
	if !strings.Contains(videoURL, "://") {
		return videoURL, true
	}
	if u, err := url.Parse(videoURL); err == nil && u.Scheme == "file" {
		return u.Path, true
	}
	return "", false
}

// sidecarPath names the subtitle file next to its video:
// /media/show/ep1.mkv + nl -> /media/show/ep1.nl.srt.
func sidecarPath(videoPath, language string) string {
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	return filepath.Join(filepath.Dir(videoPath), base+"."+language+".srt")
}

// titleFromPath guesses a searchable title from the video locator when the
// task carries none.
func titleFromPath(videoURL string) string {
	path := videoURL
	if u, err := url.Parse(videoURL); err == nil && u.Path != "" {
		path = u.Path
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Service runs the downloader's worker pool.
type Service struct {
	pool *queue.WorkerPool
}

// NewService wires a download executor into a worker pool sized by
// WORKER_COUNT with prefetch 1.
func NewService(b *broker.Broker, cat catalog.Catalog, idx *dedup.Index, cfg *config.Config, logger *slog.Logger) *Service {
	executor := NewExecutor(ExecutorOptions{
		Catalog:   cat,
		Publisher: events.NewPublisher(b, "downloader"),
		Tasks:     b,
		Dedup:     idx,
		Config:    cfg,
		Logger:    logger,
	})
	return &Service{
		pool: queue.NewWorkerPool(queue.PoolOptions{
			Queue:       broker.QueueDownload,
			WorkerCount: cfg.WorkerCount,
			Prefetch:    1,
			TaskTimeout: cfg.TaskTimeout,
			Broker:      b,
			Executor:    executor,
			Logger:      logger,
		}),
	}
}

// Start begins consuming download tasks.
func (s *Service) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Stop drains in-flight tasks and closes the consumers.
func (s *Service) Stop() {
	s.pool.Stop()
}

// Health reports the worker pool's health.
func (s *Service) Health() *queue.PoolHealth {
	return s.pool.Health()
}
