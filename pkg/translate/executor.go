package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sublate/sublate/pkg/broker"
	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/dedup"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/models"
	"github.com/sublate/sublate/pkg/queue"
	"github.com/sublate/sublate/pkg/subtitle"
)

// Executor implements queue.TaskExecutor for the subtitle.translate queue.
type Executor struct {
	engine    *Engine
	publisher *events.Publisher
	dedup     *dedup.Index
	cfg       *config.Config
	logger    *slog.Logger
}

// ExecutorOptions carries the translator executor's dependencies.
type ExecutorOptions struct {
	Engine    *Engine
	Publisher *events.Publisher
	Dedup     *dedup.Index
	Config    *config.Config
	Logger    *slog.Logger
}

// NewExecutor creates a translation task executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Engine == nil {
		panic("translate.NewExecutor: Engine must not be nil")
	}
	if opts.Publisher == nil {
		panic("translate.NewExecutor: Publisher must not be nil")
	}
	if opts.Config == nil {
		panic("translate.NewExecutor: Config must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		engine:    opts.Engine,
		publisher: opts.Publisher,
		dedup:     opts.Dedup,
		cfg:       opts.Config,
		logger:    logger,
	}
}

// Execute processes one translation task end to end. Unusable input and
// chunks that exhausted their model retries finish the job with a
// translation-failed event; the checkpoint survives so a resubmission
// resumes instead of retranslating. Only infrastructure trouble goes back
// to the queue.
func (e *Executor) Execute(ctx context.Context, body []byte) *queue.ExecutionResult {
	var task models.TranslationTask
	if err := json.Unmarshal(body, &task); err != nil {
		e.logger.Error("Dropping malformed translation task", "error", err)
		return queue.Reject(fmt.Errorf("failed to unmarshal translation task: %w", err))
	}
	logger := e.logger.With("job_id", task.JobID,
		"source", task.SourceLanguage, "target", task.TargetLanguage)

	if err := e.publisher.PublishTranslateInProgress(ctx, task.JobID, events.TranslateInProgressPayload{
		SourceLanguage: task.SourceLanguage,
		TargetLanguage: task.TargetLanguage,
	}); err != nil {
		// Broker trouble: no point burning model tokens when the result
		// cannot be reported.
		logger.Warn("Failed to publish in-progress event", "error", err)
		return e.retryOrFail(ctx, task, err)
	}
	e.refreshDedup(ctx, task)

	result, err := e.translate(ctx, task)
	switch {
	case err == nil:

	case ctx.Err() != nil:
		// Shutdown or task timeout interrupted the run. Finished chunks are
		// checkpointed, so the next attempt picks up where this one stopped.
		logger.Warn("Translation interrupted", "error", err)
		return e.retryOrFail(ctx, task, err)

	default:
		var chunkErr *ChunkError
		switch {
		case errors.As(err, &chunkErr):
			logger.Error("Translation gave up on chunk",
				"chunk", chunkErr.Index, "error", chunkErr.Err)
			e.failTranslation(ctx, task, chunkErr.Error(), chunkErr.Index)
			return queue.Completed()

		case errors.Is(err, subtitle.ErrNoSegments), errors.Is(err, os.ErrNotExist):
			logger.Error("Translation input unusable",
				"path", task.SubtitleFilePath, "error", err)
			e.failTranslation(ctx, task, err.Error(), -1)
			return queue.Completed()

		default:
			logger.Warn("Translation failed", "error", err)
			return e.retryOrFail(ctx, task, err)
		}
	}

	e.refreshDedup(ctx, task)
	if err := e.publisher.PublishTranslationCompleted(ctx, task.JobID, events.TranslationCompletedPayload{
		ResultPath:  result.OutputPath,
		Language:    task.TargetLanguage,
		ChunksTotal: result.ChunksTotal,
	}); err != nil {
		logger.Error("Failed to publish completion event", "error", err)
		return e.retryOrFail(ctx, task, err)
	}

	logger.Info("Translation delivered", "path", result.OutputPath,
		"segments", result.Segments, "chunks", result.ChunksTotal,
		"chunks_restored", result.ChunksRestored)
	return queue.Completed()
}

// translate runs the engine against the sidecar output path, retrying once
// against the storage root when the input's directory is not writable. The
// second run replays entirely from the checkpoint, so no chunk is
// translated twice.
func (e *Executor) translate(ctx context.Context, task models.TranslationTask) (*Result, error) {
	job := Job{
		JobID:          task.JobID,
		InputPath:      task.SubtitleFilePath,
		OutputPath:     sidecarOutputPath(task),
		SourceLanguage: task.SourceLanguage,
		TargetLanguage: task.TargetLanguage,
		VideoTitle:     task.VideoTitle,
	}

	result, err := e.engine.TranslateFile(ctx, job)
	if err == nil || !errors.Is(err, os.ErrPermission) {
		return result, err
	}

	detached := filepath.Join(e.cfg.StorageRoot,
		fmt.Sprintf("%s.%s.srt", task.JobID, task.TargetLanguage))
	e.logger.Warn("Cannot write next to input, using storage root",
		"job_id", task.JobID, "path", job.OutputPath, "detached", detached, "error", err)
	job.OutputPath = detached
	return e.engine.TranslateFile(ctx, job)
}

// retryOrFail sends the task back with an incremented retry counter, or
// fails the job and dead-letters the delivery once the cap is reached.
func (e *Executor) retryOrFail(ctx context.Context, task models.TranslationTask, cause error) *queue.ExecutionResult {
	if task.RetryCount >= e.cfg.QueueMaxRetries {
		e.logger.Error("Translation retries exhausted",
			"job_id", task.JobID, "retry_count", task.RetryCount, "error", cause)
		e.failTranslation(ctx, task,
			fmt.Sprintf("translation failed after %d attempts: %v", task.RetryCount+1, cause), -1)
		return queue.Reject(cause)
	}

	task.RetryCount++
	body, err := json.Marshal(task)
	if err != nil {
		return queue.Reject(fmt.Errorf("failed to marshal retry task: %w", err))
	}
	return queue.Retry(body, cause)
}

func (e *Executor) failTranslation(ctx context.Context, task models.TranslationTask, message string, chunkIndex int) {
	err := e.publisher.PublishTranslationFailed(context.WithoutCancel(ctx), task.JobID, events.TranslationFailedPayload{
		Error:      message,
		ChunkIndex: chunkIndex,
	})
	if err != nil {
		e.logger.Error("Failed to publish translation-failed event",
			"job_id", task.JobID, "error", err)
	}
}

func (e *Executor) refreshDedup(ctx context.Context, task models.TranslationTask) {
	if e.dedup == nil {
		return
	}
	fp := dedup.Fingerprint(task.SubtitleFilePath, task.TargetLanguage)
	if err := e.dedup.Refresh(ctx, fp); err != nil {
		e.logger.Warn("Failed to refresh dedup reservation", "job_id", task.JobID, "error", err)
	}
}

// sidecarOutputPath swaps the input's language suffix for the target
// language: /media/show/ep1.en.srt + nl -> /media/show/ep1.nl.srt. Inputs
// without a language suffix keep their base name with the target appended.
func sidecarOutputPath(task models.TranslationTask) string {
	base := strings.TrimSuffix(filepath.Base(task.SubtitleFilePath), filepath.Ext(task.SubtitleFilePath))
	if suffix := "." + task.SourceLanguage; strings.HasSuffix(base, suffix) {
		base = strings.TrimSuffix(base, suffix)
	}
	return filepath.Join(filepath.Dir(task.SubtitleFilePath), base+"."+task.TargetLanguage+".srt")
}

// Service runs the translator's worker pool.
type Service struct {
	pool *queue.WorkerPool
}

// NewService wires a translation executor into a worker pool sized by
// WORKER_COUNT with prefetch 1. The translator performs the model calls;
// checkpoints may be nil to disable crash recovery.
func NewService(b *broker.Broker, translator Translator, checkpoints CheckpointStore, idx *dedup.Index, cfg *config.Config, logger *slog.Logger) *Service {
	engine := NewEngine(EngineOptions{
		Translator:  translator,
		Checkpoints: checkpoints,
		Model:       cfg.Translation.Model,
		Translation: cfg.Translation,
		Checkpoint:  cfg.Checkpoint,
		MaxRetries:  cfg.OpenAI.MaxRetries,
		Logger:      logger,
	})
	executor := NewExecutor(ExecutorOptions{
		Engine:    engine,
		Publisher: events.NewPublisher(b, "translator"),
		Dedup:     idx,
		Config:    cfg,
		Logger:    logger,
	})
	return &Service{
		pool: queue.NewWorkerPool(queue.PoolOptions{
			Queue:       broker.QueueTranslate,
			WorkerCount: cfg.WorkerCount,
			Prefetch:    1,
			TaskTimeout: cfg.TaskTimeout,
			Broker:      b,
			Executor:    executor,
			Logger:      logger,
		}),
	}
}

// Start begins consuming translation tasks.
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
