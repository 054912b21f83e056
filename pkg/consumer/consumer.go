// Package consumer maintains the authoritative job records. It is the only
// writer of job state after submission: workers publish lifecycle events,
// and this service folds them into status, progress, result, and the audit
// trail.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sublate/sublate/pkg/broker"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/metrics"
	"github.com/sublate/sublate/pkg/models"
	"github.com/sublate/sublate/pkg/queue"
	"github.com/sublate/sublate/pkg/retry"
	"github.com/sublate/sublate/pkg/store"
)

// eventPrefetch is deliberately higher than the work queues' prefetch of 1:
// applying an event is a handful of store writes, not minutes of work.
const eventPrefetch = 10

// Executor applies one event envelope to the store. It always acks: replays
// are idempotent through the transition rules, and a malformed envelope will
// never get better on redelivery.
type Executor struct {
	store  *store.Store
	logger *slog.Logger
}

// NewExecutor creates the event executor.
func NewExecutor(st *store.Store, logger *slog.Logger) *Executor {
	if st == nil {
		panic("consumer.NewExecutor: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: st, logger: logger}
}

// Execute implements queue.TaskExecutor for the subtitle.events.state queue.
func (e *Executor) Execute(ctx context.Context, body []byte) *queue.ExecutionResult {
	env, err := events.UnwrapEnvelope(body)
	if err != nil {
		e.logger.Warn("Dropping malformed event", "error", err)
		return queue.Completed()
	}
	if env.JobID == "" {
		e.logger.Warn("Dropping event without job id", "event_type", env.EventType)
		return queue.Completed()
	}

	metrics.EventsProcessedTotal.WithLabelValues(env.EventType).Inc()
	e.apply(ctx, env, body)
	return queue.Completed()
}

func (e *Executor) apply(ctx context.Context, env events.Envelope, body []byte) {
	logger := e.logger.With("job_id", env.JobID, "event_type", env.EventType)

	// Audit first: the trail also records events that change nothing, and
	// events for jobs that do not exist (yet).
	if err := e.withRetry(ctx, func() error {
		return e.store.AppendEvent(ctx, env.JobID, body)
	}); err != nil {
		logger.Error("Failed to append audit entry", "error", err)
	}

	var job *models.Job
	err := e.withRetry(ctx, func() error {
		var getErr error
		job, getErr = e.store.GetJob(ctx, env.JobID)
		return getErr
	})
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("Event for unknown job, audit only")
		return
	}
	if err != nil {
		logger.Error("Failed to load job, event lost", "error", err)
		return
	}

	status, progress, changed := job.Apply(env.EventType)
	if !changed {
		logger.Debug("Event does not change job state",
			"status", job.Status, "progress", job.ProgressPercentage)
		return
	}

	// Side effects ride the transition: a stale or late event must not
	// scribble result or error fields on a job it no longer owns.
	if err := e.recordSideEffects(ctx, env); err != nil {
		logger.Error("Failed to record event payload", "error", err)
	}

	if err := e.withRetry(ctx, func() error {
		return e.store.UpdateStatus(ctx, env.JobID, status, progress)
	}); err != nil {
		logger.Error("Failed to update job status", "error", err)
		return
	}

	logger.Info("Job state updated",
		"from", job.Status, "to", status, "progress", progress)
}

// recordSideEffects writes the payload-carried fields (result path, error
// message) that accompany specific event kinds.
func (e *Executor) recordSideEffects(ctx context.Context, env events.Envelope) error {
	switch env.EventType {
	case events.KindSubtitleReady:
		var payload events.SubtitleReadyPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal %s payload: %w", env.EventType, err)
		}
		return e.withRetry(ctx, func() error {
			return e.store.SetResult(ctx, env.JobID, payload.SubtitlePath)
		})

	case events.KindTranslationCompleted:
		var payload events.TranslationCompletedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal %s payload: %w", env.EventType, err)
		}
		return e.withRetry(ctx, func() error {
			return e.store.SetResult(ctx, env.JobID, payload.ResultPath)
		})

	case events.KindTranslationFailed:
		var payload events.TranslationFailedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal %s payload: %w", env.EventType, err)
		}
		message := payload.Error
		if payload.ChunkIndex >= 0 {
			message = fmt.Sprintf("chunk %d: %s", payload.ChunkIndex, payload.Error)
		}
		return e.withRetry(ctx, func() error {
			return e.store.SetErrorMessage(ctx, env.JobID, message)
		})

	case events.KindJobFailed:
		var payload events.JobFailedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal %s payload: %w", env.EventType, err)
		}
		message := payload.Error
		if payload.ErrorType != "" {
			message = fmt.Sprintf("%s: %s", payload.ErrorType, payload.Error)
		}
		return e.withRetry(ctx, func() error {
			return e.store.SetErrorMessage(ctx, env.JobID, message)
		})
	}
	return nil
}

func (e *Executor) withRetry(ctx context.Context, fn func() error) error {
	cfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
	return retry.Do(ctx, cfg, fn)
}

// Service runs the consumer's worker pool on the event queue.
type Service struct {
	pool *queue.WorkerPool
}

// NewService wires the executor into a single-worker pool. One worker keeps
// event application serialized, which the transition rules assume for a
// single replica.
func NewService(b *broker.Broker, st *store.Store, logger *slog.Logger) *Service {
	return &Service{
		pool: queue.NewWorkerPool(queue.PoolOptions{
			Queue:       broker.QueueEvents,
			WorkerCount: 1,
			Prefetch:    eventPrefetch,
			TaskTimeout: time.Minute,
			Broker:      b,
			Executor:    NewExecutor(st, logger),
			Logger:      logger,
		}),
	}
}

// Start begins consuming events.
func (s *Service) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Stop drains in-flight events and closes the consumers.
func (s *Service) Stop() {
	s.pool.Stop()
}

// Health reports the worker pool's health.
func (s *Service) Health() *queue.PoolHealth {
	return s.pool.Health()
}
