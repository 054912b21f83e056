package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sublate/sublate/pkg/metrics"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// TaskSource supplies deliveries for one queue. *broker.Consumer satisfies
// it.
type TaskSource interface {
	Deliveries() <-chan amqp.Delivery
	Close() error
}

// TaskRequeuer republishes retry payloads back onto a work queue.
// *broker.Broker satisfies it.
type TaskRequeuer interface {
	EnqueueTask(ctx context.Context, queue string, body []byte) error
}

// Worker consumes one delivery at a time from its source and runs the
// executor on it.
type Worker struct {
	id          string
	queue       string
	source      TaskSource
	requeuer    TaskRequeuer
	executor    TaskExecutor
	taskTimeout time.Duration
	logger      *slog.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a worker bound to a queue's delivery source.
func NewWorker(id, queue string, source TaskSource, requeuer TaskRequeuer, executor TaskExecutor, taskTimeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:          id,
		queue:       queue,
		source:      source,
		requeuer:    requeuer,
		executor:    executor,
		taskTimeout: taskTimeout,
		logger:      logger,
		stopCh:      make(chan struct{}),
		status:      WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the in-flight task to
// finish. It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := w.logger.With("worker_id", w.id, "queue", w.queue)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		case d, ok := <-w.source.Deliveries():
			if !ok {
				// The channel closes when the broker connection drops. The
				// unacked delivery (if any) is requeued by the broker.
				log.Error("Delivery channel closed, worker exiting")
				return
			}
			w.handle(ctx, d)
		}
	}
}

// handle runs the executor on one delivery and applies the acknowledgement
// protocol to the result.
func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	log := w.logger.With("worker_id", w.id, "queue", w.queue)
	start := time.Now()
	w.setStatus(WorkerStatusWorking)
	defer w.setStatus(WorkerStatusIdle)

	taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	defer cancel()

	result := w.executor.Execute(taskCtx, d.Body)
	if result == nil {
		result = Reject(fmt.Errorf("executor returned nil result"))
	}

	// Acknowledgement runs on a fresh context: the worker context may
	// already be cancelled during shutdown, but the delivery still needs a
	// verdict.
	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ackCancel()

	switch result.Outcome {
	case OutcomeCompleted:
		if err := d.Ack(false); err != nil {
			log.Error("Failed to ack delivery", "error", err)
		}
	case OutcomeRetry:
		w.requeueRetry(ackCtx, d, result, log)
	case OutcomeReject:
		log.Warn("Rejecting task to dead-letter queue", "error", result.Error)
		if err := d.Nack(false, false); err != nil {
			log.Error("Failed to nack delivery", "error", err)
		}
	default:
		log.Error("Executor returned unknown outcome, rejecting", "outcome", result.Outcome)
		if err := d.Nack(false, false); err != nil {
			log.Error("Failed to nack delivery", "error", err)
		}
	}

	metrics.TasksProcessedTotal.WithLabelValues(w.queue, string(result.Outcome)).Inc()
	metrics.TaskDuration.WithLabelValues(w.queue).Observe(time.Since(start).Seconds())

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("Task processed", "outcome", result.Outcome, "duration", time.Since(start))
}

// requeueRetry publishes the incremented payload and acks the original.
// AMQP cannot mutate a message on requeue, so retries are fresh publishes.
// If the republish fails the original is requeued instead, losing only the
// counter increment.
func (w *Worker) requeueRetry(ctx context.Context, d amqp.Delivery, result *ExecutionResult, log *slog.Logger) {
	if len(result.RetryBody) == 0 {
		log.Error("Retry outcome without retry payload, rejecting", "error", result.Error)
		if err := d.Nack(false, false); err != nil {
			log.Error("Failed to nack delivery", "error", err)
		}
		return
	}

	log.Warn("Requeueing task for retry", "error", result.Error)
	if err := w.requeuer.EnqueueTask(ctx, w.queue, result.RetryBody); err != nil {
		log.Error("Failed to republish retry, requeueing original delivery", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error("Failed to requeue delivery", "error", nackErr)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		log.Error("Failed to ack retried delivery", "error", err)
	}
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.lastActivity = time.Now()
}
