package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sublate/sublate/pkg/broker"
)

// PoolOptions configures a worker pool for one queue.
type PoolOptions struct {
	Queue       string
	WorkerCount int
	Prefetch    int
	TaskTimeout time.Duration
	Broker      *broker.Broker
	Executor    TaskExecutor
	Logger      *slog.Logger
}

// WorkerPool manages a set of workers consuming one work queue, each on its
// own channel with prefetch applied per worker.
type WorkerPool struct {
	opts      PoolOptions
	logger    *slog.Logger
	workers   []*Worker
	consumers []*broker.Consumer
	started   bool
}

// NewWorkerPool creates a worker pool. Call Start to begin consuming.
func NewWorkerPool(opts PoolOptions) *WorkerPool {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 1
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		opts:    opts,
		logger:  logger,
		workers: make([]*Worker, 0, opts.WorkerCount),
	}
}

// Start opens one consumer channel per worker and spawns the workers.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call", "queue", p.opts.Queue)
		return nil
	}
	p.started = true

	p.logger.Info("Starting worker pool",
		"queue", p.opts.Queue, "worker_count", p.opts.WorkerCount)

	for i := 0; i < p.opts.WorkerCount; i++ {
		consumer, err := p.opts.Broker.Consume(p.opts.Queue, p.opts.Prefetch)
		if err != nil {
			p.closeConsumers()
			return fmt.Errorf("failed to start consumer %d on %s: %w", i, p.opts.Queue, err)
		}
		p.consumers = append(p.consumers, consumer)

		workerID := fmt.Sprintf("%s-worker-%d", p.opts.Queue, i)
		worker := NewWorker(workerID, p.opts.Queue, consumer, p.opts.Broker, p.opts.Executor, p.opts.TaskTimeout, p.logger)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.logger.Info("Worker pool started", "queue", p.opts.Queue)
	return nil
}

// Stop signals all workers to stop, waits for in-flight tasks to finish,
// then cancels the consumer subscriptions.
func (p *WorkerPool) Stop() {
	p.logger.Info("Stopping worker pool gracefully", "queue", p.opts.Queue)

	for _, worker := range p.workers {
		worker.Stop()
	}
	p.closeConsumers()

	p.logger.Info("Worker pool stopped gracefully", "queue", p.opts.Queue)
}

func (p *WorkerPool) closeConsumers() {
	for _, consumer := range p.consumers {
		if err := consumer.Close(); err != nil {
			p.logger.Warn("Failed to close consumer", "queue", p.opts.Queue, "error", err)
		}
	}
	p.consumers = nil
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var brokerErr string
	brokerReachable := true
	if err := p.opts.Broker.Ping(ctx); err != nil {
		brokerReachable = false
		brokerErr = err.Error()
		p.logger.Error("Broker unreachable in health check", "queue", p.opts.Queue, "error", err)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	return &PoolHealth{
		IsHealthy:       len(p.workers) > 0 && brokerReachable,
		BrokerReachable: brokerReachable,
		BrokerError:     brokerErr,
		Queue:           p.opts.Queue,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		WorkerStats:     workerStats,
	}
}
