// Package queue runs pools of task workers against broker work queues.
//
// Workers receive deliveries with prefetch 1, hand the payload to a
// TaskExecutor, and translate the result into the acknowledgement protocol:
// completed tasks are acked, retryable tasks are republished with an
// incremented retry counter before the original is acked, and exhausted or
// poisoned tasks are rejected so the broker dead-letters them.
package queue

import (
	"context"
	"time"
)

// Outcome classifies how a task execution ended.
type Outcome string

// Task outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeReject    Outcome = "reject"
)

// ExecutionResult is what an executor hands back to its worker.
type ExecutionResult struct {
	Outcome Outcome
	// RetryBody is the payload for the next attempt, with the retry counter
	// already incremented. Required when Outcome is OutcomeRetry.
	RetryBody []byte
	Error     error
}

// Completed reports a successfully processed task.
func Completed() *ExecutionResult {
	return &ExecutionResult{Outcome: OutcomeCompleted}
}

// Retry asks the worker to republish body as the next attempt.
func Retry(body []byte, err error) *ExecutionResult {
	return &ExecutionResult{Outcome: OutcomeRetry, RetryBody: body, Error: err}
}

// Reject sends the task to the dead-letter queue.
func Reject(err error) *ExecutionResult {
	return &ExecutionResult{Outcome: OutcomeReject, Error: err}
}

// TaskExecutor processes one task payload.
//
// The executor owns the ENTIRE task lifecycle internally: parsing the
// payload, publishing lifecycle events, and deciding between completion,
// retry, and rejection. The worker only handles delivery acknowledgement
// and the retry/republish protocol.
type TaskExecutor interface {
	Execute(ctx context.Context, body []byte) *ExecutionResult
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy       bool           `json:"is_healthy"`
	BrokerReachable bool           `json:"broker_reachable"`
	BrokerError     string         `json:"broker_error,omitempty"`
	Queue           string         `json:"queue"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalWorkers    int            `json:"total_workers"`
	WorkerStats     []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // "idle" or "working"
	TasksProcessed int       `json:"tasks_processed"`
	LastActivity   time.Time `json:"last_activity"`
}
