// Package metrics defines the Prometheus collectors shared by all services.
// Each main registers them once and serves them via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sublate",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs created by the manager, by job type.",
	}, []string{"type"})

	DedupHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sublate",
		Name:      "dedup_hits_total",
		Help:      "Submissions answered with an existing job id.",
	})

	TasksProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sublate",
		Name:      "tasks_processed_total",
		Help:      "Work-queue tasks processed, by queue and outcome.",
	}, []string{"queue", "outcome"})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sublate",
		Name:      "task_duration_seconds",
		Help:      "Task processing duration in seconds, by queue.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"queue"})

	EventsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sublate",
		Name:      "events_processed_total",
		Help:      "Events applied by the consumer, by event type.",
	}, []string{"event_type"})

	CatalogRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sublate",
		Name:      "catalog_requests_total",
		Help:      "Subtitle catalog requests, by operation and outcome.",
	}, []string{"operation", "outcome"})

	TranslationChunksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sublate",
		Name:      "translation_chunks_total",
		Help:      "Translation chunks finished, by outcome.",
	}, []string{"outcome"})

	TranslationChunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sublate",
		Name:      "translation_chunk_duration_seconds",
		Help:      "Per-chunk model call duration in seconds, including retries.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	MediaDetectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sublate",
		Name:      "media_detected_total",
		Help:      "Media items noticed by the scanner, by trigger.",
	}, []string{"trigger"})

	CleanupRemovedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sublate",
		Name:      "cleanup_removed_total",
		Help:      "Records removed by the retention janitor, by kind.",
	}, []string{"kind"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsSubmittedTotal,
		DedupHitsTotal,
		TasksProcessedTotal,
		TaskDuration,
		EventsProcessedTotal,
		CatalogRequestsTotal,
		TranslationChunksTotal,
		TranslationChunkDuration,
		MediaDetectedTotal,
		CleanupRemovedTotal,
	)
}
