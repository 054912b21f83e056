// Package cleanup enforces retention on pipeline state.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/metrics"
	"github.com/sublate/sublate/pkg/models"
	"github.com/sublate/sublate/pkg/store"
)

// Service periodically enforces retention policies:
//   - Deletes terminal jobs, with their audit lists and checkpoints, once
//     they have sat idle longer than the retention window.
//   - Removes checkpoints whose job record no longer exists.
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	store     *store.Store
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention janitor. Nothing runs until Start.
func NewService(st *store.Store, cfg config.RetentionConfig, logger *slog.Logger) *Service {
	if st == nil {
		panic("cleanup.NewService: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	retention := cfg.JobRetention
	if retention <= 0 {
		retention = 168 * time.Hour
	}
	return &Service{
		store:     st,
		interval:  interval,
		retention: retention,
		logger:    logger,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Retention janitor started",
		"interval", s.interval,
		"job_retention", s.retention)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Retention janitor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.expireTerminalJobs(ctx)
	s.removeOrphanedCheckpoints(ctx)
}

// expireTerminalJobs deletes completed and failed jobs untouched for the
// whole retention window. In-flight jobs are never deleted, however old.
func (s *Service) expireTerminalJobs(ctx context.Context) {
	ids, err := s.store.ScanJobIDs(ctx)
	if err != nil {
		s.logger.Error("Retention: job scan failed", "error", err)
		return
	}

	cutoff := models.Now().Add(-s.retention)
	var removed int
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		job, err := s.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("Retention: job load failed", "job_id", id, "error", err)
			continue
		}
		if !job.Status.IsTerminal() || job.UpdatedAt.After(cutoff) {
			continue
		}

		if err := s.store.DeleteJob(ctx, id); err != nil {
			s.logger.Error("Retention: job delete failed", "job_id", id, "error", err)
			continue
		}
		metrics.CleanupRemovedTotal.WithLabelValues("job").Inc()
		removed++
	}

	if removed > 0 {
		s.logger.Info("Retention: expired terminal jobs", "count", removed)
	}
}

// removeOrphanedCheckpoints deletes checkpoints whose job record is gone,
// typically because the job was expired above. Checkpoints of live jobs
// belong to the translator and are left alone.
func (s *Service) removeOrphanedCheckpoints(ctx context.Context) {
	ids, err := s.store.ScanCheckpointJobIDs(ctx)
	if err != nil {
		s.logger.Error("Retention: checkpoint scan failed", "error", err)
		return
	}

	var removed int
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		_, err := s.store.GetJob(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("Retention: job load failed", "job_id", id, "error", err)
			continue
		}

		if err := s.store.DeleteCheckpoint(ctx, id); err != nil {
			s.logger.Error("Retention: checkpoint delete failed", "job_id", id, "error", err)
			continue
		}
		metrics.CleanupRemovedTotal.WithLabelValues("checkpoint").Inc()
		removed++
	}

	if removed > 0 {
		s.logger.Info("Retention: removed orphaned checkpoints", "count", removed)
	}
}
