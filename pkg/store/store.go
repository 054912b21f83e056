// Package store persists job state in Redis: one hash per job, a bounded
// audit list of lifecycle events per job, translation checkpoints, and a
// recency index for listings.
//
// Layout:
//
//	job:<job_id>         hash    job record fields
//	job:<job_id>:events  list    event envelopes, newest first, bounded
//	checkpoint:<job_id>  string  translation checkpoint JSON
//	jobs:recent          list    job IDs, newest first, bounded
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sublate/sublate/pkg/models"
	"github.com/sublate/sublate/pkg/retry"
)

// ErrNotFound is returned when a job or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

const (
	recentKey       = "jobs:recent"
	recentMax       = 1000
	defaultAuditMax = 100
)

// Options configures the store connection.
type Options struct {
	URL             string
	AuditMaxEntries int
	Logger          *slog.Logger
}

// Store is a Redis-backed job state store shared by the manager and the
// event consumer. Workers never touch it; they only see queue payloads.
type Store struct {
	rdb      *redis.Client
	auditMax int
	logger   *slog.Logger
}

// Connect parses the redis URL, dials with retries, and verifies the
// connection with a ping.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auditMax := opts.AuditMaxEntries
	if auditMax <= 0 {
		auditMax = defaultAuditMax
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	cfg := retry.Config{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
	err = retry.Do(ctx, cfg, func() error {
		if pingErr := rdb.Ping(ctx).Err(); pingErr != nil {
			logger.Warn("Store ping failed, will retry", "error", pingErr)
			return retry.Transient(pingErr)
		}
		return nil
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	return &Store{rdb: rdb, auditMax: auditMax, logger: logger}, nil
}

// Redis exposes the underlying client for collaborators that share the
// connection, such as the dedup index.
func (s *Store) Redis() *redis.Client {
	return s.rdb
}

// Ping verifies the store connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func jobKey(jobID string) string        { return "job:" + jobID }
func eventsKey(jobID string) string     { return "job:" + jobID + ":events" }
func checkpointKey(jobID string) string { return "checkpoint:" + jobID }

// CreateJob writes the full job hash and pushes the ID onto the recency
// index.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if _, err := s.rdb.HSet(ctx, jobKey(job.JobID), jobToHash(job)).Result(); err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.JobID, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, recentKey, job.JobID)
	pipe.LTrim(ctx, recentKey, 0, recentMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("Failed to update recency index", "job_id", job.JobID, "error", err)
	}
	return nil
}

// GetJob loads a job hash. Returns ErrNotFound when the job does not exist.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return jobFromHash(fields), nil
}

func (s *Store) ensureExists(ctx context.Context, jobID string) error {
	n, err := s.rdb.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// UpdateStatus writes the status and progress fields, refreshing updated_at.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status models.Status, progress int) error {
	if err := s.ensureExists(ctx, jobID); err != nil {
		return err
	}
	fields := map[string]any{
		"status":              string(status),
		"progress_percentage": strconv.Itoa(progress),
		"updated_at":          models.Now().Format(time.RFC3339),
	}
	if _, err := s.rdb.HSet(ctx, jobKey(jobID), fields).Result(); err != nil {
		return fmt.Errorf("failed to update status for job %s: %w", jobID, err)
	}
	return nil
}

// SetResult records where the finished subtitle landed.
func (s *Store) SetResult(ctx context.Context, jobID, resultPath string) error {
	if err := s.ensureExists(ctx, jobID); err != nil {
		return err
	}
	fields := map[string]any{
		"result_path": resultPath,
		"updated_at":  models.Now().Format(time.RFC3339),
	}
	if _, err := s.rdb.HSet(ctx, jobKey(jobID), fields).Result(); err != nil {
		return fmt.Errorf("failed to set result for job %s: %w", jobID, err)
	}
	return nil
}

// SetErrorMessage records the most recent failure reason.
func (s *Store) SetErrorMessage(ctx context.Context, jobID, message string) error {
	if err := s.ensureExists(ctx, jobID); err != nil {
		return err
	}
	fields := map[string]any{
		"error_message": message,
		"updated_at":    models.Now().Format(time.RFC3339),
	}
	if _, err := s.rdb.HSet(ctx, jobKey(jobID), fields).Result(); err != nil {
		return fmt.Errorf("failed to set error for job %s: %w", jobID, err)
	}
	return nil
}

// ListRecentJobs returns up to limit jobs, newest first. Jobs that have
// vanished since being indexed are skipped.
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.LRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// AppendEvent pushes a raw event envelope onto the job's audit list, newest
// first, and trims the list to the configured bound. The list is written
// even when the job hash is missing so late events remain auditable.
func (s *Store) AppendEvent(ctx context.Context, jobID string, envelope []byte) error {
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, eventsKey(jobID), envelope)
	pipe.LTrim(ctx, eventsKey(jobID), 0, int64(s.auditMax-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append event for job %s: %w", jobID, err)
	}
	return nil
}

// GetEvents returns up to limit audit envelopes for a job, newest first.
func (s *Store) GetEvents(ctx context.Context, jobID string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 || limit > s.auditMax {
		limit = s.auditMax
	}
	entries, err := s.rdb.LRange(ctx, eventsKey(jobID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get events for job %s: %w", jobID, err)
	}
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, json.RawMessage(e))
	}
	return out, nil
}

// SaveCheckpoint stores translation checkpoint JSON for crash recovery.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID string, data []byte) error {
	if err := s.rdb.Set(ctx, checkpointKey(jobID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint for job %s: %w", jobID, err)
	}
	return nil
}

// GetCheckpoint loads checkpoint JSON. Returns ErrNotFound when no
// checkpoint exists.
func (s *Store) GetCheckpoint(ctx context.Context, jobID string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, checkpointKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("checkpoint %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint for job %s: %w", jobID, err)
	}
	return data, nil
}

// DeleteCheckpoint removes a checkpoint after a successful translation.
func (s *Store) DeleteCheckpoint(ctx context.Context, jobID string) error {
	if err := s.rdb.Del(ctx, checkpointKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint for job %s: %w", jobID, err)
	}
	return nil
}

// ScanJobIDs returns the ID of every stored job hash. The scan is
// cursor-based, so a large keyspace does not block the store.
func (s *Store) ScanJobIDs(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, "job:*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasSuffix(key, ":events") {
			continue
		}
		ids = append(ids, strings.TrimPrefix(key, "job:"))
	}
	return ids, nil
}

// ScanCheckpointJobIDs returns the job ID of every stored checkpoint.
func (s *Store) ScanCheckpointJobIDs(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, "checkpoint:*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, "checkpoint:"))
	}
	return ids, nil
}

// DeleteJob removes the job hash, its audit list, its checkpoint, and its
// recency index entry.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, jobKey(jobID), eventsKey(jobID), checkpointKey(jobID))
	pipe.LRem(ctx, recentKey, 0, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s keys: %w", pattern, err)
		}
		keys = append(keys, page...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func jobToHash(job *models.Job) map[string]any {
	fields := map[string]any{
		"job_id":              job.JobID,
		"video_url":           job.VideoURL,
		"source_language":     job.SourceLanguage,
		"status":              string(job.Status),
		"progress_percentage": strconv.Itoa(job.ProgressPercentage),
		"created_at":          job.CreatedAt.Format(time.RFC3339),
		"updated_at":          job.UpdatedAt.Format(time.RFC3339),
	}
	if job.VideoTitle != "" {
		fields["video_title"] = job.VideoTitle
	}
	if job.TargetLanguage != "" {
		fields["target_language"] = job.TargetLanguage
	}
	if job.ResultPath != "" {
		fields["result_path"] = job.ResultPath
	}
	if job.ErrorMessage != "" {
		fields["error_message"] = job.ErrorMessage
	}
	return fields
}

func jobFromHash(fields map[string]string) *models.Job {
	progress, _ := strconv.Atoi(fields["progress_percentage"])
	createdAt, _ := time.Parse(time.RFC3339, fields["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339, fields["updated_at"])
	return &models.Job{
		JobID:              fields["job_id"],
		VideoURL:           fields["video_url"],
		VideoTitle:         fields["video_title"],
		SourceLanguage:     fields["source_language"],
		TargetLanguage:     fields["target_language"],
		Status:             models.Status(fields["status"]),
		ProgressPercentage: progress,
		ResultPath:         fields["result_path"],
		ErrorMessage:       fields["error_message"],
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}
}
