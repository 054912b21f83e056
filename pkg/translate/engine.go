package translate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/metrics"
	"github.com/sublate/sublate/pkg/retry"
	"github.com/sublate/sublate/pkg/subtitle"
)

// CheckpointStore persists translation checkpoints between worker restarts.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, jobID string, data []byte) error
	GetCheckpoint(ctx context.Context, jobID string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, jobID string) error
}

// ChunkError reports which chunk failed so failure events can carry the
// index.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string { return fmt.Sprintf("chunk %d: %v", e.Index, e.Err) }
func (e *ChunkError) Unwrap() error { return e.Err }

// EngineOptions wires an Engine together.
type EngineOptions struct {
	Translator  Translator
	Checkpoints CheckpointStore // nil disables checkpointing
	Model       string
	Translation config.TranslationConfig
	Checkpoint  config.CheckpointConfig
	MaxRetries  int
	Logger      *slog.Logger
}

// Engine runs whole-file translations: chunking, bounded parallel LLM
// calls with backoff, checkpointing, and reassembly.
type Engine struct {
	translator  Translator
	checkpoints CheckpointStore
	model       string
	cfg         config.TranslationConfig
	ckCfg       config.CheckpointConfig
	maxRetries  int
	logger      *slog.Logger
}

// NewEngine builds an engine from options.
func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Engine{
		translator:  opts.Translator,
		checkpoints: opts.Checkpoints,
		model:       opts.Model,
		cfg:         opts.Translation,
		ckCfg:       opts.Checkpoint,
		maxRetries:  maxRetries,
		logger:      logger,
	}
}

// Job describes one file translation.
type Job struct {
	JobID          string
	InputPath      string
	OutputPath     string
	SourceLanguage string
	TargetLanguage string
	VideoTitle     string
}

// Result summarizes a finished translation.
type Result struct {
	OutputPath     string
	Segments       int
	ChunksTotal    int
	ChunksRestored int
}

// TranslateFile translates the subtitle at job.InputPath and writes the
// result to job.OutputPath. Finished chunks are checkpointed as they land,
// so a crashed run resumes where it left off.
func (e *Engine) TranslateFile(ctx context.Context, job Job) (*Result, error) {
	segments, err := subtitle.ParseFile(job.InputPath)
	if err != nil {
		return nil, err
	}

	chunks := BuildChunks(segments, e.cfg)
	cp := e.loadCheckpoint(ctx, job, len(chunks))
	restored := len(cp.Chunks)
	if restored > 0 {
		e.logger.Info("Resuming translation from checkpoint",
			"job_id", job.JobID, "chunks_done", restored, "chunks_total", len(chunks))
	}

	parallel := e.parallelism()
	e.logger.Info("Starting translation",
		"job_id", job.JobID,
		"segments", len(segments),
		"chunks", len(chunks),
		"parallel", parallel,
		"source", job.SourceLanguage,
		"target", job.TargetLanguage)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, chunk := range chunks {
		mu.Lock()
		_, done := cp.Chunks[chunk.Index]
		mu.Unlock()
		if done {
			continue
		}

		g.Go(func() error {
			start := time.Now()
			translated, err := e.translateWithRetry(gctx, chunk, job)
			if err != nil {
				metrics.TranslationChunksTotal.WithLabelValues("error").Inc()
				return &ChunkError{Index: chunk.Index, Err: err}
			}
			metrics.TranslationChunksTotal.WithLabelValues("success").Inc()
			metrics.TranslationChunkDuration.Observe(time.Since(start).Seconds())

			mu.Lock()
			cp.Chunks[chunk.Index] = translated
			e.persistCheckpoint(gctx, cp)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("translation failed: %w", err)
	}

	out, err := reassemble(segments, chunks, cp.Chunks)
	if err != nil {
		return nil, err
	}
	if err := subtitle.WriteFile(job.OutputPath, out); err != nil {
		return nil, err
	}

	if e.checkpoints != nil && e.ckCfg.CleanupOnSuccess {
		if err := e.checkpoints.DeleteCheckpoint(ctx, job.JobID); err != nil {
			e.logger.Warn("Failed to clean up checkpoint", "job_id", job.JobID, "error", err)
		}
	}

	e.logger.Info("Translation complete",
		"job_id", job.JobID, "output", job.OutputPath, "segments", len(out))
	return &Result{
		OutputPath:     job.OutputPath,
		Segments:       len(out),
		ChunksTotal:    len(chunks),
		ChunksRestored: restored,
	}, nil
}

func (e *Engine) translateWithRetry(ctx context.Context, chunk Chunk, job Job) ([]TranslatedSegment, error) {
	var out []TranslatedSegment
	cfg := retry.Config{
		MaxAttempts:  e.maxRetries,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
	err := retry.Do(ctx, cfg, func() error {
		var callErr error
		out, callErr = e.translator.TranslateChunk(ctx, ChunkRequest{
			Segments:       chunk.Segments,
			SourceLanguage: job.SourceLanguage,
			TargetLanguage: job.TargetLanguage,
			VideoTitle:     job.VideoTitle,
		})
		if callErr != nil {
			e.logger.Warn("Chunk translation attempt failed",
				"job_id", job.JobID, "chunk", chunk.Index, "error", callErr)
		}
		return callErr
	})
	return out, err
}

func (e *Engine) loadCheckpoint(ctx context.Context, job Job, chunksTotal int) *Checkpoint {
	fresh := NewCheckpoint(job.JobID, job.SourceLanguage, job.TargetLanguage, chunksTotal)
	if e.checkpoints == nil || !e.ckCfg.Enabled {
		return fresh
	}

	data, err := e.checkpoints.GetCheckpoint(ctx, job.JobID)
	if err != nil {
		return fresh
	}
	cp, err := DecodeCheckpoint(data)
	if err != nil || !cp.Matches(job.JobID, job.SourceLanguage, job.TargetLanguage, chunksTotal) {
		e.logger.Warn("Discarding stale checkpoint", "job_id", job.JobID)
		_ = e.checkpoints.DeleteCheckpoint(ctx, job.JobID)
		return fresh
	}
	return cp
}

// persistCheckpoint is called with the engine mutex held.
func (e *Engine) persistCheckpoint(ctx context.Context, cp *Checkpoint) {
	if e.checkpoints == nil || !e.ckCfg.Enabled {
		return
	}
	data, err := cp.Encode()
	if err != nil {
		e.logger.Warn("Failed to encode checkpoint", "job_id", cp.JobID, "error", err)
		return
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, cp.JobID, data); err != nil {
		e.logger.Warn("Failed to save checkpoint", "job_id", cp.JobID, "error", err)
	}
}

// parallelism picks the chunk fan-out width. The tier override wins;
// otherwise the model name decides.
func (e *Engine) parallelism() int {
	switch e.cfg.ModelTier {
	case "low":
		return max(1, e.cfg.ParallelRequests)
	case "high":
		return max(1, e.cfg.ParallelRequestsHighTier)
	}
	if isHighTierModel(e.model) {
		return max(1, e.cfg.ParallelRequestsHighTier)
	}
	return max(1, e.cfg.ParallelRequests)
}

// isHighTierModel reports whether a model name looks like a full-size model
// with generous rate limits. Small-tier names carry mini/nano/3.5 markers.
func isHighTierModel(model string) bool {
	m := strings.ToLower(model)
	if m == "" {
		return false
	}
	for _, marker := range []string{"mini", "nano", "3.5"} {
		if strings.Contains(m, marker) {
			return false
		}
	}
	return true
}

func reassemble(original []subtitle.Segment, chunks []Chunk, done map[int][]TranslatedSegment) ([]subtitle.Segment, error) {
	texts := make(map[int]string, len(original))
	for _, chunk := range chunks {
		translated, ok := done[chunk.Index]
		if !ok {
			return nil, fmt.Errorf("chunk %d missing after translation", chunk.Index)
		}
		if len(translated) != len(chunk.Segments) {
			return nil, fmt.Errorf("chunk %d returned %d segments, want %d",
				chunk.Index, len(translated), len(chunk.Segments))
		}
		for _, ts := range translated {
			texts[ts.ID] = ts.Text
		}
	}

	out := make([]subtitle.Segment, len(original))
	for i, seg := range original {
		text, ok := texts[seg.ID]
		if !ok {
			return nil, fmt.Errorf("no translation for segment %d", seg.ID)
		}
		out[i] = subtitle.Segment{ID: seg.ID, Start: seg.Start, End: seg.End, Text: text}
	}
	return out, nil
}
