package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sublate/sublate/pkg/events"
)

// Resync periodically walks the media server's library and submits every
// video, catching anything the push paths missed. The manager's dedup layer
// absorbs the repeats, so a sweep is cheap on an already-covered library.
type Resync struct {
	media     *MediaServerClient
	submitter *Submitter
	interval  time.Duration
	logger    *slog.Logger
}

// NewResync creates a resync sweeping every interval.
func NewResync(media *MediaServerClient, submitter *Submitter, interval time.Duration, logger *slog.Logger) *Resync {
	if media == nil {
		panic("scanner.NewResync: media must not be nil")
	}
	if submitter == nil {
		panic("scanner.NewResync: submitter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Resync{
		media:     media,
		submitter: submitter,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps once immediately, then on every interval tick until ctx is
// done. The startup sweep covers whatever arrived while the scanner was
// down.
func (r *Resync) Run(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// resyncConcurrency bounds parallel submissions during a sweep so a large
// library does not flood the manager.
const resyncConcurrency = 4

func (r *Resync) sweep(ctx context.Context) {
	start := time.Now()
	items, err := r.media.ListLibrary(ctx)
	if err != nil {
		r.logger.Error("Library resync failed", "error", err)
		return
	}

	sem := make(chan struct{}, resyncConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var submitted, duplicates, failures int

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if item.Path == "" {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(item LibraryItem) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := r.submitter.Submit(ctx, Submission{
				VideoURL: item.Path,
				ItemName: item.Name,
				Trigger:  events.TriggerResync,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failures++
				r.logger.Warn("Resync submission failed", "path", item.Path, "error", err)
			case outcome.Duplicate:
				duplicates++
			default:
				submitted++
			}
		}(item)
	}
	wg.Wait()

	r.logger.Info("Library resync complete",
		"items", len(items),
		"submitted", submitted,
		"duplicates", duplicates,
		"failures", failures,
		"duration", time.Since(start))
}
