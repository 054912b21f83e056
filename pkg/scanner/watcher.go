package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/events"
)

// Watcher notices new media files under the configured directories. Events
// for the same path are debounced; a file counts as detected only after it
// has been quiet for the debounce window, so half-copied files are not
// submitted.
type Watcher struct {
	dirs       []string
	extensions map[string]struct{}
	debounce   time.Duration
	submitter  *Submitter
	logger     *slog.Logger

	fw     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher for cfg.MediaDirs. Call Start to begin
// watching.
func NewWatcher(cfg config.ScannerConfig, submitter *Submitter, logger *slog.Logger) *Watcher {
	if submitter == nil {
		panic("scanner.NewWatcher: submitter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	extensions := make(map[string]struct{}, len(cfg.MediaExtensions))
	for _, ext := range cfg.MediaExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions[ext] = struct{}{}
	}
	return &Watcher{
		dirs:       cfg.MediaDirs,
		extensions: extensions,
		debounce:   debounce,
		submitter:  submitter,
		logger:     logger,
		pending:    make(map[string]*time.Timer),
	}
}

// Start watches every configured directory tree and begins dispatching
// events. It fails when a configured root cannot be watched.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	w.fw = fw

	for _, dir := range w.dirs {
		if err := w.addTree(dir); err != nil {
			_ = fw.Close()
			return err
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("Filesystem watcher started",
		"dirs", w.dirs, "debounce", w.debounce)
	return nil
}

// Stop cancels pending debounce timers and closes the watcher.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fw != nil {
		_ = w.fw.Close()
	}

	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

// addTree watches root and every directory below it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", root, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// A directory moved in wholesale delivers no per-file events:
			// watch it and sweep what it already contains.
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory",
					"dir", event.Name, "error", err)
			}
			w.sweep(ctx, event.Name)
			return
		}
		w.schedule(ctx, event.Name)

	case event.Has(fsnotify.Write):
		w.schedule(ctx, event.Name)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.unschedule(event.Name)
	}
}

// sweep schedules every media file under root.
func (w *Watcher) sweep(ctx context.Context, root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			w.schedule(ctx, path)
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("Failed to sweep new directory", "dir", root, "error", err)
	}
}

// schedule (re)arms the debounce timer for path. Every event within the
// window pushes the deadline out, so the timer fires only once the file has
// settled.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !w.isMedia(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.settled(ctx, path)
	})
}

func (w *Watcher) unschedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
		delete(w.pending, path)
	}
}

// settled submits a path that stayed quiet for the whole debounce window.
func (w *Watcher) settled(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return
	}

	if _, err := w.submitter.Submit(ctx, Submission{
		VideoURL: path,
		Trigger:  events.TriggerWatcher,
	}); err != nil {
		w.logger.Error("Failed to submit detected file", "path", path, "error", err)
	}
}

func (w *Watcher) isMedia(path string) bool {
	_, ok := w.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}
