package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the scheduler when workflow files change. Events are
// debounced: editors emit bursts of writes per save.
type Watcher struct {
	logger    *slog.Logger
	scheduler *Scheduler
	dir       string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

func NewWatcher(logger *slog.Logger, s *Scheduler, dir string) *Watcher {
	return &Watcher{
		logger:    logger.With("module", "workflow_watcher", "dir", dir),
		scheduler: s,
		dir:       dir,
		stopCh:    make(chan struct{}),
	}
}

// Start begins watching the workflow directory. It returns immediately.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()

		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.watcher = watcher

	go w.loop(ctx)

	w.logger.InfoContext(ctx, "Watching workflow directory")

	return nil
}

// Stop halts the watch loop.
func (w *Watcher) Stop() {
	close(w.stopCh)

	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	var debounce *time.Timer

	debounceCh := make(chan time.Time)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !relevantEvent(event) {
				continue
			}

			w.logger.InfoContext(ctx, "Workflow file changed",
				"file", filepath.Base(event.Name), "op", event.Op.String())

			if debounce != nil {
				debounce.Stop()
			}

			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case debounceCh <- time.Now():
				case <-w.stopCh:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.logger.ErrorContext(ctx, "File watcher error", "error", err)
		case <-debounceCh:
			if err := w.scheduler.Reload(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Failed to reload workflows", "error", err)
			}
		}
	}
}

func relevantEvent(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}

	ext := strings.ToLower(filepath.Ext(event.Name))

	return ext == ".yaml" || ext == ".yml"
}
