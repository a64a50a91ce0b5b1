package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CloneWatcher re-applies executor assignments whenever the clones
// directory changes, so freshly detected instances pick up their assigned
// injection without an explicit user action. Events are debounced; a
// fabrication touches the directory many times in a row.
type CloneWatcher struct {
	manager   *Manager
	clonesDir string
	countFn   func() int
	debounce  time.Duration
	logger    *slog.Logger
}

// NewCloneWatcher creates a watcher. countFn reports the current total
// instance count to pass to ApplyAll.
func NewCloneWatcher(manager *Manager, clonesDir string, countFn func() int, logger *slog.Logger) *CloneWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloneWatcher{
		manager:   manager,
		clonesDir: clonesDir,
		countFn:   countFn,
		debounce:  2 * time.Second,
		logger:    logger.With("component", "CloneWatcher"),
	}
}

// Run watches until the context is cancelled.
func (w *CloneWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.clonesDir); err != nil {
		return err
	}
	w.logger.Info("Watching clones directory", "path", w.clonesDir)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					// Drain a tick that fired between events so the reset
					// window does not deliver it early.
					select {
					case <-timerC:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Clone watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			total := w.countFn()
			w.logger.Info("Clones directory changed, re-applying assignments", "totalInstances", total)
			if err := w.manager.ApplyAll(ctx, total); err != nil {
				w.logger.Error("Failed to re-apply assignments", "error", err)
			}
		}
	}
}
