package airouter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the provider pool when its JSON file changes, so
// operators can rotate credentials, flip enabled flags, or adjust budgets
// without a restart. Rapid write bursts are debounced into one reload.
type Watcher struct {
	path     string
	router   *Router
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the logger for reload outcomes.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets the quiet period before a change triggers a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher for the provider file feeding the router.
func NewWatcher(path string, r *Router, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("airouter: create watcher: %w", err)
	}

	w := &Watcher{
		path:     path,
		router:   r,
		watcher:  fw,
		logger:   slog.Default(),
		debounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	// Watch the directory rather than the file: editors and config
	// mounts replace files by rename, which kills a file-level watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("airouter: watch %s: %w", path, err)
	}
	return w, nil
}

// Run processes file events until the context ends. Reload failures are
// logged and the previous pool stays active.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("provider watcher started", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("airouter: watch events channel closed")
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("airouter: watch errors channel closed")
			}
			w.logger.Error("provider watcher error", "error", err)
		}
	}
}

// Close releases the underlying file watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfgs, err := LoadProviders(w.path)
	if err != nil {
		w.logger.Error("provider reload rejected", "path", w.path, "error", err)
		return
	}
	dir, err := NewDirectory(cfgs)
	if err != nil {
		w.logger.Error("provider reload rejected", "path", w.path, "error", err)
		return
	}
	w.router.ReplaceDirectory(dir)
	w.logger.Info("provider pool reloaded", "path", w.path, "providers", dir.Len())
}
