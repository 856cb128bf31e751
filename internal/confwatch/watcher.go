package confwatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceTime = 100 * time.Millisecond

// Watcher reloads the config file on change and hands the result to a
// callback. Consumers apply new knobs on the next connect; the resolved
// backend is never re-detected mid-session.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onReload func(Config)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, logger *slog.Logger, onReload func(Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
		watcher:  fsWatcher,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so editors that replace the file atomically still trigger.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.watch(ctx)
	return nil
}

// Stop ends watching.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) watch(ctx context.Context) {
	// Editors fire several events per save; debounce to one reload.
	debounce := time.NewTimer(debounceTime)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(debounceTime)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("confwatch: watcher error", "err", err)
		case <-debounce.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("confwatch: reload failed, keeping previous config", "err", err)
		return
	}
	w.logger.Info("confwatch: configuration reloaded", "path", w.path)
	w.onReload(cfg)
}
