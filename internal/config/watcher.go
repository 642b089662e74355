package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when the file changes on disk and
// notifies a callback with the fresh snapshot. Editors often write via
// rename, so the parent directory is watched rather than the file.
type Watcher struct {
	manager  *Manager
	logger   *slog.Logger
	onReload func(*Config)
	debounce time.Duration
}

// NewWatcher creates a config watcher. onReload runs after every
// successful reload; a failed reload keeps the previous snapshot.
func NewWatcher(manager *Manager, logger *slog.Logger, onReload func(*Config)) *Watcher {
	return &Watcher{
		manager:  manager,
		logger:   logger,
		onReload: onReload,
		debounce: 250 * time.Millisecond,
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.manager.GetPath())
	if err := fw.Add(dir); err != nil {
		return err
	}

	w.logger.Info("Watching configuration", "path", w.manager.GetPath())

	var timer *time.Timer

	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.manager.GetPath()) {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce bursts of write events from a single save.
			if timer != nil {
				timer.Stop()
			}

			timer = time.AfterFunc(w.debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case <-pending:
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}

			w.logger.Error("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.manager.Load()
	if err != nil {
		w.logger.Error("Config reload failed, keeping previous configuration", "error", err)
		return
	}

	w.logger.Info("Configuration reloaded", "providers", len(cfg.Providers))

	if w.onReload != nil {
		w.onReload(cfg)
	}
}
