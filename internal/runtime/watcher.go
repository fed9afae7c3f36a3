package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	load     func() (*Config, error)
	onChange func(*Config) error
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for path. load reads and validates the new
// config; onChange applies it. Failures in either are logged and the
// running config is kept.
func NewWatcher(path string, load func() (*Config, error), onChange func(*Config) error, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		load:     load,
		onChange: onChange,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
}

// Run watches until ctx is done. The parent directory is watched so that
// editors that replace the file by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.logger.Info("watching config for changes", "path", abs)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		w.logger.Error("config reload rejected, keeping current config", "path", w.path, "error", err)
		return
	}
	if err := w.onChange(cfg); err != nil {
		w.logger.Error("config reload failed, keeping current config", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path, "model", cfg.Model, "budget", cfg.Budget)
}
