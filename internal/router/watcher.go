package router

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig holds watcher configuration
type WatcherConfig struct {
	Logger *slog.Logger
	Dir    string

	// Debounce collapses bursts of events (editor saves, git checkouts)
	Debounce time.Duration

	// OnChange is called once per settled burst of changes
	OnChange func()
}

// Watcher turns filesystem events under the routes directory into
// "directory changed" notifications.
type Watcher struct {
	config  *WatcherConfig
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	skip    func(name string) bool
}

// NewWatcher watches every directory of the routes tree
func NewWatcher(cfg *WatcherConfig) (*Watcher, error) {
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("watcher needs an OnChange callback")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}

	w := &Watcher{
		config:  cfg,
		logger:  logger,
		watcher: fw,
		skip: func(name string) bool {
			return (len(name) > 0 && name[0] == '.') || name == "node_modules" || name == "vendor"
		},
	}
	if err := w.addTree(cfg.Dir); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("cannot watch path", "path", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.skip(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// Run delivers change notifications until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.skip(info.Name()) {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			w.logger.Debug("routes directory changed", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.config.Debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fs watcher error", "error", err)

		case <-timer.C:
			w.config.OnChange()
		}
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
