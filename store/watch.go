package store

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is used when the file watcher cannot be started.
const DefaultPollInterval = time.Second

// Watch keeps the in-memory copy in sync with changes made to the data file
// by other processes. It watches the parent directory so atomic replacements
// are seen, and falls back to polling when fsnotify is unavailable. Watch
// blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("file watcher unavailable, polling data file", "error", err, "interval", pollInterval)
		return s.poll(ctx, pollInterval)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		s.logger.Warn("watch data dir failed, polling data file", "error", err, "interval", pollInterval)
		return s.poll(ctx, pollInterval)
	}
	s.logger.Debug("watching data file", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return s.poll(ctx, pollInterval)
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.reloadLogged(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return s.poll(ctx, pollInterval)
			}
			s.logger.Warn("data file watcher error", "error", err)
		}
	}
}

func (s *Store) poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.reloadLogged(ctx)
		}
	}
}

func (s *Store) reloadLogged(ctx context.Context) {
	if err := s.Reload(ctx); err != nil {
		s.logger.Warn("reload data file", "path", s.path, "error", err)
	}
}
