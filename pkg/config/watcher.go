package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current immutable config snapshot. Readers get whatever
// snapshot was current when they started; a reload swaps the pointer whole.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore creates a store seeded with an initial snapshot.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Get returns the current snapshot.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Swap installs a new snapshot.
func (s *Store) Swap(cfg *Config) {
	s.current.Store(cfg)
}

// Watch reloads the config file on change and publishes valid snapshots to
// the store. Invalid reloads are logged and the previous snapshot kept.
// onChange, when non-nil, runs after each successful swap. Watch blocks
// until ctx is cancelled.
func Watch(ctx context.Context, path string, store *Store, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file, which drops a watch
	// held on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			slog.Error("config reload failed, keeping previous snapshot", "path", path, "error", err)
			return
		}
		store.Swap(cfg)
		slog.Info("config reloaded", "path", path, "providers", len(cfg.Providers))
		if onChange != nil {
			onChange(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
