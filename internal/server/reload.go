package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period after the last write before a reload.
const DefaultDebounce = 500 * time.Millisecond

// Reloadable is anything that can reload its configuration.
type Reloadable interface {
	Reload() error
}

// Reloader watches rule-set files for changes and triggers hot-reload.
// Directories are watched rather than files so editors that save by
// rename keep triggering reloads.
type Reloader struct {
	watcher  *fsnotify.Watcher
	target   Reloadable
	files    map[string]bool
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	reloads int
}

// NewReloader creates a file watcher for the given paths. Empty and missing
// paths are skipped.
func NewReloader(target Reloadable, paths []string, logger zerolog.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
		dirs[dir] = true
	}

	return &Reloader{
		watcher:  watcher,
		target:   target,
		files:    files,
		debounce: DefaultDebounce,
		logger:   logger,
	}, nil
}

// SetDebounce overrides DefaultDebounce. Call before Run.
func (r *Reloader) SetDebounce(d time.Duration) { r.debounce = d }

// Watched reports the number of files being watched.
func (r *Reloader) Watched() int { return len(r.files) }

// Reloads reports how many reloads have been attempted.
func (r *Reloader) Reloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads
}

// Run watches for file changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !r.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, r.reload)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error().Err(err).Msg("file watcher error")
		}
	}
}

func (r *Reloader) reload() {
	r.mu.Lock()
	r.reloads++
	r.mu.Unlock()

	if err := r.target.Reload(); err != nil {
		r.logger.Error().Err(err).Msg("hot-reload failed; keeping previous rule-set")
		return
	}
	r.logger.Info().Msg("hot-reload: rule-set reloaded")
}
