// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last event before OnChange
// fires.
const DefaultDebounce = 300 * time.Millisecond

// Change is a handler file that was written, created or removed.
type Change struct {
	Path    string // Same form as Route.FilePath
	Removed bool   // The file no longer exists
}

// WatchConfig holds the parameters for a Watcher.
type WatchConfig struct {
	// Root is the directory scanned by Discover.
	Root string

	// Debounce coalesces bursts of events. Zero or negative values fall back
	// to DefaultDebounce.
	Debounce time.Duration

	// OnChange receives the handler files that changed, sorted by path. A nil
	// callback is a no-op.
	OnChange func(ctx context.Context, changes []Change) error

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Watcher reports changes to handler files under a root directory. Run must
// be called exactly once.
type Watcher struct {
	cfg       WatchConfig
	opts      *options
	fsw       *fsnotify.Watcher
	logger    *zap.Logger
	debounce  time.Duration
	started   atomic.Bool
	closeOnce sync.Once
}

// NewWatcher creates a Watcher and registers every directory under the root.
func NewWatcher(cfg WatchConfig, opts ...Option) (*Watcher, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("watch: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch: %s is not a directory", cfg.Root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		opts:     o,
		fsw:      fsw,
		logger:   cfg.Logger,
		debounce: cfg.Debounce,
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}

	if err := w.addTree(cfg.Root, nil); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run blocks until ctx is cancelled, dispatching debounced callbacks. It
// returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("watch: Run called more than once")
	}
	defer w.Close()

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		running atomic.Bool
	)

	// fire drains the pending set. A run still in progress reschedules the
	// timer instead of overlapping.
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !running.CompareAndSwap(false, true) {
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer running.Store(false)

		mu.Lock()
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		clear(pending)
		mu.Unlock()
		if len(paths) == 0 {
			return
		}
		sort.Strings(paths)

		changes := make([]Change, 0, len(paths))
		for _, p := range paths {
			_, err := os.Stat(p)
			changes = append(changes, Change{Path: p, Removed: errors.Is(err, fs.ErrNotExist)})
		}

		w.logger.Debug("Handler files changed", zap.Int("count", len(changes)))
		if w.cfg.OnChange != nil {
			if err := w.cfg.OnChange(ctx, changes); err != nil {
				w.logger.Error("Watch callback failed", zap.Error(err))
			}
		}
	}

	schedule := func(paths ...string) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range paths {
			pending[p] = struct{}{}
		}
		if timer == nil {
			timer = time.AfterFunc(w.debounce, fire)
		} else {
			timer.Reset(w.debounce)
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			rel, ok := w.relative(evt.Name)
			if !ok {
				continue
			}

			if evt.Has(fsnotify.Create) {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					// Files may land in a new directory before it is watched.
					var found []string
					if err := w.addTree(evt.Name, &found); err != nil {
						w.logger.Warn("Failed to watch new directory", zap.String("path", evt.Name), zap.Error(err))
					}
					if len(found) > 0 {
						schedule(found...)
					}
					continue
				}
			}

			if _, ok := RoutePath(rel); !ok {
				continue
			}
			if evt.Has(fsnotify.Create) || evt.Has(fsnotify.Write) || evt.Has(fsnotify.Remove) || evt.Has(fsnotify.Rename) {
				schedule(evt.Name)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("Watch events dropped; restart to rescan", zap.Error(err))
				continue
			}
			w.logger.Error("Watch error", zap.Error(err))
		}
	}
}

// Close releases the fsnotify watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fsw.Close() })
	return err
}

// relative returns the slash-separated path of name under the root, or false
// when name is hidden or ignored.
func (w *Watcher) relative(name string) (string, bool) {
	rel, err := filepath.Rel(w.cfg.Root, name)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." {
			return "", false
		}
	}
	if w.opts.ignored(rel) {
		return "", false
	}
	return rel, true
}

// addTree watches dir and every directory below it. When found is non-nil,
// handler files encountered on the way are appended to it.
func (w *Watcher) addTree(dir string, found *[]string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			w.logger.Warn("Skipping unreadable path", zap.String("path", path), zap.Error(walkErr))
			return nil
		}
		rel, ok := w.relative(path)
		if !ok {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if _, isHandler := RoutePath(rel); isHandler && found != nil && d.Type().IsRegular() {
				*found = append(*found, path)
			}
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
}
