// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/buke/scriptapi"
	"github.com/buke/scriptapi/discovery"
	"github.com/buke/scriptapi/httpapi"
	"go.uber.org/zap"
)

// scriptLoader is the part of *scriptapi.Broker the reloader uses.
type scriptLoader interface {
	Load(ctx context.Context, filePath, source string, lang scriptapi.Language) (scriptapi.Handle, error)
	Unload(ctx context.Context, filePath string) error
}

// Reloader keeps the adapter's bindings in step with the handler files on
// disk.
type Reloader struct {
	root     string
	loader   scriptLoader
	adapter  *httpapi.Adapter
	logger   *zap.Logger
	discover []discovery.Option
	onRoutes func() // Called after the set of routes changed

	mu sync.Mutex
}

// NewReloader creates a Reloader for the handler files under root.
func NewReloader(root string, loader scriptLoader, adapter *httpapi.Adapter, logger *zap.Logger, onRoutes func(), opts ...discovery.Option) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onRoutes == nil {
		onRoutes = func() {}
	}
	return &Reloader{
		root:     root,
		loader:   loader,
		adapter:  adapter,
		logger:   logger,
		discover: opts,
		onRoutes: onRoutes,
	}
}

// LoadAll discovers every handler file and loads it. Files that fail to load
// are recorded on their binding; only a broker failure is returned.
func (r *Reloader) LoadAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := discovery.Discover(r.root, r.discover...)
	for _, diag := range res.Diagnostics {
		r.logger.Warn("Discovery problem", zap.String("kind", string(diag.Kind)), zap.String("path", diag.Path), zap.Error(diag))
	}

	loaded := 0
	for _, route := range res.Routes {
		ok, err := r.load(ctx, route)
		if err != nil {
			return loaded, err
		}
		if ok {
			loaded++
		}
	}
	r.logger.Info("Handler files loaded", zap.Int("routes", len(res.Routes)), zap.Int("loaded", loaded))
	r.onRoutes()
	return loaded, nil
}

// Apply reloads changed files and retires removed ones. It is the watcher
// callback.
func (r *Reloader) Apply(ctx context.Context, changes []discovery.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	routesChanged := false
	var errs []error
	for _, change := range changes {
		rel, err := filepath.Rel(r.root, change.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		routePath, ok := discovery.RoutePath(rel)
		if !ok {
			continue
		}

		if change.Removed {
			if b, ok := r.adapter.Binding(change.Path); ok && !b.Removed() {
				b.MarkRemoved()
				routesChanged = true
			}
			if err := r.loader.Unload(ctx, change.Path); err != nil {
				errs = append(errs, err)
			}
			r.logger.Info("Handler file removed", zap.String("route", routePath), zap.String("file", change.Path))
			continue
		}

		if b, ok := r.adapter.Binding(change.Path); !ok || b.Removed() {
			routesChanged = true
		}
		lang, _ := scriptapi.LanguageForPath(change.Path)
		if _, err := r.load(ctx, scriptapi.Route{RoutePath: routePath, FilePath: change.Path, Language: lang}); err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Info("Handler file reloaded", zap.String("route", routePath), zap.String("file", change.Path))
	}

	if routesChanged {
		r.onRoutes()
	}
	return errors.Join(errs...)
}

// load reads and loads one file and updates its binding. It reports whether
// the script is now live; the error is set only when the broker is unusable.
func (r *Reloader) load(ctx context.Context, route scriptapi.Route) (bool, error) {
	b := r.adapter.Bind(route)

	source, err := os.ReadFile(route.FilePath)
	if err != nil {
		b.SetLoadError(&scriptapi.LoadError{FilePath: route.FilePath, Language: route.Language, Err: fmt.Errorf("read handler file: %w", err)})
		r.logger.Warn("Failed to read handler file", zap.String("file", route.FilePath), zap.Error(err))
		return false, nil
	}

	h, err := r.loader.Load(ctx, route.FilePath, string(source), route.Language)
	if err != nil {
		b.SetLoadError(err)
		if errors.Is(err, scriptapi.ErrLoad) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", route.FilePath, err)
	}
	b.SetHandle(h)
	return true, nil
}
