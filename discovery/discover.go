// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package discovery maps a directory of handler files onto HTTP routes and
// watches it for changes.
package discovery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/buke/scriptapi"
)

// RoutePrefix is prepended to every discovered route path.
const RoutePrefix = "/api"

// defaultIgnores lists editor and tooling leftovers that never become routes.
var defaultIgnores = []string{
	"**/node_modules/**",
	"**/*~",
	"**/*.swp",
	"**/*.swo",
	"**/#*#",
}

// DiagnosticKind classifies a discovery problem.
type DiagnosticKind string

const (
	DiagnosticUnreadableRoot  DiagnosticKind = "unreadable-root"
	DiagnosticUnreadableEntry DiagnosticKind = "unreadable-entry"
	DiagnosticRouteConflict   DiagnosticKind = "route-conflict"
)

// Diagnostic is a non-fatal problem found while scanning.
type Diagnostic struct {
	Kind   DiagnosticKind
	Path   string
	Detail string
	Err    error
}

func (d Diagnostic) Error() string {
	msg := fmt.Sprintf("%s: %s", d.Kind, d.Path)
	if d.Detail != "" {
		msg += ": " + d.Detail
	}
	if d.Err != nil {
		msg += ": " + d.Err.Error()
	}
	return msg
}

func (d Diagnostic) Unwrap() error { return d.Err }

// Result is the outcome of a scan. Routes are sorted by RoutePath and unique.
type Result struct {
	Routes      []scriptapi.Route
	Diagnostics []Diagnostic
}

// Option configures Discover and NewWatcher.
type Option func(*options)

type options struct {
	ignores []string
}

// WithIgnore adds doublestar patterns, relative to the root, for paths that
// are never routes.
func WithIgnore(patterns ...string) Option {
	return func(o *options) {
		o.ignores = append(o.ignores, patterns...)
	}
}

func newOptions(opts []Option) (*options, error) {
	o := &options{ignores: append([]string(nil), defaultIgnores...)}
	for _, opt := range opts {
		opt(o)
	}
	for _, pat := range o.ignores {
		if _, err := doublestar.Match(pat, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pat, err)
		}
	}
	return o, nil
}

// ignored reports whether rel, a slash-separated path relative to the root,
// matches an ignore pattern.
func (o *options) ignored(rel string) bool {
	for _, pat := range o.ignores {
		if matched, err := doublestar.Match(pat, rel); err == nil && matched {
			return true
		}
	}
	return false
}

// Discover walks root and returns one route per handler file. It never fails:
// problems are reported as diagnostics and the walk goes on.
func Discover(root string, opts ...Option) *Result {
	res := &Result{}

	o, err := newOptions(opts)
	if err != nil {
		res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: DiagnosticUnreadableRoot, Path: root, Err: err})
		return res
	}

	info, err := os.Stat(root)
	if err != nil {
		res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: DiagnosticUnreadableRoot, Path: root, Err: err})
		return res
	}
	if !info.IsDir() {
		res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: DiagnosticUnreadableRoot, Path: root, Detail: "not a directory"})
		return res
	}

	var routes []scriptapi.Route
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			kind := DiagnosticUnreadableEntry
			if path == root {
				kind = DiagnosticUnreadableRoot
			}
			res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: kind, Path: path, Err: walkErr})
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: DiagnosticUnreadableEntry, Path: path, Err: relErr})
			return nil
		}
		rel = filepath.ToSlash(rel)

		if strings.HasPrefix(d.Name(), ".") || o.ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		if route, ok := routeFor(rel, path); ok {
			routes = append(routes, route)
		}
		return nil
	})

	res.Routes, res.Diagnostics = dedupe(routes, res.Diagnostics)
	return res
}

// RoutePath returns the route for a handler file given its path relative to
// the root, or false when the file is not a handler.
func RoutePath(rel string) (string, bool) {
	rel = filepath.ToSlash(rel)
	if _, ok := scriptapi.LanguageForPath(rel); !ok {
		return "", false
	}
	return RoutePrefix + "/" + strings.TrimSuffix(rel, filepath.Ext(rel)), true
}

func routeFor(rel, path string) (scriptapi.Route, bool) {
	lang, ok := scriptapi.LanguageForPath(path)
	if !ok {
		return scriptapi.Route{}, false
	}
	routePath, _ := RoutePath(rel)
	return scriptapi.Route{RoutePath: routePath, FilePath: path, Language: lang}, true
}

// dedupe sorts routes and keeps the last file for each route path.
func dedupe(routes []scriptapi.Route, diags []Diagnostic) ([]scriptapi.Route, []Diagnostic) {
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].RoutePath != routes[j].RoutePath {
			return routes[i].RoutePath < routes[j].RoutePath
		}
		return routes[i].FilePath < routes[j].FilePath
	})

	out := make([]scriptapi.Route, 0, len(routes))
	for _, r := range routes {
		if n := len(out); n > 0 && out[n-1].RoutePath == r.RoutePath {
			diags = append(diags, Diagnostic{
				Kind:   DiagnosticRouteConflict,
				Path:   r.RoutePath,
				Detail: fmt.Sprintf("%s replaces %s", r.FilePath, out[n-1].FilePath),
			})
			out[n-1] = r
			continue
		}
		out = append(out, r)
	}
	return out, diags
}
