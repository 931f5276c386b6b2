// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buke/scriptapi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes caps request bodies read for scripts.
const DefaultMaxBodyBytes int64 = 10 << 20

// Caller runs a verb of a loaded script. *scriptapi.Broker implements it.
type Caller interface {
	Call(ctx context.Context, h scriptapi.Handle, verb scriptapi.Verb, req *scriptapi.ApiRequest) (*scriptapi.ApiResponse, error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger used for failed calls.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCallTimeout bounds each call. Zero means the request context only.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d >= 0 {
			a.callTimeout = d
		}
	}
}

// WithMaxBodyBytes caps the request body. Larger bodies get 413.
func WithMaxBodyBytes(n int64) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// Adapter turns HTTP requests into script calls.
type Adapter struct {
	caller       Caller
	logger       *zap.Logger
	callTimeout  time.Duration
	maxBodyBytes int64

	mu       sync.RWMutex
	bindings map[string]*Binding // by file path
}

// NewAdapter creates an adapter that calls scripts through caller.
func NewAdapter(caller Caller, opts ...Option) *Adapter {
	a := &Adapter{
		caller:       caller,
		logger:       zap.NewNop(),
		maxBodyBytes: DefaultMaxBodyBytes,
		bindings:     make(map[string]*Binding),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bind returns the binding for the route's file, creating it if needed.
// A new binding answers 500 until SetHandle or SetLoadError is called.
func (a *Adapter) Bind(route scriptapi.Route) *Binding {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bindings[route.FilePath]; ok {
		return b
	}
	b := newBinding(route)
	a.bindings[route.FilePath] = b
	return b
}

// Binding returns the binding for a file.
func (a *Adapter) Binding(filePath string) (*Binding, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.bindings[filePath]
	return b, ok
}

// Bindings returns the live bindings, one per route path, sorted by route
// path. When two files share a route path the later file path wins.
func (a *Adapter) Bindings() []*Binding {
	a.mu.RLock()
	all := make([]*Binding, 0, len(a.bindings))
	for _, b := range a.bindings {
		if !b.Removed() {
			all = append(all, b)
		}
	}
	a.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		ri, rj := all[i].route, all[j].route
		if ri.RoutePath != rj.RoutePath {
			return ri.RoutePath < rj.RoutePath
		}
		return ri.FilePath < rj.FilePath
	})
	out := all[:0]
	for _, b := range all {
		if n := len(out); n > 0 && out[n-1].route.RoutePath == b.route.RoutePath {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// Register adds every verb of every live binding to r.
func (a *Adapter) Register(r Router) {
	for _, b := range a.Bindings() {
		pattern := Pattern(b.route.RoutePath)
		for _, verb := range scriptapi.Verbs {
			r.Method(string(verb), pattern, a.handler(b, verb))
		}
	}
}

// Pattern converts a route path into a chi pattern: a [name] segment
// becomes {name}.
func Pattern(routePath string) string {
	segs := strings.Split(routePath, "/")
	for i, seg := range segs {
		if len(seg) > 2 && strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") {
			segs[i] = "{" + seg[1:len(seg)-1] + "}"
		}
	}
	return strings.Join(segs, "/")
}

func (a *Adapter) handler(b *Binding, verb scriptapi.Verb) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := b.snapshot()
		switch {
		case st.removed:
			writeError(w, http.StatusNotFound, "route not found")
			return
		case st.loadErr != nil:
			writeError(w, http.StatusInternalServerError, st.loadErr.Error())
			return
		}

		req, status, err := a.buildRequest(r)
		if err != nil {
			writeError(w, status, err.Error())
			return
		}

		ctx := r.Context()
		if a.callTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.callTimeout)
			defer cancel()
		}

		resp, err := a.caller.Call(ctx, st.handle, verb, req)
		if errors.Is(err, scriptapi.ErrHandleInvalidated) {
			// A reload landed between reading the binding and the call.
			if next := b.snapshot(); next != st {
				switch {
				case next.removed:
					writeError(w, http.StatusNotFound, "route not found")
					return
				case next.loadErr != nil:
					writeError(w, http.StatusInternalServerError, next.loadErr.Error())
					return
				}
				resp, err = a.caller.Call(ctx, next.handle, verb, req)
			}
		}
		if err != nil {
			a.logger.Warn("Script call failed",
				zap.String("requestId", chimw.GetReqID(r.Context())),
				zap.String("route", b.route.RoutePath),
				zap.String("verb", string(verb)),
				zap.Error(err),
			)
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeResponse(w, resp)
	})
}

// errorStatus maps a call failure to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, scriptapi.ErrBrokerDisconnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// buildRequest converts r into the value handed to the script. On failure it
// returns the HTTP status to answer with.
func (a *Adapter) buildRequest(r *http.Request) (*scriptapi.ApiRequest, int, error) {
	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	if r.Host != "" {
		headers["host"] = r.Host
	}

	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	params := make(map[string]string)
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key == "*" || i >= len(rctx.URLParams.Values) {
				continue
			}
			params[key] = rctx.URLParams.Values[i]
		}
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(nil, r.Body, a.maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, http.StatusRequestEntityTooLarge, errors.New("request body too large")
			}
			return nil, http.StatusBadRequest, errors.New("failed to read request body")
		}
	}

	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	return scriptapi.NewApiRequest(uri, r.Method, headers, query, params, body), 0, nil
}
