// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/buke/scriptapi"
	"github.com/stretchr/testify/require"
)

// call is one recorded invocation of fakeCaller.
type call struct {
	handle scriptapi.Handle
	verb   scriptapi.Verb
	req    *scriptapi.ApiRequest
}

// fakeCaller records calls and answers with callFunc.
type fakeCaller struct {
	mu       sync.Mutex
	calls    []call
	callFunc func(h scriptapi.Handle, verb scriptapi.Verb, req *scriptapi.ApiRequest) (*scriptapi.ApiResponse, error)
}

func (f *fakeCaller) Call(_ context.Context, h scriptapi.Handle, verb scriptapi.Verb, req *scriptapi.ApiRequest) (*scriptapi.ApiResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{handle: h, verb: verb, req: req})
	fn := f.callFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(h, verb, req)
	}
	return &scriptapi.ApiResponse{Status: 200, Body: map[string]any{"ok": true}}, nil
}

func (f *fakeCaller) lastCall(t *testing.T) call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// brokerHandle issues real handles so tests can tell generations apart.
func brokerHandle(t *testing.T, b *scriptapi.Broker, file string) scriptapi.Handle {
	t.Helper()
	h, err := b.Load(context.Background(), file, "function GET() { return { status: 200 } }", scriptapi.LanguageJavaScript)
	require.NoError(t, err)
	return h
}

// newHandleBroker starts a broker whose engine accepts every script.
func newHandleBroker(t *testing.T) *scriptapi.Broker {
	t.Helper()
	b, err := scriptapi.NewBroker(scriptapi.WithEngine(scriptapi.LanguageJavaScript, func() (scriptapi.Engine, error) {
		return stubEngine{}, nil
	}))
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

type stubEngine struct{}

func (stubEngine) Compile(*scriptapi.Script) (scriptapi.Module, error) { return stubModule{}, nil }
func (stubEngine) Close() error                                        { return nil }

type stubModule struct{}

func (stubModule) Call(scriptapi.Verb, []byte) ([]byte, error) { return []byte(`{"status":200}`), nil }
func (stubModule) Close() error                                { return nil }

func serve(a *Adapter) http.Handler {
	r := NewChi()
	a.Register(r)
	return r.Mux()
}

func TestPattern(t *testing.T) {
	require.Equal(t, "/api/users/{id}", Pattern("/api/users/[id]"))
	require.Equal(t, "/api/{org}/repos/{repo}", Pattern("/api/[org]/repos/[repo]"))
	require.Equal(t, "/api/hello", Pattern("/api/hello"))
	require.Equal(t, "/api/[]", Pattern("/api/[]"))
}

func TestAdapter_BuildsRequest(t *testing.T) {
	b := newHandleBroker(t)
	caller := &fakeCaller{}
	a := NewAdapter(caller)
	binding := a.Bind(scriptapi.Route{RoutePath: "/api/users/[id]", FilePath: "api/users/[id].js", Language: scriptapi.LanguageJavaScript})
	h := brokerHandle(t, b, "api/users/[id].js")
	binding.SetHandle(h)

	req := httptest.NewRequest(http.MethodPost, "/api/users/42?x=1&x=2&y=z", strings.NewReader(`{"name":"bob"}`))
	req.Header.Set("X-Custom", "value")
	req.Header.Add("X-Custom", "second")
	rec := httptest.NewRecorder()
	serve(a).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	got := caller.lastCall(t)
	require.Equal(t, h, got.handle)
	require.Equal(t, scriptapi.VerbPost, got.verb)
	require.Equal(t, "/api/users/42?x=1&x=2&y=z", got.req.URL)
	require.Equal(t, http.MethodPost, got.req.Method)
	require.Equal(t, "value", got.req.Headers["x-custom"])
	require.Equal(t, "example.com", got.req.Headers["host"])
	require.Equal(t, map[string]string{"x": "1", "y": "z"}, got.req.Query)
	require.Equal(t, map[string]string{"id": "42"}, got.req.Params)
	require.NotNil(t, got.req.Body)
	require.Equal(t, `{"name":"bob"}`, *got.req.Body)
}

func TestAdapter_EmptyBody(t *testing.T) {
	b := newHandleBroker(t)
	caller := &fakeCaller{}
	a := NewAdapter(caller)
	a.Bind(scriptapi.Route{RoutePath: "/api/hello", FilePath: "hello.js"}).SetHandle(brokerHandle(t, b, "hello.js"))

	rec := httptest.NewRecorder()
	serve(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/hello", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	got := caller.lastCall(t)
	require.Nil(t, got.req.Body)
	require.NotNil(t, got.req.Params)
	require.Empty(t, got.req.Params)
	require.NotNil(t, got.req.Query)

	data, err := json.Marshal(got.req)
	require.NoError(t, err)
	require.Contains(t, string(data), `"body":null`)
}

func TestAdapter_WritesResponse(t *testing.T) {
	b := newHandleBroker(t)
	caller := &fakeCaller{callFunc: func(scriptapi.Handle, scriptapi.Verb, *scriptapi.ApiRequest) (*scriptapi.ApiResponse, error) {
		return &scriptapi.ApiResponse{
			Status:  201,
			Headers: map[string]string{"X-Handler": "yes"},
			Body:    map[string]any{"html": "<b>&</b>"},
		}, nil
	}}
	a := NewAdapter(caller)
	a.Bind(scriptapi.Route{RoutePath: "/api/hello", FilePath: "hello.js"}).SetHandle(brokerHandle(t, b, "hello.js"))

	rec := httptest.NewRecorder()
	serve(a).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/hello", nil))

	require.Equal(t, 201, rec.Code)
	require.Equal(t, "yes", rec.Header().Get("X-Handler"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, `{"html":"<b>&</b>"}`, rec.Body.String())
}

func TestAdapter_ResponseBodies(t *testing.T) {
	tests := []struct {
		name  string
		resp  *scriptapi.ApiResponse
		code  int
		body  string
		ctype string
	}{
		{
			name:  "string body is JSON",
			resp:  &scriptapi.ApiResponse{Status: 200, Body: "Hello"},
			code:  200,
			body:  `"Hello"`,
			ctype: "application/json",
		},
		{
			name:  "string body with text content type",
			resp:  &scriptapi.ApiResponse{Status: 200, Headers: map[string]string{"Content-Type": "text/plain"}, Body: "Hello"},
			code:  200,
			body:  "Hello",
			ctype: "text/plain",
		},
		{
			name:  "nil body",
			resp:  &scriptapi.ApiResponse{Status: 204},
			code:  204,
			body:  "",
			ctype: "",
		},
		{
			name:  "explicit null body",
			resp:  &scriptapi.ApiResponse{Status: 200, HasBody: true},
			code:  200,
			body:  "null",
			ctype: "application/json",
		},
		{
			name:  "out of range status",
			resp:  &scriptapi.ApiResponse{Status: 0, Body: []any{1, 2}},
			code:  200,
			body:  "[1,2]",
			ctype: "application/json",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeResponse(rec, tt.resp)
			require.Equal(t, tt.code, rec.Code)
			require.Equal(t, tt.body, rec.Body.String())
			require.Equal(t, tt.ctype, rec.Header().Get("Content-Type"))
		})
	}
}

func TestAdapter_MethodNotAllowedPassesThrough(t *testing.T) {
	b := newHandleBroker(t)
	caller := &fakeCaller{callFunc: func(_ scriptapi.Handle, verb scriptapi.Verb, _ *scriptapi.ApiRequest) (*scriptapi.ApiResponse, error) {
		return scriptapi.MethodNotAllowed(verb), nil
	}}
	a := NewAdapter(caller)
	a.Bind(scriptapi.Route{RoutePath: "/api/hello", FilePath: "hello.js"}).SetHandle(brokerHandle(t, b, "hello.js"))

	rec := httptest.NewRecorder()
	serve(a).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/hello", nil))

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.JSONEq(t, `{"error":"Method DELETE not allowed"}`, rec.Body.String())
}

func TestAdapter_CallErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"call error", &scriptapi.CallError{Verb: scriptapi.VerbGet, Err: errors.New("boom")}, http.StatusInternalServerError},
		{"serialization error", &scriptapi.SerializationError{Shape: "array"}, http.StatusInternalServerError},
		{"unknown handle", scriptapi.ErrUnknownHandle, http.StatusInternalServerError},
		{"disconnected", scriptapi.ErrBrokerDisconnected, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newHandleBroker(t)
			caller := &fakeCaller{callFunc: func(scriptapi.Handle, scriptapi.Verb, *scriptapi.ApiRequest) (*scriptapi.ApiResponse, error) {
				return nil, tt.err
			}}
			a := NewAdapter(caller)
			a.Bind(scriptapi.Route{RoutePath: "/api/hello", FilePath: "hello.js"}).SetHandle(brokerHandle(t, b, "hello.js"))

			rec := httptest.NewRecorder()
			serve(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/hello", nil))

			require.Equal(t, tt.code, rec.Code)
			var payload map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
			require.Equal(t, tt.err.Error(), payload["error"])
		})
	}
}

func TestAdapter_LoadErrorAndRemoved(t *testing.T) {
	caller := &fakeCaller{}
	a := NewAdapter(caller)
	broken := a.Bind(scriptapi.Route{RoutePath: "/api/broken", FilePath: "broken.js"})
	broken.SetLoadError(&scriptapi.LoadError{FilePath: "broken.js", Err: errors.New("SyntaxError: Unexpected token")})
	gone := a.Bind(scriptapi.Route{RoutePath: "/api/gone", FilePath: "gone.js"})
	handler := serve(a)
	gone.MarkRemoved()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/broken", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "SyntaxError")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gone", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Zero(t, caller.callCount())
	require.Len(t, a.Bindings(), 1)
}

func TestAdapter_RetriesAfterReload(t *testing.T) {
	b := newHandleBroker(t)
	oldHandle := brokerHandle(t, b, "hello.js")
	newHandle := brokerHandle(t, b, "hello.js")

	a := NewAdapter(nil)
	binding := a.Bind(scriptapi.Route{RoutePath: "/api/hello", FilePath: "hello.js"})
	binding.SetHandle(oldHandle)

	caller := &fakeCaller{callFunc: func(h scriptapi.Handle, _ scriptapi.Verb, _ *scriptapi.ApiRequest) (*scriptapi.ApiResponse, error) {
		if h == oldHandle {
			// The reload completes while the first call is in flight.
			binding.SetHandle(newHandle)
			return nil, scriptapi.ErrHandleInvalidated
		}
		return &scriptapi.ApiResponse{Status: 200, Body: "fresh"}, nil
	}}
	a.caller = caller

	rec := httptest.NewRecorder()
	serve(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/hello", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `"fresh"`, rec.Body.String())
	require.Equal(t, 2, caller.callCount())
	require.Equal(t, newHandle, caller.lastCall(t).handle)
}

func TestAdapter_InvalidatedWithoutNewerHandle(t *testing.T) {
	b := newHandleBroker(t)
	caller := &fakeCaller{callFunc: func(scriptapi.Handle, scriptapi.Verb, *scriptapi.ApiRequest) (*scriptapi.ApiResponse, error) {
		return nil, scriptapi.ErrHandleInvalidated
	}}
	a := NewAdapter(caller)
	a.Bind(scriptapi.Route{RoutePath: "/api/hello", FilePath: "hello.js"}).SetHandle(brokerHandle(t, b, "hello.js"))

	rec := httptest.NewRecorder()
	serve(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/hello", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, caller.callCount())
}

func TestAdapter_BodyTooLarge(t *testing.T) {
	b := newHandleBroker(t)
	caller := &fakeCaller{}
	a := NewAdapter(caller, WithMaxBodyBytes(8))
	a.Bind(scriptapi.Route{RoutePath: "/api/hello", FilePath: "hello.js"}).SetHandle(brokerHandle(t, b, "hello.js"))

	rec := httptest.NewRecorder()
	serve(a).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/hello", strings.NewReader("0123456789")))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Zero(t, caller.callCount())
}

func TestAdapter_CallTimeout(t *testing.T) {
	b := newHandleBroker(t)
	caller := &fakeCaller{}
	a := NewAdapter(caller, WithCallTimeout(0), WithCallTimeout(-1), WithLogger(nil))
	require.Zero(t, a.callTimeout)
	require.NotNil(t, a.logger)

	a.Bind(scriptapi.Route{RoutePath: "/api/hello", FilePath: "hello.js"}).SetHandle(brokerHandle(t, b, "hello.js"))
	rec := httptest.NewRecorder()
	serve(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/hello", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdapter_BindIsIdempotent(t *testing.T) {
	a := NewAdapter(&fakeCaller{})
	route := scriptapi.Route{RoutePath: "/api/hello", FilePath: "hello.js"}
	first := a.Bind(route)
	require.Same(t, first, a.Bind(route))

	got, ok := a.Binding("hello.js")
	require.True(t, ok)
	require.Same(t, first, got)
	require.Equal(t, route, got.Route())

	_, ok = a.Binding("missing.js")
	require.False(t, ok)
}

func TestAdapter_BindingsDedupeRoutePath(t *testing.T) {
	a := NewAdapter(&fakeCaller{})
	a.Bind(scriptapi.Route{RoutePath: "/api/b", FilePath: "b.js"})
	a.Bind(scriptapi.Route{RoutePath: "/api/a", FilePath: "a.js"})
	a.Bind(scriptapi.Route{RoutePath: "/api/a", FilePath: "a.ts"})

	var files []string
	for _, b := range a.Bindings() {
		files = append(files, b.Route().FilePath)
	}
	require.Equal(t, []string{"a.ts", "b.js"}, files)
}

func TestAdapter_UnboundRoute(t *testing.T) {
	a := NewAdapter(&fakeCaller{})
	rec := httptest.NewRecorder()
	serve(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nothing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdapter_PendingBinding(t *testing.T) {
	caller := &fakeCaller{callFunc: func(h scriptapi.Handle, _ scriptapi.Verb, _ *scriptapi.ApiRequest) (*scriptapi.ApiResponse, error) {
		if h.IsZero() {
			return nil, scriptapi.ErrUnknownHandle
		}
		return nil, fmt.Errorf("unexpected handle %s", h)
	}}
	a := NewAdapter(caller)
	a.Bind(scriptapi.Route{RoutePath: "/api/hello", FilePath: "hello.js"})

	rec := httptest.NewRecorder()
	serve(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/hello", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown handle")
}
