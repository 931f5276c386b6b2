// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package httpapi serves handler files over HTTP through a Caller, usually a
// *scriptapi.Broker.
package httpapi

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

// Router is the minimal HTTP router contract the adapter depends on.
// NewChi implements it.
type Router interface {
	Method(method, pattern string, h http.Handler)
	Get(pattern string, h http.Handler)
	Post(pattern string, h http.Handler)
	Put(pattern string, h http.Handler)
	Delete(pattern string, h http.Handler)
	Use(mw ...func(http.Handler) http.Handler)
	Mux() http.Handler
}

// chiRouter is the default Router backed by github.com/go-chi/chi.
type chiRouter struct{ r *chi.Mux }

// NewChi returns a chi-backed Router.
func NewChi() Router { return &chiRouter{r: chi.NewRouter()} }

func (c *chiRouter) Method(method, pattern string, h http.Handler) { c.r.Method(method, pattern, h) }
func (c *chiRouter) Get(pattern string, h http.Handler)            { c.r.Method(http.MethodGet, pattern, h) }
func (c *chiRouter) Post(pattern string, h http.Handler)           { c.r.Method(http.MethodPost, pattern, h) }
func (c *chiRouter) Put(pattern string, h http.Handler)            { c.r.Method(http.MethodPut, pattern, h) }
func (c *chiRouter) Delete(pattern string, h http.Handler)         { c.r.Method(http.MethodDelete, pattern, h) }
func (c *chiRouter) Use(mw ...func(http.Handler) http.Handler)     { c.r.Use(mw...) }
func (c *chiRouter) Mux() http.Handler                             { return c.r }

// SwapHandler serves through the handler most recently stored in it. chi
// routes cannot be added while serving, so a new route set is built on a
// fresh Router and swapped in.
type SwapHandler struct {
	current atomic.Pointer[http.Handler]
}

// NewSwapHandler returns a SwapHandler serving h.
func NewSwapHandler(h http.Handler) *SwapHandler {
	s := &SwapHandler{}
	s.Store(h)
	return s
}

// Store replaces the handler for subsequent requests.
func (s *SwapHandler) Store(h http.Handler) {
	s.current.Store(&h)
}

func (s *SwapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := s.current.Load()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	(*h).ServeHTTP(w, r)
}
