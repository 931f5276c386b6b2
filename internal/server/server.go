// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package server wires the broker, the HTTP adapter and the file watcher
// into an fx application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/buke/scriptapi"
	"github.com/buke/scriptapi/discovery"
	"github.com/buke/scriptapi/httpapi"
	"github.com/buke/scriptapi/internal/config"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Server runs the HTTP listener in front of the broker.
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	broker     *scriptapi.Broker
	adapter    *httpapi.Adapter
	metrics    *httpapi.Metrics
	handler    *httpapi.SwapHandler
	reloader   *Reloader
	shutdowner fx.Shutdowner

	httpSrv  *http.Server
	addr     net.Addr
	stopCh   chan struct{}
	stopOnce sync.Once
	watchWG  sync.WaitGroup
	cancel   context.CancelFunc
}

type serverDeps struct {
	fx.In
	Config     *config.Config
	Logger     *zap.Logger
	Broker     *scriptapi.Broker
	Adapter    *httpapi.Adapter
	Metrics    *httpapi.Metrics
	Shutdowner fx.Shutdowner
}

// NewServer assembles a Server. Nothing runs until Start.
func NewServer(d serverDeps) *Server {
	s := &Server{
		cfg:        d.Config,
		logger:     d.Logger,
		broker:     d.Broker,
		adapter:    d.Adapter,
		metrics:    d.Metrics,
		handler:    httpapi.NewSwapHandler(http.NotFoundHandler()),
		shutdowner: d.Shutdowner,
		stopCh:     make(chan struct{}),
	}
	var opts []discovery.Option
	if len(d.Config.Ignore) > 0 {
		opts = append(opts, discovery.WithIgnore(d.Config.Ignore...))
	}
	s.reloader = NewReloader(d.Config.APIDir, d.Broker, d.Adapter, d.Logger.Named("reload"), s.rebuild, opts...)
	return s
}

// Addr returns the listening address once Start has returned.
func (s *Server) Addr() net.Addr { return s.addr }

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start starts the broker, loads every handler file and only then begins
// accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if err := s.broker.Start(); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	if _, err := s.reloader.LoadAll(ctx); err != nil {
		_ = s.broker.Stop()
		return fmt.Errorf("load handler files: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		_ = s.broker.Stop()
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.addr = ln.Addr()
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.cfg.Watch {
		if err := s.startWatcher(runCtx); err != nil {
			cancel()
			_ = ln.Close()
			_ = s.broker.Stop()
			return err
		}
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
			_ = s.shutdowner.Shutdown(fx.ExitCode(1))
		}
	}()
	go s.monitor()

	s.logger.Info("Server started",
		zap.String("addr", s.addr.String()),
		zap.String("apiDir", s.cfg.APIDir),
		zap.String("engine", s.cfg.Engine),
		zap.Bool("watch", s.cfg.Watch),
	)
	return nil
}

// Stop drains HTTP requests, then stops the watcher and the broker.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.logger.Info("Server stopping")

	if timeout := s.cfg.ShutdownTimeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.watchWG.Wait()
	if err := s.broker.Stop(); err != nil && !errors.Is(err, scriptapi.ErrBrokerNotStarted) {
		errs = append(errs, fmt.Errorf("stop broker: %w", err))
	}
	_ = s.logger.Sync()
	return errors.Join(errs...)
}

func (s *Server) startWatcher(ctx context.Context) error {
	var opts []discovery.Option
	if len(s.cfg.Ignore) > 0 {
		opts = append(opts, discovery.WithIgnore(s.cfg.Ignore...))
	}
	w, err := discovery.NewWatcher(discovery.WatchConfig{
		Root:     s.cfg.APIDir,
		Debounce: s.cfg.WatchDebounce.Duration,
		OnChange: s.reloader.Apply,
		Logger:   s.logger.Named("watch"),
	}, opts...)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		if err := w.Run(ctx); err != nil {
			s.logger.Error("Watcher stopped", zap.Error(err))
		}
	}()
	return nil
}

// monitor shuts the application down with exit code 1 when the broker worker
// dies on its own.
func (s *Server) monitor() {
	select {
	case <-s.stopCh:
	case <-s.broker.Done():
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.logger.Error("Broker disconnected", zap.Error(s.broker.Err()))
		_ = s.shutdowner.Shutdown(fx.ExitCode(1))
	}
}

// rebuild swaps in a router for the current set of routes.
func (s *Server) rebuild() {
	s.handler.Store(s.newRouter())
}

func (s *Server) newRouter() http.Handler {
	r := httpapi.NewChi()
	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		httpapi.AccessLog(s.logger.Named("http")),
		s.metrics.Middleware,
		chimw.Recoverer,
	)
	r.Get("/healthz", s.adapter.Healthz(s.broker))
	if s.cfg.MetricsPath != "" {
		r.Get(s.cfg.MetricsPath, s.metrics.Handler())
	}
	s.adapter.Register(r)
	return r.Mux()
}
