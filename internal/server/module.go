// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"

	"github.com/buke/scriptapi"
	"github.com/buke/scriptapi/httpapi"
	"github.com/buke/scriptapi/internal/config"
	"github.com/buke/scriptapi/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Module returns the fx options for a server configured by cfg.
func Module(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideRegistry,
			provideBroker,
			provideMetrics,
			provideAdapter,
			NewServer,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(registerHooks),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir})
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideBroker(cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry) (*scriptapi.Broker, error) {
	factory, err := engineFactory(cfg)
	if err != nil {
		return nil, err
	}
	return scriptapi.NewBroker(
		scriptapi.WithEngine(scriptapi.LanguageJavaScript, factory),
		scriptapi.WithLogger(logger.Named("broker")),
		scriptapi.WithMetrics(reg),
		scriptapi.WithQueueSize(cfg.QueueSize),
		scriptapi.WithEnqueueTimeout(cfg.EnqueueTimeout.Duration),
	)
}

func provideMetrics(cfg *config.Config, reg *prometheus.Registry) (*httpapi.Metrics, error) {
	return httpapi.NewMetrics(reg, cfg.MetricsPath, "/healthz")
}

func provideAdapter(cfg *config.Config, broker *scriptapi.Broker, logger *zap.Logger) *httpapi.Adapter {
	return httpapi.NewAdapter(broker,
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithCallTimeout(cfg.CallTimeout.Duration),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
}

func registerHooks(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return s.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return s.Stop(ctx) },
	})
}
