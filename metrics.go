// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// brokerMetrics holds the broker collectors. A nil *brokerMetrics records
// nothing.
type brokerMetrics struct {
	commands   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth prometheus.Gauge
	loaded     prometheus.Gauge
}

// newBrokerMetrics creates and registers the broker collectors. It returns nil
// when reg is nil.
func newBrokerMetrics(reg prometheus.Registerer) (*brokerMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &brokerMetrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptapi_broker_commands_total",
				Help: "Broker commands by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scriptapi_broker_command_duration_seconds",
				Help:    "Time the worker spent executing a command.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"kind"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scriptapi_broker_queue_depth",
			Help: "Commands waiting for the worker, sampled at enqueue.",
		}),
		loaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scriptapi_broker_loaded_scripts",
			Help: "Scripts with a live handle.",
		}),
	}

	for _, c := range []prometheus.Collector{m.commands, m.duration, m.queueDepth, m.loaded} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// observe records one executed command.
func (m *brokerMetrics) observe(kind commandKind, res *commandResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind.String(), outcome(res)).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

// queued adjusts the queue depth by delta: +1 before a send, -1 when the
// worker takes the command or the send is abandoned.
func (m *brokerMetrics) queued(delta float64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(delta)
}

func (m *brokerMetrics) setLoaded(n int) {
	if m == nil {
		return
	}
	m.loaded.Set(float64(n))
}

// outcome classifies a command result for the commands_total label.
func outcome(res *commandResult) string {
	switch {
	case res.err == nil && res.missing:
		return "not_allowed"
	case res.err == nil:
		return "ok"
	case errors.Is(res.err, ErrHandleInvalidated):
		return "invalidated"
	case errors.Is(res.err, ErrLoad):
		return "load_error"
	case errors.Is(res.err, ErrCall):
		return "call_error"
	default:
		return "error"
	}
}
