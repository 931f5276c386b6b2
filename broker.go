// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// BrokerOption contains configuration options for the broker
type BrokerOption struct {
	queueSize           uint32        // Capacity of the command queue
	enqueueTimeout      time.Duration // Timeout for enqueuing commands (0 = wait for ctx only)
	transpileTypeScript bool          // Transpile TypeScript when no TypeScript engine is registered
}

// Broker owns the script engines and serializes every interaction with them
// through a single worker goroutine fed by a FIFO command queue.
//
// Reload policy: Load always recompiles. The previous handle for the file is
// invalidated whether or not the new source compiles. A Call is resolved when
// the worker dequeues it, so calls queued ahead of a reload run against the
// old module and calls dequeued after it fail with ErrHandleInvalidated.
//
// Module state persists across calls: top-level code runs once per Load.
type Broker struct {
	options    *BrokerOption              // Configuration options
	engines    map[Language]EngineFactory // Engine factories by language
	logger     *zap.Logger                // Logger instance
	registerer prometheus.Registerer      // Registry for broker metrics (nil = disabled)
	metrics    *brokerMetrics             // Broker metrics (nil-safe)

	queue    chan *command // Commands waiting for the worker
	quit     chan struct{} // Closed by Stop
	done     chan struct{} // Closed when the worker exits
	started  atomic.Bool
	stopOnce sync.Once
	exitErr  error // Why the worker exited; written before done is closed
}

// NewBroker creates a broker with the given options. At least one engine must
// be registered with WithEngine.
func NewBroker(opts ...func(*Broker)) (*Broker, error) {
	broker := &Broker{
		logger:  zap.NewNop(),
		engines: make(map[Language]EngineFactory),
		options: &BrokerOption{
			queueSize:           1024,             // Default queue capacity
			enqueueTimeout:      30 * time.Second, // 30 second enqueue timeout
			transpileTypeScript: true,
		},
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(broker)
	}

	if len(broker.engines) == 0 {
		return nil, fmt.Errorf("at least one script engine must be provided")
	}

	metrics, err := newBrokerMetrics(broker.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register broker metrics: %w", err)
	}
	broker.metrics = metrics
	broker.queue = make(chan *command, broker.options.queueSize)

	return broker, nil
}

// Start spawns the worker and waits until every engine is created.
func (b *Broker) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("broker already started")
	}

	w := newWorker(b)
	go w.run()

	if err := <-w.initCh; err != nil {
		return fmt.Errorf("worker initialization failed: %w", err)
	}

	b.logger.Debug("Broker started",
		zap.Uint32("queueSize", b.options.queueSize),
		zap.Duration("enqueueTimeout", b.options.enqueueTimeout),
		zap.Int("engines", len(b.engines)),
	)
	return nil
}

// Stop stops the worker. The command being executed runs to completion;
// commands still queued are answered with ErrBrokerDisconnected.
func (b *Broker) Stop() error {
	if !b.started.Load() {
		return ErrBrokerNotStarted
	}
	b.stopOnce.Do(func() { close(b.quit) })
	<-b.done
	return nil
}

// Done is closed when the worker has exited.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Err reports why the worker exited. It is nil while the worker runs and
// after a clean Stop.
func (b *Broker) Err() error {
	select {
	case <-b.done:
		return b.exitErr
	default:
		return nil
	}
}

// Load compiles a script into a private context and returns its handle.
// Failures are reported as *LoadError.
func (b *Broker) Load(ctx context.Context, filePath, source string, lang Language) (Handle, error) {
	cmd := newCommand(commandLoad)
	script, err := b.prepare(filePath, source, lang)
	if err != nil {
		// The worker still drops the previous module for the file.
		script = &Script{FilePath: filePath, Content: source, Language: lang}
		cmd.prepareErr = err
	}
	cmd.script = script
	res, err := b.submit(ctx, cmd)
	if err != nil {
		return Handle{}, err
	}
	if res.err != nil {
		var le *LoadError
		if errors.As(res.err, &le) {
			le.Language = lang
		}
		b.logger.Warn("Script load failed", zap.String("file", filePath), zap.Error(res.err))
		return Handle{}, res.err
	}

	b.logger.Debug("Script loaded", zap.String("file", filePath), zap.Stringer("handle", res.handle))
	return res.handle, nil
}

// Unload drops the module loaded for filePath. Handles issued for it become
// invalid. Unloading a file that is not loaded is not an error.
func (b *Broker) Unload(ctx context.Context, filePath string) error {
	cmd := newCommand(commandUnload)
	cmd.file = filePath
	res, err := b.submit(ctx, cmd)
	if err != nil {
		return err
	}
	return res.err
}

// Call invokes the function named verb in the script behind h. A missing
// function yields a 405 response, not an error.
func (b *Broker) Call(ctx context.Context, h Handle, verb Verb, req *ApiRequest) (*ApiResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	cmd := newCommand(commandCall)
	cmd.handle = h
	cmd.verb = verb
	cmd.payload = payload
	res, err := b.submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}
	if res.missing {
		return MethodNotAllowed(verb), nil
	}

	resp, err := DecodeResponse(res.payload)
	if err != nil {
		var se *SerializationError
		if errors.As(err, &se) {
			se.FilePath = h.filePath
			se.Verb = verb
		}
		return nil, err
	}
	return resp, nil
}

// submit enqueues cmd and waits for its reply.
func (b *Broker) submit(ctx context.Context, cmd *command) (*commandResult, error) {
	if !b.started.Load() {
		return nil, ErrBrokerNotStarted
	}
	select {
	case <-b.done:
		return nil, ErrBrokerDisconnected
	default:
	}

	var timeout <-chan time.Time
	if b.options.enqueueTimeout > 0 {
		timer := time.NewTimer(b.options.enqueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	b.metrics.queued(1)
	select {
	case b.queue <- cmd:
	case <-b.done:
		b.metrics.queued(-1)
		return nil, ErrBrokerDisconnected
	case <-ctx.Done():
		b.metrics.queued(-1)
		return nil, ctx.Err()
	case <-timeout:
		b.metrics.queued(-1)
		return nil, fmt.Errorf("timeout enqueuing %s command", cmd.kind)
	}

	select {
	case res := <-cmd.reply:
		return res, nil
	case <-b.done:
		// The worker may have answered right before exiting.
		select {
		case res := <-cmd.reply:
			return res, nil
		default:
			return nil, ErrBrokerDisconnected
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prepare turns source text into a Script for the engine that will run it.
func (b *Broker) prepare(filePath, source string, lang Language) (*Script, error) {
	script := &Script{FilePath: filePath, Content: source, Language: lang}
	if _, ok := b.engines[lang]; ok && !strings.EqualFold(filepath.Ext(filePath), ".mjs") {
		return script, nil
	}

	switch {
	case lang == LanguageTypeScript && b.options.transpileTypeScript:
		code, err := transpile(filePath, source, true)
		if err != nil {
			return nil, &LoadError{FilePath: filePath, Language: lang, Err: err}
		}
		script.Content = code
		script.Language = LanguageJavaScript
	case lang == LanguageJavaScript:
		// ES module syntax is rewritten to CommonJS.
		code, err := transpile(filePath, source, false)
		if err != nil {
			return nil, &LoadError{FilePath: filePath, Language: lang, Err: err}
		}
		script.Content = code
	}
	return script, nil
}

// WithEngine registers the engine factory used for scripts of lang.
func WithEngine(lang Language, factory EngineFactory) func(*Broker) {
	return func(broker *Broker) {
		if factory != nil {
			broker.engines[lang] = factory
		}
	}
}

// WithLogger configures the logger for the broker
func WithLogger(logger *zap.Logger) func(*Broker) {
	return func(broker *Broker) {
		if logger != nil {
			broker.logger = logger
		}
	}
}

// WithMetrics registers broker metrics with reg.
func WithMetrics(reg prometheus.Registerer) func(*Broker) {
	return func(broker *Broker) {
		broker.registerer = reg
	}
}

func WithQueueSize(size uint32) func(*Broker) {
	return func(broker *Broker) {
		if size > 0 {
			broker.options.queueSize = size
		}
	}
}

func WithEnqueueTimeout(timeout time.Duration) func(*Broker) {
	return func(broker *Broker) {
		if timeout >= 0 {
			broker.options.enqueueTimeout = timeout
		}
	}
}

// WithTypeScriptTranspile toggles host-side TypeScript transpilation.
func WithTypeScriptTranspile(enabled bool) func(*Broker) {
	return func(broker *Broker) {
		broker.options.transpileTypeScript = enabled
	}
}
