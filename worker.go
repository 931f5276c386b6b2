// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// loadedScript is a compiled module together with the handle issued for it.
type loadedScript struct {
	handle Handle
	module Module
}

// worker is the only goroutine that touches engines and modules.
type worker struct {
	broker *Broker
	initCh chan error // Signals initialization completion

	engines    map[Language]Engine      // Engines by language, created on this goroutine
	scripts    map[string]*loadedScript // Live modules keyed by file path
	generation uint64                   // Last issued handle generation

	executed uint64 // Number of commands executed (atomic)
}

// newWorker creates a worker for the broker.
func newWorker(b *Broker) *worker {
	return &worker{
		broker:  b,
		initCh:  make(chan error, 1),
		engines: make(map[Language]Engine, len(b.engines)),
		scripts: make(map[string]*loadedScript),
	}
}

// getExecuted returns the number of commands executed so far (thread-safe).
func (w *worker) getExecuted() uint64 {
	return atomic.LoadUint64(&w.executed)
}

// initEngines creates every registered engine.
func (w *worker) initEngines() error {
	langs := make([]Language, 0, len(w.broker.engines))
	for lang := range w.broker.engines {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })

	for _, lang := range langs {
		engine, err := w.broker.engines[lang]()
		if err != nil {
			return fmt.Errorf("failed to create %s engine: %w", lang, err)
		}
		if engine == nil {
			return fmt.Errorf("failed to create %s engine: factory returned nil", lang)
		}
		w.engines[lang] = engine
	}
	return nil
}

// run is the worker loop. It drains the broker queue strictly in arrival
// order, one command at a time, until the broker is stopped.
func (w *worker) run() {
	// Engines such as V8 and QuickJS expect to stay on one OS thread.
	runtime.LockOSThread()

	var exitErr error
	defer func() {
		if r := recover(); r != nil {
			exitErr = fmt.Errorf("worker panic: %v", r)
		}
		w.shutdown(exitErr)
	}()

	if err := w.initEngines(); err != nil {
		exitErr = err
		w.initCh <- err
		close(w.initCh)
		return
	}
	w.initCh <- nil
	close(w.initCh)

	for {
		select {
		case <-w.broker.quit:
			return
		case cmd := <-w.broker.queue:
			w.broker.metrics.queued(-1)
			w.execute(cmd)
		}
	}
}

// shutdown releases every module and engine, marks the broker disconnected and
// answers whatever is still queued.
func (w *worker) shutdown(exitErr error) {
	logger := w.broker.logger

	for file, s := range w.scripts {
		if err := s.module.Close(); err != nil {
			logger.Error("Failed to close script module", zap.String("file", file), zap.Error(err))
		}
		delete(w.scripts, file)
	}
	for lang, engine := range w.engines {
		if err := engine.Close(); err != nil {
			logger.Error("Failed to close engine", zap.Stringer("language", lang), zap.Error(err))
		}
		delete(w.engines, lang)
	}
	w.broker.metrics.setLoaded(0)

	w.broker.exitErr = exitErr
	close(w.broker.done)

	for {
		select {
		case cmd := <-w.broker.queue:
			w.broker.metrics.queued(-1)
			cmd.reply <- &commandResult{err: ErrBrokerDisconnected}
		default:
			if exitErr != nil {
				logger.Error("Broker worker exited", zap.Error(exitErr))
			} else {
				logger.Debug("Broker worker stopped", zap.Uint64("executed", w.getExecuted()))
			}
			return
		}
	}
}

// execute runs one command to completion and sends its single reply.
func (w *worker) execute(cmd *command) {
	start := time.Now()
	var res *commandResult

	defer func() {
		if r := recover(); r != nil {
			res = &commandResult{err: w.panicError(cmd, r)}
			w.broker.logger.Error("Command execution panic",
				zap.Stringer("kind", cmd.kind),
				zap.Any("panic", r),
			)
		}
		if res == nil {
			res = &commandResult{err: fmt.Errorf("%s command produced no result", cmd.kind)}
		}
		atomic.AddUint64(&w.executed, 1)
		w.broker.metrics.observe(cmd.kind, res, time.Since(start))
		cmd.reply <- res
	}()

	switch cmd.kind {
	case commandLoad:
		res = w.load(cmd.script, cmd.prepareErr)
	case commandCall:
		res = w.call(cmd.handle, cmd.verb, cmd.payload)
	case commandUnload:
		w.drop(cmd.file)
		res = &commandResult{}
	default:
		res = &commandResult{err: fmt.Errorf("unknown command kind %d", cmd.kind)}
	}
}

// panicError converts a recovered panic into the error type of the command.
func (w *worker) panicError(cmd *command, r any) error {
	err := fmt.Errorf("panic: %v", r)
	switch cmd.kind {
	case commandLoad:
		return &LoadError{FilePath: cmd.script.FilePath, Language: cmd.script.Language, Err: err}
	case commandCall:
		return &CallError{FilePath: cmd.handle.filePath, Verb: cmd.verb, Err: err}
	default:
		return err
	}
}

// load compiles a script into a new module. Any module previously loaded for
// the same file is dropped whether or not the new one compiles. A non-nil
// prepareErr skips compilation and is returned as the load failure.
func (w *worker) load(script *Script, prepareErr error) *commandResult {
	if prepareErr != nil {
		w.drop(script.FilePath)
		return &commandResult{err: prepareErr}
	}
	engine, ok := w.engines[script.Language]
	if !ok {
		w.drop(script.FilePath)
		return &commandResult{err: &LoadError{
			FilePath: script.FilePath,
			Language: script.Language,
			Err:      ErrUnsupportedLanguage,
		}}
	}

	module, err := engine.Compile(script)
	w.drop(script.FilePath)
	if err != nil {
		return &commandResult{err: &LoadError{FilePath: script.FilePath, Language: script.Language, Err: err}}
	}

	w.generation++
	h := Handle{filePath: script.FilePath, generation: w.generation}
	w.scripts[script.FilePath] = &loadedScript{handle: h, module: module}
	w.broker.metrics.setLoaded(len(w.scripts))
	return &commandResult{handle: h}
}

// call resolves the handle against the live table and invokes the verb.
func (w *worker) call(h Handle, verb Verb, payload []byte) *commandResult {
	if h.IsZero() {
		return &commandResult{err: ErrUnknownHandle}
	}
	s, ok := w.scripts[h.filePath]
	if !ok || s.handle != h {
		return &commandResult{err: fmt.Errorf("%w: %s", ErrHandleInvalidated, h)}
	}

	out, err := s.module.Call(verb, payload)
	if errors.Is(err, ErrVerbNotExported) {
		return &commandResult{missing: true}
	}
	if err != nil {
		return &commandResult{err: &CallError{FilePath: h.filePath, Verb: verb, Err: err}}
	}
	return &commandResult{payload: out}
}

// drop closes and forgets the module loaded for file, if any.
func (w *worker) drop(file string) {
	s, ok := w.scripts[file]
	if !ok {
		return
	}
	delete(w.scripts, file)
	if err := s.module.Close(); err != nil {
		w.broker.logger.Error("Failed to close script module", zap.String("file", file), zap.Error(err))
	}
	w.broker.metrics.setLoaded(len(w.scripts))
}
