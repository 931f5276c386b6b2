//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"fmt"

	"github.com/buke/scriptapi"
	"github.com/tommie/v8go"
)

var (
	// Make these functions variables so they can be mocked in tests.
	v8NewIsolate = v8go.NewIsolate
	v8NewContext = v8go.NewContext
	v8NewValue   = v8go.NewValue
)

// Engine implements the scriptapi.Engine interface using the V8 engine.
// It owns one V8 Isolate; each compiled script gets its own Context.
type Engine struct {
	// Iso is the V8 Isolate, representing a single-threaded VM instance.
	// It is exposed publicly to allow for advanced custom options.
	Iso *v8go.Isolate

	// Option holds the engine-specific configurations.
	Option *EngineOption

	// DispatchScript is evaluated in a module's context on every call.
	DispatchScript string
}

// NewFactory creates a new scriptapi.EngineFactory for the V8 engine.
func NewFactory(opts ...Option) scriptapi.EngineFactory {
	return func() (scriptapi.Engine, error) {
		return newEngine(opts...)
	}
}

// newEngine creates and initializes a new V8 Engine instance.
func newEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		Option:         &EngineOption{},
		DispatchScript: scriptapi.DispatchScript,
	}

	// Apply user-provided options
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// Override default dispatch script if provided in options
	if e.Option.DispatchScript != "" {
		e.DispatchScript = e.Option.DispatchScript
	}

	iso := v8NewIsolate()
	if iso == nil {
		return nil, fmt.Errorf("failed to create v8 isolate")
	}
	e.Iso = iso

	return e, nil
}

// Compile evaluates the script in a new V8 context.
func (e *Engine) Compile(script *scriptapi.Script) (scriptapi.Module, error) {
	if script == nil {
		return nil, fmt.Errorf("script cannot be nil")
	}
	if e.Iso == nil {
		return nil, fmt.Errorf("engine is closed")
	}

	ctx := v8NewContext(e.Iso)
	if ctx == nil {
		return nil, fmt.Errorf("failed to create v8 context")
	}

	if _, err := ctx.RunScript(scriptapi.ModulePrelude, script.FilePath); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to prepare module scope: %w", err)
	}
	if _, err := ctx.RunScript(script.Content, script.FilePath); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to evaluate script %s: %w", script.FilePath, err)
	}

	return &Module{iso: e.Iso, ctx: ctx, dispatchScript: e.DispatchScript}, nil
}

// Close releases the isolate. Modules must be closed first.
func (e *Engine) Close() error {
	if e.Iso != nil {
		e.Iso.Dispose()
		e.Iso = nil
	}
	return nil
}

// Module is one script evaluated in its own V8 context.
type Module struct {
	iso            *v8go.Isolate
	ctx            *v8go.Context
	dispatchScript string
}

// Call runs the dispatcher in the module's context. V8 drains microtasks when
// the call returns, so the promise is settled unless the handler waits on
// something that never resolves.
func (m *Module) Call(verb scriptapi.Verb, payload []byte) ([]byte, error) {
	if m.ctx == nil {
		return nil, fmt.Errorf("module is closed")
	}

	dispatchVal, err := m.ctx.RunScript(m.dispatchScript, "dispatch.js")
	if err != nil {
		return nil, fmt.Errorf("failed to run dispatch script: %w", err)
	}
	if !dispatchVal.IsFunction() {
		return nil, fmt.Errorf("dispatch script did not return a function")
	}
	dispatch, _ := dispatchVal.AsFunction()

	jsVerb, err := v8NewValue(m.iso, string(verb))
	if err != nil {
		return nil, fmt.Errorf("failed to create v8 value for verb: %w", err)
	}
	jsPayload, err := v8NewValue(m.iso, string(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create v8 value for payload: %w", err)
	}

	promiseVal, err := dispatch.Call(m.ctx.Global(), jsVerb, jsPayload)
	if err != nil {
		return nil, fmt.Errorf("js execution error: %w", err)
	}
	promise, err := promiseVal.AsPromise()
	if err != nil {
		return nil, fmt.Errorf("dispatch did not return a promise: %w", err)
	}

	switch promise.State() {
	case v8go.Fulfilled:
		result := promise.Result()
		if result.IsUndefined() {
			return nil, scriptapi.ErrVerbNotExported
		}
		return []byte(result.String()), nil
	case v8go.Rejected:
		return nil, fmt.Errorf("js execution error: %s", promise.Result().String())
	default:
		return nil, fmt.Errorf("handler promise did not settle")
	}
}

// Close releases the context.
func (m *Module) Close() error {
	if m.ctx != nil {
		m.ctx.Close()
		m.ctx = nil
	}
	return nil
}
