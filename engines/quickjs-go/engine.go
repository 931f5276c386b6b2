// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package quickjsengine

import (
	"fmt"

	"github.com/buke/quickjs-go"
	"github.com/buke/scriptapi"
)

// Engine owns one QuickJS runtime. Each compiled script gets its own context
// inside that runtime.
type Engine struct {
	Runtime        *quickjs.Runtime // QuickJS runtime instance
	Option         *EngineOption    // Engine configuration options
	DispatchScript string           // Dispatcher evaluated on every call
}

// Compile evaluates the script in a new context of the engine's runtime.
func (e *Engine) Compile(script *scriptapi.Script) (scriptapi.Module, error) {
	if script == nil {
		return nil, fmt.Errorf("script cannot be nil")
	}
	if e.Runtime == nil {
		return nil, fmt.Errorf("engine is closed")
	}

	ctx := e.Runtime.NewContext()
	for _, code := range []string{scriptapi.ModulePrelude, script.Content} {
		result := ctx.Eval(code, quickjs.EvalFileName(script.FilePath), quickjs.EvalAwait(true))
		failed := result.IsException()
		result.Free()
		if failed {
			err := ctx.Exception()
			ctx.Close()
			return nil, fmt.Errorf("failed to evaluate script %s: %w", script.FilePath, err)
		}
	}

	return &Module{ctx: ctx, dispatchScript: e.DispatchScript}, nil
}

// Close releases the runtime. Modules must be closed first.
func (e *Engine) Close() error {
	if e.Runtime != nil {
		e.Runtime.Close()
		e.Runtime = nil
	}
	return nil
}

// Module is one script evaluated in its own QuickJS context.
type Module struct {
	ctx            *quickjs.Context
	dispatchScript string
}

// Call evaluates the dispatcher in the module's context and awaits its result.
func (m *Module) Call(verb scriptapi.Verb, payload []byte) ([]byte, error) {
	if m.ctx == nil {
		return nil, fmt.Errorf("module is closed")
	}

	fn := m.ctx.Eval(m.dispatchScript, quickjs.EvalFileName("dispatch.js"))
	defer fn.Free()
	if fn.IsException() {
		return nil, fmt.Errorf("failed to evaluate dispatch script: %w", m.ctx.Exception())
	}

	jsVerb := m.ctx.String(string(verb))
	defer jsVerb.Free()
	jsPayload := m.ctx.String(string(payload))
	defer jsPayload.Free()

	result := fn.Execute(m.ctx.Null(), jsVerb, jsPayload).Await()
	defer result.Free()
	if result.IsException() {
		return nil, fmt.Errorf("js execution error: %w", m.ctx.Exception())
	}
	if result.IsUndefined() {
		return nil, scriptapi.ErrVerbNotExported
	}
	return []byte(result.String()), nil
}

// Close releases the context.
func (m *Module) Close() error {
	if m.ctx != nil {
		m.ctx.Close()
		m.ctx = nil
	}
	return nil
}

// newEngine creates a new QuickJS engine instance with the given options.
func newEngine(options ...Option) (*Engine, error) {
	engine := &Engine{
		Runtime: quickjs.NewRuntime(),
		Option: &EngineOption{
			MemoryLimit:        0,     // Default memory limit (no limit)
			GCThreshold:        -1,    // Default GC threshold. -1 means no threshold
			Timeout:            0,     // Default timeout (no timeout)
			MaxStackSize:       0,     // Default max stack size
			CanBlock:           false, // Blocking not allowed by default
			EnableModuleImport: false, // Module import disabled by default
			Strip:              1,     // Default strip behavior
		},
		DispatchScript: scriptapi.DispatchScript,
	}

	for _, option := range options {
		if err := option(engine); err != nil {
			engine.Close()
			return nil, err
		}
	}

	return engine, nil
}

// NewFactory returns a scriptapi.EngineFactory that creates QuickJS engines
// with the given options.
func NewFactory(options ...Option) scriptapi.EngineFactory {
	return func() (scriptapi.Engine, error) {
		return newEngine(options...)
	}
}
