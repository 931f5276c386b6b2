// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/buke/scriptapi"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

// Engine implements the scriptapi.Engine interface using the Goja JS engine.
// Every compiled script gets its own goja.Runtime, so scripts never share
// globals.
type Engine struct {
	Option *EngineOption // Engine configuration options.

	registry       *require.Registry // Shared module registry, created on first use.
	dispatchScript string
}

// NewFactory returns a scriptapi.EngineFactory for creating Goja engines.
// The factory is configured with the provided options.
func NewFactory(opts ...Option) scriptapi.EngineFactory {
	return func() (scriptapi.Engine, error) {
		return newEngine(opts...)
	}
}

// newEngine creates a new Goja engine instance.
func newEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		Option:         &EngineOption{},
		dispatchScript: scriptapi.DispatchScript,
	}

	// Apply the default FieldNameMapper first.
	// This can be overridden by user-provided options.
	if err := WithFieldNameMapper(goja.TagFieldNameMapper("json", true))(e); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return e, nil
}

// newRuntime creates a runtime configured with the engine options.
func (e *Engine) newRuntime() *goja.Runtime {
	vm := goja.New()
	if e.Option.FieldNameMapper != nil {
		vm.SetFieldNameMapper(e.Option.FieldNameMapper)
	}
	if e.Option.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(e.Option.MaxCallStackSize)
	}

	if e.Option.EnableConsole || e.Option.EnableRequire {
		if e.registry == nil {
			e.registry = require.NewRegistry()
		}
		e.registry.Enable(vm)
		if e.Option.EnableConsole {
			console.Enable(vm)
		}
		if !e.Option.EnableRequire {
			// console is wired through require; hide it from scripts.
			_ = vm.GlobalObject().Delete("require")
		}
	}
	return vm
}

// Compile evaluates the script in a fresh runtime and binds the dispatcher.
func (e *Engine) Compile(script *scriptapi.Script) (scriptapi.Module, error) {
	if script == nil {
		return nil, fmt.Errorf("script cannot be nil")
	}

	vm := e.newRuntime()
	m := &Module{vm: vm, filePath: script.FilePath, interruptAfter: e.Option.InterruptAfter}

	if _, err := m.run(script.FilePath, scriptapi.ModulePrelude); err != nil {
		return nil, fmt.Errorf("failed to prepare module scope: %w", err)
	}
	if _, err := m.run(script.FilePath, script.Content); err != nil {
		return nil, fmt.Errorf("failed to evaluate script %s: %w", script.FilePath, err)
	}

	fnValue, err := m.run("dispatch.js", e.dispatchScript)
	if err != nil {
		return nil, fmt.Errorf("failed to load dispatch script: %w", err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("dispatch script did not return a function")
	}
	m.dispatch = fn
	return m, nil
}

// Close releases the engine. Modules are closed by their owner.
func (e *Engine) Close() error {
	e.registry = nil
	return nil
}

// Module is one script evaluated in its own goja.Runtime.
type Module struct {
	vm             *goja.Runtime
	dispatch       goja.Callable
	filePath       string
	interruptAfter time.Duration
}

// run evaluates code under the interrupt watchdog, if one is configured.
func (m *Module) run(name, code string) (goja.Value, error) {
	defer m.watch()()
	return m.vm.RunScript(name, code)
}

// watch arms the interrupt watchdog and returns its disarm func. Disarming
// waits for a watchdog that already fired, so its interrupt is always cleared
// before the next run.
func (m *Module) watch() func() {
	if m.interruptAfter <= 0 {
		return func() {}
	}
	vm, limit := m.vm, m.interruptAfter
	fired := make(chan struct{})
	timer := time.AfterFunc(limit, func() {
		defer close(fired)
		vm.Interrupt(fmt.Sprintf("execution exceeded %s", limit))
	})
	return func() {
		if !timer.Stop() {
			<-fired
		}
		vm.ClearInterrupt()
	}
}

// Call invokes the dispatcher and inspects the settled promise. Goja drains
// its job queue before returning to Go, so handlers that only await other
// promises are settled by then.
func (m *Module) Call(verb scriptapi.Verb, payload []byte) ([]byte, error) {
	if m.dispatch == nil {
		return nil, fmt.Errorf("module is closed")
	}

	done := m.watch()
	result, err := m.dispatch(goja.Undefined(), m.vm.ToValue(string(verb)), m.vm.ToValue(string(payload)))
	done()
	if err != nil {
		return nil, describeError(err)
	}

	promise, ok := result.Export().(*goja.Promise)
	if !ok {
		return nil, fmt.Errorf("dispatch did not return a promise")
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		value := promise.Result()
		if goja.IsUndefined(value) {
			return nil, scriptapi.ErrVerbNotExported
		}
		return []byte(value.String()), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("js execution error: %s", describeValue(promise.Result()))
	default:
		return nil, fmt.Errorf("handler promise did not settle")
	}
}

// Close drops the runtime.
func (m *Module) Close() error {
	m.dispatch = nil
	m.vm = nil
	return nil
}

// describeError keeps the thrown value text and drops goja's Go wrapping.
func describeError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("js execution interrupted: %v", interrupted.Value())
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("js execution error: %s", exception.Error())
	}
	return err
}

// describeValue renders a rejection reason, preferring an Error's stack.
func describeValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) && !goja.IsNull(stack) {
			return stack.String()
		}
	}
	return v.String()
}
