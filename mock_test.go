// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi

import (
	"errors"
	"sync"
)

// mockModule is a Module whose behavior is set through function fields.
type mockModule struct {
	mu          sync.Mutex
	script      *Script
	calls       []Verb
	payloads    [][]byte
	closeCalled bool

	callFunc  func(verb Verb, payload []byte) ([]byte, error) // Custom Call behavior (if set)
	closeFunc func() error                                    // Custom Close behavior (if set)
}

func (m *mockModule) Call(verb Verb, payload []byte) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, verb)
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()
	if m.callFunc != nil {
		return m.callFunc(verb, payload)
	}
	return []byte(`{"status":200,"body":"ok"}`), nil
}

func (m *mockModule) Close() error {
	m.mu.Lock()
	m.closeCalled = true
	m.mu.Unlock()
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func (m *mockModule) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockModule) closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalled
}

// mockEngine is an Engine that records compiled scripts.
type mockEngine struct {
	mu          sync.Mutex
	compiled    []*Script
	modules     []*mockModule
	closeCalled bool

	compileFunc func(script *Script) (*mockModule, error) // Custom Compile behavior (if set)
	closeFunc   func() error                              // Custom Close behavior (if set)
}

func (e *mockEngine) Compile(script *Script) (Module, error) {
	e.mu.Lock()
	e.compiled = append(e.compiled, script)
	e.mu.Unlock()

	var m *mockModule
	if e.compileFunc != nil {
		var err error
		if m, err = e.compileFunc(script); err != nil {
			return nil, err
		}
	}
	if m == nil {
		m = &mockModule{}
	}
	m.script = script

	e.mu.Lock()
	e.modules = append(e.modules, m)
	e.mu.Unlock()
	return m, nil
}

func (e *mockEngine) Close() error {
	e.mu.Lock()
	e.closeCalled = true
	e.mu.Unlock()
	if e.closeFunc != nil {
		return e.closeFunc()
	}
	return nil
}

// lastModule returns the most recently compiled module.
func (e *mockEngine) lastModule() *mockModule {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.modules) == 0 {
		return nil
	}
	return e.modules[len(e.modules)-1]
}

// lastScript returns the most recently compiled script.
func (e *mockEngine) lastScript() *Script {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.compiled) == 0 {
		return nil
	}
	return e.compiled[len(e.compiled)-1]
}

// mockFactory returns a factory that always hands out engine.
func mockFactory(engine *mockEngine) EngineFactory {
	return func() (Engine, error) { return engine, nil }
}

var errMock = errors.New("mock error")
