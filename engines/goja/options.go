// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// Option configures a Goja engine.
type Option func(*Engine) error

// EngineOption holds configuration applied to every runtime the engine
// creates.
type EngineOption struct {
	MaxCallStackSize int
	EnableConsole    bool
	EnableRequire    bool
	InterruptAfter   time.Duration
	FieldNameMapper  goja.FieldNameMapper
}

// WithMaxCallStackSize sets the maximum call stack size for each runtime.
// A value of 0 or less means no limit.
func WithMaxCallStackSize(size int) Option {
	return func(e *Engine) error {
		e.Option.MaxCallStackSize = size
		return nil
	}
}

// WithConsole enables the console object (console.log, etc.) in each runtime.
func WithConsole() Option {
	return func(e *Engine) error {
		e.Option.EnableConsole = true
		return nil
	}
}

// WithRequire enables require() for loading CommonJS modules. The module
// registry is shared by every runtime of the engine.
func WithRequire() Option {
	return func(e *Engine) error {
		e.Option.EnableRequire = true
		return nil
	}
}

// WithInterruptAfter interrupts script evaluation and handler calls that run
// longer than d. Zero disables the watchdog.
func WithInterruptAfter(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return fmt.Errorf("interrupt duration must not be negative: %s", d)
		}
		e.Option.InterruptAfter = d
		return nil
	}
}

// WithFieldNameMapper sets the field name mapper for Go-to-JS struct conversions.
func WithFieldNameMapper(mapper goja.FieldNameMapper) Option {
	return func(e *Engine) error {
		if mapper != nil {
			e.Option.FieldNameMapper = mapper
		}
		return nil
	}
}

// WithDispatchScript replaces the dispatcher evaluated in every runtime.
func WithDispatchScript(script string) Option {
	return func(e *Engine) error {
		if script == "" {
			return fmt.Errorf("dispatch script cannot be empty")
		}
		e.dispatchScript = script
		return nil
	}
}
