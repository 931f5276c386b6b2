//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"fmt"
)

// Option configures a V8 engine.
type Option func(*Engine) error

// EngineOption holds specific configurations for the V8 engine.
type EngineOption struct {
	DispatchScript string
}

// WithDispatchScript overrides the default dispatch script.
// The script must not be empty.
func WithDispatchScript(script string) Option {
	return func(e *Engine) error {
		if script == "" {
			return fmt.Errorf("dispatch script cannot be empty")
		}
		e.Option.DispatchScript = script
		return nil
	}
}
