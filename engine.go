// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi

import (
	_ "embed"
)

// DispatchScript evaluates to an async function (verb, payload). It looks the
// verb up in module.exports, exports and the global object of the calling
// context, and resolves to the handler result encoded as JSON text, or to
// undefined when the verb is not exported.
//
//go:embed dispatch.js
var DispatchScript string

// ModulePrelude defines CommonJS-style module and exports bindings. Engines
// evaluate it in every fresh script context before the script itself.
const ModulePrelude = `var module = { exports: {} }; var exports = module.exports;`

// Script is a handler file ready to be compiled by an engine.
type Script struct {
	FilePath string   // Used for diagnostics and as the script origin
	Content  string   // Source text in the engine's language
	Language Language // Language of Content after any host-side transpilation
}

// Module is one script loaded into its own private execution context.
type Module interface {
	// Call invokes the function named after verb with payload, the JSON
	// encoded ApiRequest, and returns the JSON encoded result. It returns
	// ErrVerbNotExported when the script has no such function.
	Call(verb Verb, payload []byte) ([]byte, error)

	// Close releases the context.
	Close() error
}

// Engine compiles scripts into isolated modules. Implementations are not safe
// for concurrent use; the broker only touches them from its worker.
type Engine interface {
	// Compile evaluates the script's top-level code once in a new context.
	Compile(script *Script) (Module, error)

	// Close releases the engine and everything it allocated.
	Close() error
}

// EngineFactory creates an engine on the broker's worker goroutine.
type EngineFactory func() (Engine, error)
