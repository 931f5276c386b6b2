// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"time"

	"github.com/buke/scriptapi"
	gojaengine "github.com/buke/scriptapi/engines/goja"
	quickjsengine "github.com/buke/scriptapi/engines/quickjs-go"
	"github.com/buke/scriptapi/internal/config"
)

// engineFactory returns the JavaScript engine factory selected by cfg.
// TypeScript runs on the same engine after transpilation.
func engineFactory(cfg *config.Config) (scriptapi.EngineFactory, error) {
	switch cfg.Engine {
	case config.EngineGoja:
		var opts []gojaengine.Option
		if cfg.Console {
			opts = append(opts, gojaengine.WithConsole())
		}
		if d := cfg.ScriptTimeout.Duration; d > 0 {
			opts = append(opts, gojaengine.WithInterruptAfter(d))
		}
		return gojaengine.NewFactory(opts...), nil

	case config.EngineQuickJS:
		var opts []quickjsengine.Option
		if d := cfg.ScriptTimeout.Duration; d > 0 {
			// QuickJS counts whole seconds.
			opts = append(opts, quickjsengine.WithTimeout(uint64((d+time.Second-1)/time.Second)))
		}
		return quickjsengine.NewFactory(opts...), nil

	case config.EngineV8:
		return v8Factory()

	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}
