// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi_test

import (
	"context"
	"fmt"

	"github.com/buke/scriptapi"
	quickjsengine "github.com/buke/scriptapi/engines/quickjs-go"
)

func Example() {
	// Create a broker backed by the QuickJS engine
	broker, err := scriptapi.NewBroker(
		scriptapi.WithEngine(scriptapi.LanguageJavaScript, quickjsengine.NewFactory(
			quickjsengine.WithEnableModuleImport(true),
			quickjsengine.WithCanBlock(true),
		)),
	)
	if err != nil {
		fmt.Printf("Failed to create broker: %v\n", err)
		return
	}

	// Start the worker
	if err := broker.Start(); err != nil {
		fmt.Printf("Failed to start broker: %v\n", err)
		return
	}

	// Load a handler file
	ctx := context.Background()
	h, err := broker.Load(ctx, "api/hello.js",
		`function GET(req) { return { status: 200, body: "Hello, " + req.query.name + "!" }; }`,
		scriptapi.LanguageJavaScript)
	if err != nil {
		fmt.Printf("Load error: %v\n", err)
		return
	}

	// Call its GET function
	req := scriptapi.NewApiRequest("/api/hello?name=World", "GET", nil, map[string]string{"name": "World"}, nil, nil)
	resp, err := broker.Call(ctx, h, scriptapi.VerbGet, req)
	if err != nil {
		fmt.Printf("Call error: %v\n", err)
		return
	}
	fmt.Printf("Status: %d\n", resp.EffectiveStatus())
	fmt.Printf("Body: %v\n", resp.Body)

	// Stop the broker
	if err := broker.Stop(); err != nil {
		fmt.Printf("Failed to stop broker: %v\n", err)
		return
	}

	// Output:
	// Status: 200
	// Body: Hello, World!
}
