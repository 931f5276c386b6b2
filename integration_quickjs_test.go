// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/buke/scriptapi"
	quickjsengine "github.com/buke/scriptapi/engines/quickjs-go"
	"github.com/stretchr/testify/require"
)

// TestIntegration_BrokerWithQuickJS tests basic integration of the Broker with the QuickJS engine.
func TestIntegration_BrokerWithQuickJS(t *testing.T) {
	broker, err := scriptapi.NewBroker(
		scriptapi.WithEngine(scriptapi.LanguageJavaScript, quickjsengine.NewFactory()),
	)
	require.NoError(t, err)
	require.NoError(t, broker.Start())
	defer broker.Stop()

	ctx := context.Background()
	ha, err := broker.Load(ctx, "a.js", `let n = 0; async function GET(req) { n++; return { status: 200, body: req.query.who + n }; }`, scriptapi.LanguageJavaScript)
	require.NoError(t, err)
	hb, err := broker.Load(ctx, "b.js", `function GET() { return { status: 200, body: typeof n }; }`, scriptapi.LanguageJavaScript)
	require.NoError(t, err)

	req := scriptapi.NewApiRequest("/a?who=q", "GET", nil, map[string]string{"who": "q"}, nil, nil)
	for i := 1; i <= 2; i++ {
		resp, err := broker.Call(ctx, ha, scriptapi.VerbGet, req)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("q%d", i), resp.Body)
	}

	resp, err := broker.Call(ctx, hb, scriptapi.VerbGet, req)
	require.NoError(t, err)
	require.Equal(t, "undefined", resp.Body)

	resp, err = broker.Call(ctx, hb, scriptapi.VerbPut, req)
	require.NoError(t, err)
	require.Equal(t, uint16(405), resp.Status)

	require.NoError(t, broker.Unload(ctx, "a.js"))
	_, err = broker.Call(ctx, ha, scriptapi.VerbGet, req)
	require.ErrorIs(t, err, scriptapi.ErrHandleInvalidated)
}

// TestIntegration_BrokerWithQuickJS_ConcurrentCalls tests concurrent calls with the QuickJS engine.
func TestIntegration_BrokerWithQuickJS_ConcurrentCalls(t *testing.T) {
	broker, err := scriptapi.NewBroker(
		scriptapi.WithEngine(scriptapi.LanguageJavaScript, quickjsengine.NewFactory()),
		scriptapi.WithQueueSize(2),
	)
	require.NoError(t, err)
	require.NoError(t, broker.Start())
	defer broker.Stop()

	ctx := context.Background()
	h, err := broker.Load(ctx, "hello.js", `function GET(req) { return { status: 200, body: "Hi, " + req.query.name + "!" }; }`, scriptapi.LanguageJavaScript)
	require.NoError(t, err)

	const (
		goroutineCount    = 16
		tasksPerGoroutine = 64
		totalTasks        = goroutineCount * tasksPerGoroutine
	)
	results := make([]any, totalTasks)
	errs := make([]error, totalTasks)

	var wg sync.WaitGroup
	wg.Add(goroutineCount)
	for g := 0; g < goroutineCount; g++ {
		go func(gid int) {
			defer wg.Done()
			for i := 0; i < tasksPerGoroutine; i++ {
				idx := gid*tasksPerGoroutine + i
				req := scriptapi.NewApiRequest("/hello", "GET", nil, map[string]string{"name": fmt.Sprintf("User%d", idx)}, nil, nil)
				resp, err := broker.Call(ctx, h, scriptapi.VerbGet, req)
				if err == nil {
					results[idx] = resp.Body
				}
				errs[idx] = err
			}
		}(g)
	}
	wg.Wait()

	// Verify all results and errors
	for i := 0; i < totalTasks; i++ {
		require.NoError(t, errs[i], "task %d failed: %v", i, errs[i])
		require.Equal(t, fmt.Sprintf("Hi, User%d!", i), results[i])
	}
}
