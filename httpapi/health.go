// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"
)

// Liveness reports when the script worker has exited. *scriptapi.Broker
// implements it.
type Liveness interface {
	Done() <-chan struct{}
}

// Healthz answers 200 with the number of live routes while the worker runs
// and 503 once it has exited.
func (a *Adapter) Healthz(live Liveness) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-live.Done():
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		default:
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "routes": len(a.Bindings())})
	})
}
