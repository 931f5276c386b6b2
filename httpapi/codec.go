// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/buke/scriptapi"
)

const contentTypeJSON = "application/json"

// marshalJSON encodes v without HTML escaping and without the trailing newline.
func marshalJSON(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// writeJSON writes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := marshalJSON(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"response encoding failed"}`)
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeResponse writes a handler response. A string body is written verbatim
// when the handler chose a non-JSON content type; every other body is JSON.
func writeResponse(w http.ResponseWriter, resp *scriptapi.ApiResponse) {
	header := w.Header()
	for k, v := range resp.Headers {
		header.Set(k, v)
	}
	status := resp.EffectiveStatus()

	if resp.Body == nil && !resp.HasBody {
		w.WriteHeader(status)
		return
	}

	ct := header.Get("Content-Type")
	if s, ok := resp.Body.(string); ok && ct != "" && !isJSONContentType(ct) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(s))
		return
	}

	data, err := marshalJSON(resp.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "response encoding failed: "+err.Error())
		return
	}
	if ct == "" {
		header.Set("Content-Type", contentTypeJSON)
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	return ct == contentTypeJSON || strings.HasSuffix(ct, "+json")
}
