// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Language identifies the engine family a handler file is written for.
type Language int

const (
	LanguageUnknown    Language = iota // Not a handler file
	LanguageJavaScript                 // .js, .mjs, .cjs
	LanguageTypeScript                 // .ts
	LanguagePython                     // .py
	LanguageRuby                       // .rb
	LanguageNative                     // Compiled handlers, no extension mapping yet
)

// String returns the lower-case name of the language.
func (l Language) String() string {
	switch l {
	case LanguageJavaScript:
		return "javascript"
	case LanguageTypeScript:
		return "typescript"
	case LanguagePython:
		return "python"
	case LanguageRuby:
		return "ruby"
	case LanguageNative:
		return "native"
	default:
		return "unknown"
	}
}

// extensionLanguages maps file extensions to languages.
var extensionLanguages = map[string]Language{
	".js":  LanguageJavaScript,
	".mjs": LanguageJavaScript,
	".cjs": LanguageJavaScript,
	".ts":  LanguageTypeScript,
	".py":  LanguagePython,
	".rb":  LanguageRuby,
}

// LanguageForExtension returns the language for a file extension (with the
// leading dot). The second result is false for extensions that are not
// handler files.
func LanguageForExtension(ext string) (Language, bool) {
	l, ok := extensionLanguages[strings.ToLower(ext)]
	return l, ok
}

// LanguageForPath is LanguageForExtension applied to the extension of path.
func LanguageForPath(path string) (Language, bool) {
	return LanguageForExtension(filepath.Ext(path))
}

// Verb is an HTTP method that doubles as the exported handler function name.
type Verb string

const (
	VerbGet    Verb = "GET"
	VerbPost   Verb = "POST"
	VerbPut    Verb = "PUT"
	VerbDelete Verb = "DELETE"
)

// Verbs lists every verb a handler file may export.
var Verbs = []Verb{VerbGet, VerbPost, VerbPut, VerbDelete}

// ParseVerb maps an HTTP method onto a Verb.
func ParseVerb(method string) (Verb, bool) {
	switch v := Verb(strings.ToUpper(method)); v {
	case VerbGet, VerbPost, VerbPut, VerbDelete:
		return v, true
	}
	return "", false
}

// Route binds an HTTP path to a handler file.
type Route struct {
	RoutePath string   `json:"routePath"` // e.g. /api/users/get
	FilePath  string   `json:"filePath"`  // Path of the handler file on disk
	Language  Language `json:"language"`  // Derived from the file extension
}

// ApiRequest is the value handed to a script's verb function.
type ApiRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body"` // nil when the request carried no payload
	Params  map[string]string `json:"params"`
	Query   map[string]string `json:"query"`
}

// NewApiRequest builds an ApiRequest. An empty body leaves Body nil and nil
// maps are replaced with empty ones.
func NewApiRequest(url, method string, headers, query, params map[string]string, body []byte) *ApiRequest {
	req := &ApiRequest{
		URL:     url,
		Method:  method,
		Headers: orEmpty(headers),
		Params:  orEmpty(params),
		Query:   orEmpty(query),
	}
	if len(body) > 0 {
		s := string(body)
		req.Body = &s
	}
	return req
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// ApiResponse is what a script's verb function returns.
type ApiResponse struct {
	Status  uint16            `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
	HasBody bool              `json:"-"` // The handler set body, possibly to null
}

// EffectiveStatus returns Status when it is a valid HTTP status code and 200
// otherwise.
func (r *ApiResponse) EffectiveStatus() int {
	if r.Status >= 100 && r.Status <= 599 {
		return int(r.Status)
	}
	return 200
}

// MethodNotAllowed is the response for a verb the script does not export.
func MethodNotAllowed(verb Verb) *ApiResponse {
	return &ApiResponse{
		Status:  405,
		Headers: map[string]string{},
		Body:    map[string]any{"error": "Method " + string(verb) + " not allowed"},
	}
}

// DecodeResponse decodes the JSON text produced by a handler into an
// ApiResponse. A JSON string is unwrapped once, so handlers that return
// JSON.stringify({...}) are accepted as well.
func DecodeResponse(raw []byte) (*ApiResponse, error) {
	return decodeResponse(raw, true)
}

func decodeResponse(raw []byte, unwrap bool) (*ApiResponse, error) {
	var value any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, &SerializationError{Shape: "invalid JSON", Err: err}
	}
	if dec.More() {
		return nil, &SerializationError{Shape: "trailing data after JSON value"}
	}

	switch v := value.(type) {
	case string:
		if unwrap {
			resp, err := decodeResponse([]byte(v), false)
			if err == nil {
				return resp, nil
			}
		}
		return nil, &SerializationError{Shape: "string"}
	case map[string]any:
		return responseFromObject(v)
	default:
		return nil, &SerializationError{Shape: jsonShape(value)}
	}
}

func responseFromObject(obj map[string]any) (*ApiResponse, error) {
	rawStatus, ok := obj["status"]
	if !ok {
		return nil, &SerializationError{Shape: "object without status"}
	}
	num, ok := rawStatus.(json.Number)
	if !ok {
		return nil, &SerializationError{Shape: "object with " + jsonShape(rawStatus) + " status"}
	}
	status, err := strconv.ParseUint(num.String(), 10, 16)
	if err != nil {
		return nil, &SerializationError{Shape: "object with status " + num.String(), Err: err}
	}

	body, hasBody := obj["body"]
	resp := &ApiResponse{
		Status:  uint16(status),
		Headers: map[string]string{},
		Body:    normalizeNumbers(body),
		HasBody: hasBody,
	}

	switch h := obj["headers"].(type) {
	case nil:
	case map[string]any:
		for k, v := range h {
			switch hv := v.(type) {
			case string:
				resp.Headers[k] = hv
			case json.Number:
				resp.Headers[k] = hv.String()
			case bool:
				resp.Headers[k] = strconv.FormatBool(hv)
			default:
				return nil, &SerializationError{Shape: fmt.Sprintf("object with %s header %q", jsonShape(v), k)}
			}
		}
	default:
		return nil, &SerializationError{Shape: "object with " + jsonShape(h) + " headers"}
	}
	return resp, nil
}

// normalizeNumbers converts json.Number leaves to int64 where exact and
// float64 otherwise.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}

// jsonShape names the JSON type of a decoded value.
func jsonShape(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
