// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// transpile rewrites TypeScript or ES module JavaScript into CommonJS
// JavaScript that the engines can evaluate as a plain script. Exports land on
// module.exports, which the dispatch script consults first.
func transpile(filePath, source string, typescript bool) (string, error) {
	loader := api.LoaderJS
	if typescript {
		loader = api.LoaderTS
	}

	result := api.Transform(source, api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatCommonJS,
		Target:     api.ES2017,
		Sourcefile: filePath,
		LogLevel:   api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("transpile failed: %s", formatMessages(result.Errors))
	}
	return string(result.Code), nil
}

// formatMessages renders esbuild diagnostics as "file:line:col: text" lines.
func formatMessages(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location == nil {
			parts = append(parts, m.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
	}
	return strings.Join(parts, "; ")
}
