//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/buke/scriptapi"
	v8engine "github.com/buke/scriptapi/engines/v8go"
)

func v8Factory() (scriptapi.EngineFactory, error) {
	return v8engine.NewFactory(), nil
}
