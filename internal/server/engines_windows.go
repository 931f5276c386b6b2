//go:build windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"

	"github.com/buke/scriptapi"
)

func v8Factory() (scriptapi.EngineFactory, error) {
	return nil, errors.New("the v8 engine is not available on windows")
}
