// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi

import (
	"errors"
	"fmt"
)

// Sentinel errors for classifying broker failures.
var (
	// ErrLoad indicates that a script failed to compile or evaluate.
	ErrLoad = errors.New("script load failed")

	// ErrCall indicates that a handler threw or rejected while running.
	ErrCall = errors.New("script call failed")

	// ErrSerialization indicates that a handler returned a value that is not
	// an ApiResponse.
	ErrSerialization = errors.New("response serialization failed")

	// ErrHandleInvalidated indicates that the handle was superseded by a reload
	// or removed by an unload before the call was dequeued.
	ErrHandleInvalidated = errors.New("handle invalidated")

	// ErrUnknownHandle indicates a zero or never issued handle.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrBrokerDisconnected indicates that the broker worker is gone.
	ErrBrokerDisconnected = errors.New("broker disconnected")

	// ErrBrokerNotStarted is returned when a command is submitted before Start.
	ErrBrokerNotStarted = errors.New("broker not started")

	// ErrUnsupportedLanguage indicates that no engine is registered for the
	// script's language.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrVerbNotExported is returned by engines when the script has no function
	// named after the verb. The broker turns it into a 405 response.
	ErrVerbNotExported = errors.New("verb not exported")
)

// LoadError carries the engine diagnostic for a script that could not be loaded.
type LoadError struct {
	FilePath string
	Language Language
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.FilePath, e.Language, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is matches ErrLoad.
func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// CallError carries the diagnostic thrown by a handler function.
type CallError struct {
	FilePath string
	Verb     Verb
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Verb, e.FilePath, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Is matches ErrCall.
func (e *CallError) Is(target error) bool { return target == ErrCall }

// SerializationError reports a handler result that does not fit ApiResponse.
// Shape names what was returned instead.
type SerializationError struct {
	FilePath string
	Verb     Verb
	Shape    string
	Err      error
}

func (e *SerializationError) Error() string {
	msg := "handler returned " + e.Shape + ", want object with integer status"
	if e.FilePath != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Verb, e.FilePath, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Is matches ErrSerialization.
func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }
