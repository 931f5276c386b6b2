// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"sync/atomic"

	"github.com/buke/scriptapi"
)

// bindingState is one immutable snapshot of a binding.
type bindingState struct {
	handle  scriptapi.Handle
	loadErr error
	removed bool
}

// Binding connects a route to the script currently serving it. The state is
// replaced atomically by reloads while requests are in flight.
type Binding struct {
	route scriptapi.Route
	state atomic.Pointer[bindingState]
}

func newBinding(route scriptapi.Route) *Binding {
	b := &Binding{route: route}
	b.state.Store(&bindingState{})
	return b
}

// Route returns the route the binding serves.
func (b *Binding) Route() scriptapi.Route { return b.route }

// SetHandle marks the script as loaded.
func (b *Binding) SetHandle(h scriptapi.Handle) {
	b.state.Store(&bindingState{handle: h})
}

// SetLoadError records why the script could not be loaded. Requests are
// answered with 500 until the next successful load.
func (b *Binding) SetLoadError(err error) {
	b.state.Store(&bindingState{loadErr: err})
}

// MarkRemoved marks the file as deleted. Requests are answered with 404.
func (b *Binding) MarkRemoved() {
	b.state.Store(&bindingState{removed: true})
}

// Removed reports whether the file was deleted.
func (b *Binding) Removed() bool { return b.state.Load().removed }

// Handle returns the current handle, which is zero unless the script is
// loaded.
func (b *Binding) Handle() scriptapi.Handle { return b.state.Load().handle }

// LoadError returns the recorded load failure, if any.
func (b *Binding) LoadError() error { return b.state.Load().loadErr }

func (b *Binding) snapshot() *bindingState { return b.state.Load() }
