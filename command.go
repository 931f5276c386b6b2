// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package scriptapi

import "strconv"

// commandKind identifies the work a command asks the worker to do.
type commandKind int

const (
	commandLoad   commandKind = iota // Compile a script into a fresh module
	commandCall                      // Invoke a verb on a loaded module
	commandUnload                    // Drop a loaded module
)

// String returns the string representation of a commandKind.
func (k commandKind) String() string {
	switch k {
	case commandLoad:
		return "load"
	case commandCall:
		return "call"
	case commandUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// commandResult is the single reply to a command.
type commandResult struct {
	handle  Handle // Issued handle (load)
	payload []byte // JSON encoded handler result (call)
	missing bool   // The script does not export the verb (call)
	err     error  // Error that occurred during execution (nil if successful)
}

// command is a unit of work submitted to the worker.
type command struct {
	kind       commandKind
	script     *Script // Script to compile (load)
	prepareErr error   // Host-side preparation failure; the load only drops the old module
	handle     Handle  // Target module (call)
	file       string  // Target file (unload)
	verb       Verb    // Function to invoke (call)
	payload    []byte  // JSON encoded ApiRequest (call)
	reply      chan *commandResult
}

// newCommand creates a command with a buffered reply channel so the worker
// never blocks on a caller that stopped waiting.
func newCommand(kind commandKind) *command {
	return &command{
		kind:  kind,
		reply: make(chan *commandResult, 1),
	}
}

// Handle refers to one loaded script. The zero Handle is never valid.
type Handle struct {
	filePath   string
	generation uint64
}

// FilePath returns the file the handle was issued for.
func (h Handle) FilePath() string { return h.filePath }

// IsZero reports whether h was never issued by a broker.
func (h Handle) IsZero() bool { return h.generation == 0 }

// String returns a diagnostic representation of the handle.
func (h Handle) String() string {
	if h.IsZero() {
		return "handle(none)"
	}
	return "handle(" + h.filePath + "#" + strconv.FormatUint(h.generation, 10) + ")"
}
