// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package hal states the boundary between this repository's file-server
// translation layer and the DPU Hardware Abstraction Layer. The HAL
// itself — the code that talks to the emulated virtio-fs device,
// decodes FUSE opcodes off the wire, and polls for completions — is out
// of scope; only the interfaces it is expected to satisfy (and to be
// satisfied by) live here. The core never sees raw bytes: by the time a
// request reaches DispatchFunc it has already been decoded into a
// wire.Request, and replies are written into a pre-allocated
// wire.Reply.
package hal

import (
	"fmt"

	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// DispatchResult is returned by a DispatchFunc to tell the HAL whether
// the reply is already complete (SyncDone) or will be delivered later
// via Completer.Complete (AsyncPending).
type DispatchResult int

const (
	// SyncDone indicates the handler has already written its reply; the
	// HAL may ship the response immediately.
	SyncDone DispatchResult = iota

	// AsyncPending indicates the handler has submitted work (read or
	// write) that will complete later. The HAL must not ship a response
	// until the matching Completer.Complete call arrives.
	AsyncPending
)

func (r DispatchResult) String() string {
	switch r {
	case SyncDone:
		return "SyncDone"
	case AsyncPending:
		return "AsyncPending"
	default:
		return fmt.Sprintf("DispatchResult(%d)", int(r))
	}
}

// CompletionStatus is passed to Completer.Complete to report the
// outcome of a previously AsyncPending dispatch.
type CompletionStatus int

const (
	// Success indicates the reply buffer was filled without error.
	Success CompletionStatus = iota
	// Error indicates the reply buffer's error field was set to a
	// negative errno; the HAL still ships the reply (errors are never
	// dropped silently).
	Error
)

// Device is the lifecycle surface the HAL calls when a virtio-fs device
// is attached to, or detached from, this server.
type Device interface {
	// RegisterDevice is called once when the HAL brings up deviceID.
	RegisterDevice(deviceID string) error

	// UnregisterDevice is called once when the HAL tears deviceID down,
	// after the HAL's polling loop has received every outstanding
	// AsyncPending completion for deviceID.
	UnregisterDevice(deviceID string) error
}

// DispatchFunc is invoked by the HAL polling loop once per decoded
// request, on whichever poll thread received it. req.Header names the
// opcode and target node-id; req.Args is the opcode-specific decoded
// argument struct from package wire. reply.Body is a pre-allocated
// pointer to the opcode-specific reply struct the handler must fill in
// (nil for opcodes with no body, e.g. Forget); reply.Header.Error is
// always set by the handler (0 for success).
//
// completionContext is opaque to the handler; for an AsyncPending
// return it must be threaded back, unmodified, into the matching
// Completer.Complete call — it is how the HAL correlates a completion
// with the wire request awaiting it.
type DispatchFunc func(
	req *wire.Request,
	reply *wire.Reply,
	completionContext uintptr,
	deviceID string,
) DispatchResult

// Completer is the outward call the core makes back into the HAL.
// Complete must be called exactly once for every DispatchFunc
// invocation that returned AsyncPending, and never for one that
// returned SyncDone.
type Completer interface {
	Complete(completionContext uintptr, status CompletionStatus)
}
