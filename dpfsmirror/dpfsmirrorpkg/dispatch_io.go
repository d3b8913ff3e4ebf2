// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"syscall"

	"github.com/dpfs-project/dpfs-aio-mirror/hal"
	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// dispatchRead and dispatchWrite are the only asynchronous opcodes:
// on a submission failure (a full submission queue) they fall back to
// SyncDone with ENFILE (Dispatch's wrapper observes it like any
// other synchronous result); on success they return AsyncPending and
// asyncIOStruct.perform observes and completes the reply later.
func dispatchRead(req *wire.Request, reply *wire.Reply, completionContext uintptr, deviceID string) hal.DispatchResult {
	in, ok := req.Args.(*wire.ReadIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	if nil == in.Buffer || uint32(len(in.Buffer)) < in.Size {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}

	result := globals.asyncIO.submit(asyncOpRead, req.Header.Opcode, int(in.Fh), [][]byte{in.Buffer[:in.Size]}, in.Offset, reply, completionContext, deviceID)
	if hal.AsyncPending == result {
		globals.stats.asyncSubmitted()
	}
	return result
}

func dispatchWrite(req *wire.Request, reply *wire.Reply, completionContext uintptr, deviceID string) hal.DispatchResult {
	in, ok := req.Args.(*wire.WriteIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}

	result := globals.asyncIO.submit(asyncOpWrite, req.Header.Opcode, int(in.Fh), [][]byte{in.Data}, in.Offset, reply, completionContext, deviceID)
	if hal.AsyncPending == result {
		globals.stats.asyncSubmitted()
	}
	return result
}
