// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"syscall"
	"time"

	"github.com/dpfs-project/dpfs-aio-mirror/hal"
	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// RegisterDevice and UnregisterDevice satisfy hal.Device.
func (g *globalsStruct) RegisterDevice(deviceID string) (err error) {
	logInfof("registered device %s", deviceID)
	return nil
}

func (g *globalsStruct) UnregisterDevice(deviceID string) (err error) {
	logInfof("unregistered device %s", deviceID)
	return nil
}

func errnoToReplyError(errno syscall.Errno) int32 {
	return -int32(errno)
}

// Dispatch satisfies hal.DispatchFunc: one handler per FUSE opcode,
// enforcing argument/identity checks, performing the backing
// syscall(s), filling reply structs, and returning SyncDone or
// AsyncPending.
func (g *globalsStruct) Dispatch(req *wire.Request, reply *wire.Reply, completionContext uintptr, deviceID string) hal.DispatchResult {
	start := time.Now()

	fields := reqFields{opcode: req.Header.Opcode, nodeID: req.Header.NodeID, deviceID: deviceID}
	logTraceReq(fields, "dispatching")

	result := g.dispatchOne(req, reply, completionContext, deviceID)

	if hal.SyncDone == result {
		g.stats.observe(req.Header.Opcode, reply.Header.Error, start)
		logTraceReq(fields, "done, error=%d", reply.Header.Error)
	} else {
		logTraceReq(fields, "submitted, returns immediately, completes out-of-band, possibly out-of-order")
	}

	return result
}

func (g *globalsStruct) dispatchOne(req *wire.Request, reply *wire.Reply, completionContext uintptr, deviceID string) hal.DispatchResult {
	switch req.Header.Opcode {
	case wire.OpInit:
		return dispatchInit(req, reply)
	case wire.OpLookup:
		return dispatchLookup(req, reply)
	case wire.OpForget:
		return dispatchForget(req, reply)
	case wire.OpBatchForget:
		return dispatchBatchForget(req, reply)
	case wire.OpGetAttr:
		return dispatchGetAttr(req, reply)
	case wire.OpSetAttr:
		return dispatchSetAttr(req, reply)
	case wire.OpStatFs:
		return dispatchStatFs(req, reply)
	case wire.OpMkNod:
		return dispatchMkNod(req, reply)
	case wire.OpMkDir:
		return dispatchMkDir(req, reply)
	case wire.OpSymlink:
		return dispatchSymlink(req, reply)
	case wire.OpReadLink:
		return dispatchReadLink(req, reply)
	case wire.OpUnlink:
		return dispatchUnlink(req, reply)
	case wire.OpRmDir:
		return dispatchRmDir(req, reply)
	case wire.OpRename:
		return dispatchRename(req, reply)
	case wire.OpCreate:
		return dispatchCreate(req, reply)
	case wire.OpOpen:
		return dispatchOpen(req, reply)
	case wire.OpRelease:
		return dispatchRelease(req, reply)
	case wire.OpFlush:
		return dispatchFlush(req, reply)
	case wire.OpFsync:
		return dispatchFsync(req, reply)
	case wire.OpFallocate:
		return dispatchFallocate(req, reply)
	case wire.OpSetLk, wire.OpSetLkW:
		return dispatchFlock(req, reply)
	case wire.OpAccess:
		return dispatchAccess(req, reply)
	case wire.OpOpenDir:
		return dispatchOpenDir(req, reply)
	case wire.OpReadDir:
		return dispatchReadDir(req, reply)
	case wire.OpReadDirPlus:
		return dispatchReadDirPlus(req, reply)
	case wire.OpReleaseDir:
		return dispatchReleaseDir(req, reply)
	case wire.OpFsyncDir:
		return dispatchFsyncDir(req, reply)
	case wire.OpRead:
		return dispatchRead(req, reply, completionContext, deviceID)
	case wire.OpWrite:
		return dispatchWrite(req, reply, completionContext, deviceID)
	case wire.OpDestroy:
		return hal.SyncDone
	default:
		reply.Header.Error = errnoToReplyError(syscall.ENOSYS)
		return hal.SyncDone
	}
}

func dispatchInit(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.InitIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}

	out := globals.session.negotiateInit(&req.Header, in)
	if body, ok := reply.Body.(*wire.InitOut); ok {
		*body = out
	}
	return hal.SyncDone
}

func resolveNode(nodeID uint64) (rec *inodeStruct, errno syscall.Errno) {
	var ok bool
	rec, ok = globals.inodeTable.lookupByHandle(nodeID)
	if !ok {
		errno = syscall.EINVAL
	}
	return
}

func dispatchLookup(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.LookupIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}

	parent, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	child, attr, found, errno := lookupChild(parent, in.Name)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	out, bodyOK := reply.Body.(*wire.LookupOut)
	if !bodyOK {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}

	if !found {
		// Negative entry: node_id stays zero, cached for entry_timeout.
		*out = wire.LookupOut{EntryOut: wire.EntryOut{
			EntryValidSec: uint64(globals.session.entryTimeout.Seconds()),
		}}
		reply.Header.Error = 0
		return hal.SyncDone
	}

	*out = wire.LookupOut{EntryOut: wire.EntryOut{
		NodeID:        child.nodeID(),
		Generation:    child.generation,
		EntryValidSec: uint64(globals.session.entryTimeout.Seconds()),
		AttrValidSec:  uint64(globals.session.attrTimeout.Seconds()),
		Attr:          attr,
	}}
	reply.Header.Error = 0
	return hal.SyncDone
}

func dispatchForget(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.ForgetIn)
	if !ok {
		return hal.SyncDone
	}
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		return hal.SyncDone
	}
	forgetInode(rec, in.Nlookup)
	return hal.SyncDone
}

func dispatchBatchForget(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.BatchForgetIn)
	if !ok {
		return hal.SyncDone
	}
	for _, item := range in.Items {
		rec, errno := resolveNode(item.NodeID)
		if 0 != errno {
			continue
		}
		forgetInode(rec, item.Nlookup)
	}
	return hal.SyncDone
}
