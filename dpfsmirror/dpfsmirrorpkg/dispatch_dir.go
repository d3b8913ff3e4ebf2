// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"syscall"

	"github.com/dpfs-project/dpfs-aio-mirror/hal"
	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

func dispatchOpenDir(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	dh, errno := opendir(rec)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	fh := registerDirHandle(dh)

	if body, ok := reply.Body.(*wire.OpenDirOut); ok {
		body.Fh = fh
	}
	return hal.SyncDone
}

func dispatchReadDir(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.ReadDirIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	dh, ok := lookupDirHandle(in.Fh)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EBADF)
		return hal.SyncDone
	}

	errno := readdir(dh, in)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

func dispatchReadDirPlus(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.ReadDirPlusIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	dh, ok := lookupDirHandle(in.Fh)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EBADF)
		return hal.SyncDone
	}

	errno := readdirplus(dh, in)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

func dispatchReleaseDir(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.ReleaseDirIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	dh, ok := lookupDirHandle(in.Fh)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EBADF)
		return hal.SyncDone
	}

	unregisterDirHandle(in.Fh)
	errno := releasedir(dh)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}
