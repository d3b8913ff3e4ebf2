// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dpfs-project/dpfs-aio-mirror/hal"
	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

func dispatchGetAttr(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.GetAttrIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	out, errno := rec.getAttr(in)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	if body, ok := reply.Body.(*wire.GetAttrOut); ok {
		*body = out
	}
	return hal.SyncDone
}

func dispatchSetAttr(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.SetAttrIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	out, errno := rec.setAttr(in)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	if body, ok := reply.Body.(*wire.SetAttrOut); ok {
		*body = out
	}
	return hal.SyncDone
}

func dispatchStatFs(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	out, errno := rec.statFs()
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	if body, ok := reply.Body.(*wire.StatFsOut); ok {
		*body = out
	}
	return hal.SyncDone
}

func dispatchMkNod(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.MkNodIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	parent, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	childFd, st, errno := parent.mkNod(in)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	child := registerNewChild(parent.table, childFd, &st)

	if body, ok := reply.Body.(*wire.MkNodOut); ok {
		*body = wire.MkNodOut{EntryOut: entryOutFor(child, &st)}
	}
	return hal.SyncDone
}

func dispatchMkDir(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.MkDirIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	parent, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	childFd, st, errno := parent.mkDir(in)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	child := registerNewChild(parent.table, childFd, &st)

	if body, ok := reply.Body.(*wire.MkDirOut); ok {
		*body = wire.MkDirOut{EntryOut: entryOutFor(child, &st)}
	}
	return hal.SyncDone
}

func dispatchSymlink(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.SymlinkIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	parent, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	childFd, st, errno := parent.symlink(in)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	child := registerNewChild(parent.table, childFd, &st)

	if body, ok := reply.Body.(*wire.SymlinkOut); ok {
		*body = wire.SymlinkOut{EntryOut: entryOutFor(child, &st)}
	}
	return hal.SyncDone
}

func dispatchReadLink(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	target, errno := rec.readLink()
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	if body, ok := reply.Body.(*wire.ReadLinkOut); ok {
		body.Target = target
	}
	return hal.SyncDone
}

func dispatchUnlink(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.UnlinkIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	parent, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	errno = unlinkChild(parent, in.Name, false)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

func dispatchRmDir(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.RmDirIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	parent, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	errno = unlinkChild(parent, in.Name, true)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

func dispatchRename(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.RenameIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	oldParent, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	newParent, errno := resolveNode(in.NewDirNodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	errno = renameChild(oldParent, in.OldName, newParent, in.NewName, in.Flags)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

// create's reply error is always a negative errno, like every other
// handler's.
func dispatchCreate(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.CreateIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	parent, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	child, attr, fh, errno := create(parent, in)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	if body, ok := reply.Body.(*wire.CreateOut); ok {
		*body = wire.CreateOut{
			EntryOut: wire.EntryOut{
				NodeID:        child.nodeID(),
				Generation:    child.generation,
				EntryValidSec: uint64(globals.session.entryTimeout.Seconds()),
				AttrValidSec:  uint64(globals.session.attrTimeout.Seconds()),
				Attr:          attr,
			},
			OpenOut: wire.OpenOut{Fh: fh},
		}
	}
	return hal.SyncDone
}

func dispatchOpen(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.OpenIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	fh, keepCache, errno := rec.open(in)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	if body, ok := reply.Body.(*wire.OpenOut); ok {
		var flags uint32
		if keepCache {
			flags = wire.OpenOutKeepCache
		}
		*body = wire.OpenOut{Fh: fh, OpenFlags: flags}
	}
	return hal.SyncDone
}

func dispatchRelease(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.ReleaseIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	errno = rec.release(in.Fh)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

func dispatchFlush(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.FlushIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	errno = rec.flush(in.Fh)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

func dispatchFsync(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.FsyncIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	errno = rec.fsync(in.Fh, 0 != in.FsyncFlags&1)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

func dispatchFsyncDir(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.FsyncDirIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	dh, ok := lookupDirHandle(in.Fh)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EBADF)
		return hal.SyncDone
	}
	errno := dh.inode.fsyncDir(in.Fh, 0 != in.FsyncFlags&1)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

func dispatchFallocate(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.FallocateIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	errno = rec.fallocate(in)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

func dispatchFlock(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.FlockIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}
	errno = rec.flock(in)
	reply.Header.Error = errnoToReplyError(errno)
	return hal.SyncDone
}

// access checks the requested mask against the inode's current mode
// bits (a fresh fstat of its fd) for the requesting uid/gid. The backing filesystem's own
// checks at open/read/write time remain authoritative; this is an
// advisory check the kernel asks for before deciding to even attempt
// an open (no equivalent "stat as another user" syscall exists, so
// mode bits are inspected directly rather than delegated).
func dispatchAccess(req *wire.Request, reply *wire.Reply) hal.DispatchResult {
	in, ok := req.Args.(*wire.AccessIn)
	if !ok {
		reply.Header.Error = errnoToReplyError(syscall.EINVAL)
		return hal.SyncDone
	}
	rec, errno := resolveNode(req.Header.NodeID)
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	attr, errno := rec.statFd()
	if 0 != errno {
		reply.Header.Error = errnoToReplyError(errno)
		return hal.SyncDone
	}

	if !modePermits(attr, req.Header.UID, req.Header.GID, in.Mask) {
		reply.Header.Error = errnoToReplyError(syscall.EACCES)
		return hal.SyncDone
	}
	reply.Header.Error = 0
	return hal.SyncDone
}

func modePermits(attr wire.Attr, uid, gid, mask uint32) bool {
	if 0 == uid {
		return true // root, per the server's own effective identity, always passes
	}

	var shift uint
	switch {
	case uid == attr.UID:
		shift = 6
	case gid == attr.GID:
		shift = 3
	default:
		shift = 0
	}

	granted := (attr.Mode >> shift) & 0o7
	return mask&^uint32(granted) == 0 || 0 == mask
}

func entryOutFor(rec *inodeStruct, st *unix.Stat_t) wire.EntryOut {
	return wire.EntryOut{
		NodeID:        rec.nodeID(),
		Generation:    rec.generation,
		EntryValidSec: uint64(globals.session.entryTimeout.Seconds()),
		AttrValidSec:  uint64(globals.session.attrTimeout.Seconds()),
		Attr:          attrFromStat(st),
	}
}
