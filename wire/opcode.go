// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package wire states the decoded-argument and reply types that cross
// the boundary between the virtio-fs/FUSE wire codec (an external
// collaborator, not implemented here) and this repository's
// dispatch layer. Field names and shapes follow the FUSE low-level
// protocol's fuse_in_header/fuse_out_header framing; this package does
// not itself encode or decode bytes.
package wire

import "fmt"

// Opcode identifies a FUSE low-level request type.
type Opcode uint32

const (
	OpLookup       Opcode = iota + 1
	OpForget              // no reply
	OpGetAttr
	OpSetAttr
	OpReadLink
	OpSymlink
	OpMkNod
	OpMkDir
	OpUnlink
	OpRmDir
	OpRename
	OpOpen
	OpRead
	OpWrite
	OpStatFs
	OpRelease
	OpFsync
	OpFlush
	OpInit
	OpOpenDir
	OpReadDir
	OpReleaseDir
	OpFsyncDir
	OpGetLk
	OpSetLk
	OpSetLkW
	OpAccess
	OpCreate
	OpFallocate
	OpReadDirPlus
	OpBatchForget
	OpDestroy
)

func (o Opcode) String() string {
	switch o {
	case OpLookup:
		return "LOOKUP"
	case OpForget:
		return "FORGET"
	case OpGetAttr:
		return "GETATTR"
	case OpSetAttr:
		return "SETATTR"
	case OpReadLink:
		return "READLINK"
	case OpSymlink:
		return "SYMLINK"
	case OpMkNod:
		return "MKNOD"
	case OpMkDir:
		return "MKDIR"
	case OpUnlink:
		return "UNLINK"
	case OpRmDir:
		return "RMDIR"
	case OpRename:
		return "RENAME"
	case OpOpen:
		return "OPEN"
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpStatFs:
		return "STATFS"
	case OpRelease:
		return "RELEASE"
	case OpFsync:
		return "FSYNC"
	case OpFlush:
		return "FLUSH"
	case OpInit:
		return "INIT"
	case OpOpenDir:
		return "OPENDIR"
	case OpReadDir:
		return "READDIR"
	case OpReleaseDir:
		return "RELEASEDIR"
	case OpFsyncDir:
		return "FSYNCDIR"
	case OpGetLk:
		return "GETLK"
	case OpSetLk:
		return "SETLK"
	case OpSetLkW:
		return "SETLKW"
	case OpAccess:
		return "ACCESS"
	case OpCreate:
		return "CREATE"
	case OpFallocate:
		return "FALLOCATE"
	case OpReadDirPlus:
		return "READDIRPLUS"
	case OpBatchForget:
		return "BATCH_FORGET"
	case OpDestroy:
		return "DESTROY"
	default:
		return fmt.Sprintf("Opcode(%d)", uint32(o))
	}
}

// InHeader precedes every opcode-specific argument struct, mirroring
// fuse_in_header.
type InHeader struct {
	Opcode Opcode
	Unique uint64
	NodeID uint64 // target inode's node-id; 0 when not applicable (e.g. Init)
	UID    uint32
	GID    uint32
	PID    uint32
}

// OutHeader precedes every opcode-specific reply payload, mirroring
// fuse_out_header. Error is a negative errno, or zero for success.
type OutHeader struct {
	Len   uint32
	Error int32
}

// Request bundles the decoded header and opcode-specific argument
// value for a single dispatch. Args holds one of the *In structs below
// (or nil for opcodes that carry no body, e.g. ReadLink/StatFs).
type Request struct {
	Header InHeader
	Args   interface{}
}

// Reply bundles the outgoing header with a pointer to the
// pre-allocated, opcode-specific reply struct the handler fills in.
// Body is nil for opcodes with no payload (Forget, BatchForget,
// successful Unlink/RmDir/Rename/...).
type Reply struct {
	Header OutHeader
	Body   interface{}
}
