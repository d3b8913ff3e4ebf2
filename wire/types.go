// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package wire

// Attr mirrors struct fuse_attr: the attribute payload shared by
// GetAttr, SetAttr, Lookup's EntryOut, and Create's EntryOut.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	ATimeSec  uint64
	MTimeSec  uint64
	CTimeSec  uint64
	ATimeNSec uint32
	MTimeNSec uint32
	CTimeNSec uint32
	Mode      uint32
	NLink     uint32
	UID       uint32
	GID       uint32
	RDev      uint32
	BlkSize   uint32
}

// EntryOut mirrors struct fuse_entry_out: the reply shape for any
// operation that hands the kernel a new or refreshed node-id
// (Lookup, MkNod, MkDir, Symlink, Create).
type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValidSec  uint64
	AttrValidSec   uint64
	EntryValidNSec uint32
	AttrValidNSec  uint32
	Attr           Attr
}

// LookupIn carries the child name to resolve under InHeader.NodeID.
type LookupIn struct {
	Name string
}

// LookupOut is identical in shape to EntryOut. A NodeID of zero with
// Error 0 is a cached negative entry.
type LookupOut struct {
	EntryOut
}

// ForgetIn carries the lookup-count decrement for InHeader.NodeID.
// Forget has no reply.
type ForgetIn struct {
	Nlookup uint64
}

// ForgetOne is one element of a BatchForgetIn.
type ForgetOne struct {
	NodeID  uint64
	Nlookup uint64
}

// BatchForgetIn carries a batch of (node-id, nlookup) decrements.
// BatchForget has no reply.
type BatchForgetIn struct {
	Items []ForgetOne
}

// GetAttrIn optionally carries a file handle (from a prior Open) so
// the handler can stat the open descriptor instead of the inode's
// path-only one.
type GetAttrIn struct {
	Fh      uint64
	FhValid bool
}

type GetAttrOut struct {
	AttrValidSec  uint64
	AttrValidNSec uint32
	Attr          Attr
}

// SetAttrIn's Valid bitmask selects which fields are meaningful.
const (
	SetAttrValidMode      uint32 = 1 << 0
	SetAttrValidUID       uint32 = 1 << 1
	SetAttrValidGID       uint32 = 1 << 2
	SetAttrValidSize      uint32 = 1 << 3
	SetAttrValidATime     uint32 = 1 << 4
	SetAttrValidMTime     uint32 = 1 << 5
	SetAttrValidFh        uint32 = 1 << 6
	SetAttrValidATimeNow  uint32 = 1 << 7
	SetAttrValidMTimeNow  uint32 = 1 << 8
)

type SetAttrIn struct {
	Valid     uint32
	Fh        uint64
	Size      uint64
	ATimeSec  uint64
	MTimeSec  uint64
	ATimeNSec uint32
	MTimeNSec uint32
	Mode      uint32
	UID       uint32
	GID       uint32
}

type SetAttrOut struct {
	AttrValidSec  uint64
	AttrValidNSec uint32
	Attr          Attr
}

type ReadLinkOut struct {
	Target string
}

type SymlinkIn struct {
	Name   string
	Target string
}

type SymlinkOut struct {
	EntryOut
}

type MkNodIn struct {
	Name  string
	Mode  uint32
	RDev  uint32
	Umask uint32
}

type MkNodOut struct {
	EntryOut
}

type MkDirIn struct {
	Name  string
	Mode  uint32
	Umask uint32
}

type MkDirOut struct {
	EntryOut
}

type UnlinkIn struct {
	Name string
}

type RmDirIn struct {
	Name string
}

type RenameIn struct {
	NewDirNodeID uint64
	OldName      string
	NewName      string
	Flags        uint32
}

type OpenIn struct {
	Flags uint32
}

const (
	// OpenOutKeepCache tells the kernel the page cache for this inode
	// stays valid across this open.
	OpenOutKeepCache uint32 = 1 << 0
)

type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
}

type CreateIn struct {
	Name  string
	Flags uint32
	Mode  uint32
	Umask uint32
}

type CreateOut struct {
	EntryOut
	OpenOut
}

// ReadIn/WriteIn name the kernel file handle (from OpenOut.Fh or
// CreateOut.Fh), not the inode's own path-only descriptor. Buffer
// is the pre-allocated reply-iovec backing store the wire codec
// handed dispatch; the async I/O path reads directly into it and
// never copies the data through a Go-level field.
type ReadIn struct {
	Fh     uint64
	Offset int64
	Size   uint32
	Buffer []byte
}

// ReadOut's Size is the number of bytes the async read already placed
// into ReadIn.Buffer (the reply iovec); the data itself never passes
// through this struct.
type ReadOut struct {
	Size uint32
}

type WriteIn struct {
	Fh     uint64
	Offset int64
	Data   []byte
}

type WriteOut struct {
	Size uint32
}

type StatFsOut struct {
	Blocks  uint64
	BFree   uint64
	BAvail  uint64
	Files   uint64
	FFree   uint64
	BSize   uint32
	NameLen uint32
	FrSize  uint32
}

type ReleaseIn struct {
	Fh    uint64
	Flags uint32
}

type FlushIn struct {
	Fh uint64
}

type FsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
}

type FsyncDirIn struct {
	Fh         uint64
	FsyncFlags uint32
}

type FallocateIn struct {
	Fh     uint64
	Offset int64
	Length int64
	Mode   uint32
}

type FlockIn struct {
	Fh    uint64
	Owner uint64
	Type  int16 // F_RDLCK / F_WRLCK / F_UNLCK
	Sleep bool
}

// InitIn/InitOut negotiate the session handshake.
const (
	InitFlagExportSupport   uint32 = 1 << 0
	InitFlagWritebackCache  uint32 = 1 << 1
	InitFlagFlockLocks      uint32 = 1 << 2
	InitFlagNoOpenSupport   uint32 = 1 << 3
	InitFlagSplice          uint32 = 1 << 4 // never echoed back
)

// InitIn's uid/gid, when the server should drop privileges to them,
// arrive in the request's InHeader like any other request's
// credentials.
type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

type InitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	MaxPages            uint16
}

type OpenDirIn struct {
	Flags uint32
}

type OpenDirOut struct {
	Fh uint64
}

type ReadDirIn struct {
	Fh     uint64
	Offset uint64
	Size   uint32
	Sink   DirEntrySink
}

// DirEntry mirrors struct fuse_dirent (without the trailing, 8-byte
// aligned, variable-length name already accounted for by NameLen).
type DirEntry struct {
	Ino     uint64
	Off     uint64
	NameLen uint32
	Type    uint32
	Name    string
}

// DirEntryPlus mirrors struct fuse_direntplus: an EntryOut followed by
// a DirEntry, used by ReadDirPlus.
type DirEntryPlus struct {
	EntryOut EntryOut
	Dirent   DirEntry
}

// DirEntrySink is the out-of-scope wire encoder's callback surface for
// readdir: TryWriteEntry/TryWriteEntryPlus append one entry to the
// reply iovec, encoding fuse_dirent/fuse_direntplus framing (including
// 8-byte alignment padding) and report whether it fit. Dispatch calls
// this once per directory entry and stops on the first "no room".
type DirEntrySink interface {
	TryWriteEntry(entry DirEntry) (fit bool)
	TryWriteEntryPlus(entry DirEntryPlus) (fit bool)
}

type ReleaseDirIn struct {
	Fh uint64
}

type ReadDirPlusIn struct {
	Fh     uint64
	Offset uint64
	Size   uint32
	Sink   DirEntrySink
}

type AccessIn struct {
	Mask uint32
}
