// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// unlinkedSentinelFd marks a record whose backing descriptor has been
// closed because its last link was removed while still referenced.
// A real negative errno is reserved for replies, not stored here, so
// the zero value of an int stays unambiguous from a valid fd.
const unlinkedSentinelFd = -1

// inodeStruct is the per-inode record. State lives in
// {Fresh, Live, Unlinked-Retained, Dead}: Fresh is the
// zero value returned by inodeTableStruct.getOrInsert before the
// caller populates fd/srcDev/nlookup; Live is fd >= 0 && nlookup > 0;
// Unlinked-Retained is fd == unlinkedSentinelFd && (nlookup > 0 ||
// nopen > 0); Dead is not represented by a struct at all — it is
// erased from the table.
type inodeStruct struct {
	mutex      sync.Mutex
	table      *inodeTableStruct
	srcIno     uint64
	srcDev     uint64
	fd         int // path-only (O_PATH) descriptor, or unlinkedSentinelFd
	nlookup    uint64
	nopen      uint32
	generation uint64
}

func (rec *inodeStruct) nodeID() uint64 {
	return rec.table.nodeIDOf(rec)
}

// reopenThroughProc reopens a path-only fd with flags: this is how a
// descriptor that names but cannot read/write an object is turned
// into one that can, without ever looking the name up again (so it
// survives renames of ancestors).
func reopenThroughProc(fd int, flags int) (newFd int, err error) {
	newFd, err = unix.Open("/proc/self/fd/"+strconv.Itoa(fd), flags, 0)
	return
}

// warnOnFdExhaustion surfaces descriptor exhaustion server-side; the
// errno itself still propagates to the kernel unchanged.
func warnOnFdExhaustion(errno syscall.Errno) {
	if unix.ENFILE == errno || unix.EMFILE == errno {
		logWarnf("reached maximum number of file descriptors")
	}
}

func attrFromStat(st *unix.Stat_t) wire.Attr {
	return wire.Attr{
		Ino:       st.Ino,
		Size:      uint64(st.Size),
		Blocks:    uint64(st.Blocks),
		ATimeSec:  uint64(st.Atim.Sec),
		MTimeSec:  uint64(st.Mtim.Sec),
		CTimeSec:  uint64(st.Ctim.Sec),
		ATimeNSec: uint32(st.Atim.Nsec),
		MTimeNSec: uint32(st.Mtim.Nsec),
		CTimeNSec: uint32(st.Ctim.Nsec),
		Mode:      st.Mode,
		NLink:     uint32(st.Nlink),
		UID:       st.Uid,
		GID:       st.Gid,
		RDev:      uint32(st.Rdev),
		BlkSize:   uint32(st.Blksize),
	}
}

// statFd stats rec's own descriptor, whether path-only or a real
// open handle; fstat works against O_PATH descriptors on Linux.
func (rec *inodeStruct) statFd() (attr wire.Attr, errno syscall.Errno) {
	var st unix.Stat_t

	rec.mutex.Lock()
	fd := rec.fd
	rec.mutex.Unlock()

	if unlinkedSentinelFd == fd {
		errno = unix.ENOENT
		return
	}

	err := unix.Fstat(fd, &st)
	if nil != err {
		errno = err.(syscall.Errno)
		return
	}

	attr = attrFromStat(&st)
	return
}

// --- Lookup ---

// lookupChild resolves name under parent and returns the child's
// record (freshly inserted, or an existing one with nlookup bumped),
// or ok==false for a cached negative entry, or a non-zero errno for a
// hard failure.
func lookupChild(parent *inodeStruct, name string) (child *inodeStruct, attr wire.Attr, ok bool, errno syscall.Errno) {
	parent.mutex.Lock()
	parentFd := parent.fd
	parent.mutex.Unlock()

	if unlinkedSentinelFd == parentFd {
		errno = unix.ENOENT
		return
	}

	childFd, err := unix.Openat(parentFd, name, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if nil != err {
		if unix.ENOENT == err {
			ok = false
			errno = 0
			return
		}
		errno = err.(syscall.Errno)
		warnOnFdExhaustion(errno)
		return
	}

	var st unix.Stat_t
	err = unix.Fstat(childFd, &st)
	if nil != err {
		_ = unix.Close(childFd)
		errno = err.(syscall.Errno)
		return
	}

	if st.Dev != parent.table.rootDev {
		_ = unix.Close(childFd)
		errno = unix.ENOTSUP
		return
	}
	if st.Ino == reservedRootNodeID {
		_ = unix.Close(childFd)
		errno = unix.EIO
		return
	}

	rec, existed := parent.table.getOrInsert(st.Ino)

	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	switch {
	case existed && unlinkedSentinelFd != rec.fd:
		// Existing record with a live fd: discard the just-opened one.
		_ = unix.Close(childFd)
		rec.nlookup++
	case existed:
		// Recycled ino: adopt the new fd; generation was already bumped
		// when the old fd was invalidated.
		rec.fd = childFd
		rec.srcDev = st.Dev
		rec.nlookup++
	default:
		rec.fd = childFd
		rec.srcDev = st.Dev
		rec.nlookup = 1
	}

	child = rec
	ok = true
	attr = attrFromStat(&st)
	return
}

// registerNewChild files a freshly created object (mknod/mkdir/
// symlink/create) into the inode table the same way lookupChild
// would: every reply that carries a node-id to the kernel must have
// incremented nlookup exactly once.
func registerNewChild(table *inodeTableStruct, childFd int, st *unix.Stat_t) *inodeStruct {
	rec, existed := table.getOrInsert(st.Ino)

	rec.mutex.Lock()
	if existed && unlinkedSentinelFd != rec.fd {
		_ = unix.Close(rec.fd)
	}
	rec.fd = childFd
	rec.srcDev = st.Dev
	rec.nlookup++
	rec.mutex.Unlock()

	return rec
}

// --- Forget / Batch-Forget ---

// forget decrements nlookup by n and erases the record once it
// reaches zero with no open handles left (with nopen > 0, the final
// release erases it instead). A would-be-negative result is
// protocol-fatal.
func forgetInode(rec *inodeStruct, n uint64) {
	rec.mutex.Lock()

	if n > rec.nlookup {
		rec.mutex.Unlock()
		logFatalf("forget(%d, %d) on nlookup=%d would go negative", rec.nodeID(), n, rec.nlookup)
		return
	}

	rec.nlookup -= n

	if 0 == rec.nlookup && 0 == rec.nopen {
		if unlinkedSentinelFd != rec.fd {
			_ = unix.Close(rec.fd)
			rec.fd = unlinkedSentinelFd
		}
		rec.table.erase(rec)
	}

	rec.mutex.Unlock()
}

// --- Attribute and metadata operations ---

func (rec *inodeStruct) getAttr(in *wire.GetAttrIn) (out wire.GetAttrOut, errno syscall.Errno) {
	var (
		attr wire.Attr
		errc syscall.Errno
	)

	if in.FhValid {
		var st unix.Stat_t
		err := unix.Fstat(int(in.Fh), &st)
		if nil != err {
			errno = err.(syscall.Errno)
			return
		}
		attr = attrFromStat(&st)
	} else {
		attr, errc = rec.statFd()
		if 0 != errc {
			errno = errc
			return
		}
	}

	out = wire.GetAttrOut{
		AttrValidSec: uint64(globals.session.attrTimeout.Seconds()),
		Attr:         attr,
	}
	return
}

// setAttr honours the Valid bitmask: each selected
// field executes via the supplied file handle when there is one,
// otherwise via /proc/self/fd/<fd> so the path-only descriptor can
// still be targeted. uid/gid always go through fchownat with
// AT_EMPTY_PATH (chown through /proc would follow a symlink's
// target).
func (rec *inodeStruct) setAttr(in *wire.SetAttrIn) (out wire.SetAttrOut, errno syscall.Errno) {
	rec.mutex.Lock()
	baseFd := rec.fd
	rec.mutex.Unlock()

	if unlinkedSentinelFd == baseFd {
		errno = unix.ENOENT
		return
	}

	fhValid := 0 != in.Valid&wire.SetAttrValidFh
	procPath := "/proc/self/fd/" + strconv.Itoa(baseFd)

	if 0 != in.Valid&wire.SetAttrValidMode {
		var err error
		if fhValid {
			err = unix.Fchmod(int(in.Fh), in.Mode)
		} else {
			err = unix.Chmod(procPath, in.Mode)
		}
		if nil != err {
			errno = err.(syscall.Errno)
			return
		}
	}
	if 0 != in.Valid&(wire.SetAttrValidUID|wire.SetAttrValidGID) {
		uid, gid := -1, -1
		if 0 != in.Valid&wire.SetAttrValidUID {
			uid = int(in.UID)
		}
		if 0 != in.Valid&wire.SetAttrValidGID {
			gid = int(in.GID)
		}
		if err := unix.Fchownat(baseFd, "", uid, gid, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); nil != err {
			errno = err.(syscall.Errno)
			return
		}
	}
	if 0 != in.Valid&wire.SetAttrValidSize {
		var err error
		if fhValid {
			err = unix.Ftruncate(int(in.Fh), int64(in.Size))
		} else {
			err = unix.Truncate(procPath, int64(in.Size))
		}
		if nil != err {
			errno = err.(syscall.Errno)
			return
		}
	}
	if 0 != in.Valid&(wire.SetAttrValidATime|wire.SetAttrValidMTime|wire.SetAttrValidATimeNow|wire.SetAttrValidMTimeNow) {
		ts := [2]unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Nsec: unix.UTIME_OMIT},
		}
		if 0 != in.Valid&wire.SetAttrValidATimeNow {
			ts[0].Nsec = unix.UTIME_NOW
		} else if 0 != in.Valid&wire.SetAttrValidATime {
			ts[0] = unix.Timespec{Sec: int64(in.ATimeSec), Nsec: int64(in.ATimeNSec)}
		}
		if 0 != in.Valid&wire.SetAttrValidMTimeNow {
			ts[1].Nsec = unix.UTIME_NOW
		} else if 0 != in.Valid&wire.SetAttrValidMTime {
			ts[1] = unix.Timespec{Sec: int64(in.MTimeSec), Nsec: int64(in.MTimeNSec)}
		}
		timesPath := procPath
		if fhValid {
			timesPath = "/proc/self/fd/" + strconv.Itoa(int(in.Fh))
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, timesPath, ts[:], 0); nil != err {
			errno = err.(syscall.Errno)
			return
		}
	}

	attr, errc := rec.statFd()
	if 0 != errc {
		errno = errc
		return
	}

	out = wire.SetAttrOut{
		AttrValidSec: uint64(globals.session.attrTimeout.Seconds()),
		Attr:         attr,
	}
	return
}

func (rec *inodeStruct) statFs() (out wire.StatFsOut, errno syscall.Errno) {
	var st unix.Statfs_t

	rec.mutex.Lock()
	fd := rec.fd
	rec.mutex.Unlock()

	err := unix.Fstatfs(fd, &st)
	if nil != err {
		errno = err.(syscall.Errno)
		return
	}

	out = wire.StatFsOut{
		Blocks:  st.Blocks,
		BFree:   st.Bfree,
		BAvail:  st.Bavail,
		Files:   st.Files,
		FFree:   st.Ffree,
		BSize:   uint32(st.Bsize),
		NameLen: uint32(st.Namelen),
		FrSize:  uint32(st.Frsize),
	}
	return
}

// dirFd returns rec's own path-only fd for use as the directory fd of a
// name-relative syscall (mknod/mkdir/symlink/unlink/rmdir/rename all
// operate relative to a parent directory's fd; Linux accepts O_PATH
// fds for *at() syscalls that only resolve a path component, which
// covers every one of these, so nothing is reopened).
func (rec *inodeStruct) dirFd() (fd int, errno syscall.Errno) {
	rec.mutex.Lock()
	fd = rec.fd
	rec.mutex.Unlock()
	if unlinkedSentinelFd == fd {
		errno = unix.ENOENT
	}
	return
}

func (rec *inodeStruct) mkNod(in *wire.MkNodIn) (childFd int, st unix.Stat_t, errno syscall.Errno) {
	parentFd, errno := rec.dirFd()
	if 0 != errno {
		return
	}

	mode := (in.Mode &^ in.Umask)
	err := unix.Mknodat(parentFd, in.Name, mode, int(in.RDev))
	if nil != err {
		errno = err.(syscall.Errno)
		return
	}

	childFd, err = unix.Openat(parentFd, in.Name, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if nil != err {
		errno = err.(syscall.Errno)
		return
	}
	err = unix.Fstat(childFd, &st)
	if nil != err {
		_ = unix.Close(childFd)
		errno = err.(syscall.Errno)
	}
	return
}

func (rec *inodeStruct) mkDir(in *wire.MkDirIn) (childFd int, st unix.Stat_t, errno syscall.Errno) {
	parentFd, errno := rec.dirFd()
	if 0 != errno {
		return
	}

	mode := (in.Mode &^ in.Umask)
	err := unix.Mkdirat(parentFd, in.Name, mode)
	if nil != err {
		errno = err.(syscall.Errno)
		return
	}

	childFd, err = unix.Openat(parentFd, in.Name, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if nil != err {
		errno = err.(syscall.Errno)
		return
	}
	err = unix.Fstat(childFd, &st)
	if nil != err {
		_ = unix.Close(childFd)
		errno = err.(syscall.Errno)
	}
	return
}

func (rec *inodeStruct) symlink(in *wire.SymlinkIn) (childFd int, st unix.Stat_t, errno syscall.Errno) {
	parentFd, errno := rec.dirFd()
	if 0 != errno {
		return
	}

	err := unix.Symlinkat(in.Target, parentFd, in.Name)
	if nil != err {
		errno = err.(syscall.Errno)
		return
	}

	childFd, err = unix.Openat(parentFd, in.Name, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if nil != err {
		errno = err.(syscall.Errno)
		return
	}
	err = unix.Fstat(childFd, &st)
	if nil != err {
		_ = unix.Close(childFd)
		errno = err.(syscall.Errno)
	}
	return
}

func (rec *inodeStruct) readLink() (target string, errno syscall.Errno) {
	rec.mutex.Lock()
	fd := rec.fd
	rec.mutex.Unlock()

	buf := make([]byte, 4096)
	n, err := unix.Readlinkat(fd, "", buf)
	if nil != err {
		errno = err.(syscall.Errno)
		return
	}
	target = string(buf[:n])
	return
}

// unlinkChild removes a directory entry, first running the
// invalidation dance: when
// the configured metadata timeout is zero and the target has exactly
// one link and no open handles, its fd is invalidated (sentinel set,
// generation bumped) before the directory entry is removed, so a
// later lookup of the same name observes a fresh generation rather
// than silently resurrecting a dead record.
func unlinkChild(parent *inodeStruct, name string, isDir bool) (errno syscall.Errno) {
	parentFd, errno := parent.dirFd()
	if 0 != errno {
		return
	}

	if 0 == globals.config.MetadataTimeout {
		childFd, err := unix.Openat(parentFd, name, unix.O_PATH|unix.O_NOFOLLOW, 0)
		if nil == err {
			var st unix.Stat_t
			if nil == unix.Fstat(childFd, &st) && 1 == st.Nlink {
				if rec, existed := parent.table.tryGetExisting(st.Ino); existed {
					rec.mutex.Lock()
					if 0 == rec.nopen && unlinkedSentinelFd != rec.fd {
						_ = unix.Close(rec.fd)
						rec.fd = unlinkedSentinelFd
						rec.generation++
						globals.stats.generationBumped()
					}
					rec.mutex.Unlock()
				}
			}
			_ = unix.Close(childFd)
		}
	}

	var err error
	if isDir {
		err = unix.Unlinkat(parentFd, name, unix.AT_REMOVEDIR)
	} else {
		err = unix.Unlinkat(parentFd, name, 0)
	}
	if nil != err {
		errno = err.(syscall.Errno)
	}
	return
}

func renameChild(oldParent *inodeStruct, oldName string, newParent *inodeStruct, newName string, flags uint32) (errno syscall.Errno) {
	oldParentFd, errno := oldParent.dirFd()
	if 0 != errno {
		return
	}
	newParentFd, errno := newParent.dirFd()
	if 0 != errno {
		return
	}

	var err error
	if 0 == flags {
		err = unix.Renameat(oldParentFd, oldName, newParentFd, newName)
	} else {
		err = unix.Renameat2(oldParentFd, oldName, newParentFd, newName, uint(flags))
	}
	if nil != err {
		errno = err.(syscall.Errno)
	}
	return
}

func (rec *inodeStruct) flush(fh uint64) (errno syscall.Errno) {
	// flush has no corresponding syscall; fsync is the real durability
	// point.
	return 0
}

func (rec *inodeStruct) fsync(fh uint64, dataOnly bool) (errno syscall.Errno) {
	var err error
	if dataOnly {
		err = unix.Fdatasync(int(fh))
	} else {
		err = unix.Fsync(int(fh))
	}
	if nil != err {
		errno = err.(syscall.Errno)
	}
	return
}

func (rec *inodeStruct) fsyncDir(fh uint64, dataOnly bool) (errno syscall.Errno) {
	return rec.fsync(fh, dataOnly)
}

func (rec *inodeStruct) fallocate(in *wire.FallocateIn) (errno syscall.Errno) {
	err := unix.Fallocate(int(in.Fh), in.Mode, in.Offset, in.Length)
	if nil != err {
		errno = err.(syscall.Errno)
	}
	return
}

func (rec *inodeStruct) flock(in *wire.FlockIn) (errno syscall.Errno) {
	how := 0
	switch in.Type {
	case unix.F_RDLCK:
		how = unix.LOCK_SH
	case unix.F_WRLCK:
		how = unix.LOCK_EX
	case unix.F_UNLCK:
		how = unix.LOCK_UN
	default:
		errno = unix.EINVAL
		return
	}
	if !in.Sleep {
		how |= unix.LOCK_NB
	}
	err := unix.Flock(int(in.Fh), how)
	if nil != err {
		errno = err.(syscall.Errno)
	}
	return
}

// create atomically opens-with-create,
// then registers the resulting inode via the lookup dance so the
// kernel and this server agree on node-id/generation for the new
// file, and increments nopen for the handle the reply carries.
func create(parent *inodeStruct, in *wire.CreateIn) (child *inodeStruct, attr wire.Attr, fh uint64, errno syscall.Errno) {
	parentFd, errno := parent.dirFd()
	if 0 != errno {
		return
	}

	mode := in.Mode &^ in.Umask
	openFd, err := unix.Openat(parentFd, in.Name, (int(in.Flags)|unix.O_CREAT)&^unix.O_NOFOLLOW, mode)
	if nil != err {
		errno = err.(syscall.Errno)
		warnOnFdExhaustion(err.(syscall.Errno))
		return
	}

	var ok bool
	child, attr, ok, errno = lookupChild(parent, in.Name)
	if 0 != errno || !ok {
		_ = unix.Close(openFd)
		if 0 == errno {
			errno = unix.EIO
		}
		return
	}

	child.mutex.Lock()
	child.nopen++
	child.mutex.Unlock()

	fh = uint64(openFd)
	return
}

// open reopens rec's path-only fd through /proc/self/fd with the
// requested flags. With a non-zero metadata timeout,
// O_APPEND and write-only are rewritten to O_RDWR so the writeback
// cache can satisfy reads locally.
func (rec *inodeStruct) open(in *wire.OpenIn) (fh uint64, keepCache bool, errno syscall.Errno) {
	rec.mutex.Lock()
	baseFd := rec.fd
	rec.mutex.Unlock()

	if unlinkedSentinelFd == baseFd {
		errno = unix.ENOENT
		return
	}

	flags := int(in.Flags) &^ unix.O_NOFOLLOW
	if 0 != globals.config.MetadataTimeout {
		if 0 != flags&unix.O_APPEND || (flags&unix.O_ACCMODE) == unix.O_WRONLY {
			flags = (flags &^ unix.O_ACCMODE &^ unix.O_APPEND) | unix.O_RDWR
		}
		keepCache = true
	}

	newFd, err := reopenThroughProc(baseFd, flags)
	if nil != err {
		errno = err.(syscall.Errno)
		warnOnFdExhaustion(errno)
		return
	}

	rec.mutex.Lock()
	rec.nopen++
	rec.mutex.Unlock()

	fh = uint64(newFd)
	return
}

func (rec *inodeStruct) release(fh uint64) (errno syscall.Errno) {
	err := unix.Close(int(fh))

	rec.mutex.Lock()
	if rec.nopen > 0 {
		rec.nopen--
	}
	dead := 0 == rec.nlookup && 0 == rec.nopen
	if dead && unlinkedSentinelFd != rec.fd {
		_ = unix.Close(rec.fd)
		rec.fd = unlinkedSentinelFd
	}
	if dead {
		rec.table.erase(rec)
	}
	rec.mutex.Unlock()

	if nil != err {
		errno = err.(syscall.Errno)
	}
	return
}
