// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"encoding/binary"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// dirHandleStruct wraps a streaming directory iterator with a cached
// seek offset: successive readdir calls seek only when
// the requested offset differs from the one last delivered.
type dirHandleStruct struct {
	mutex  sync.Mutex
	inode  *inodeStruct
	fd     int
	buf    []byte
	bufOff int
	bufLen int
	offset uint64
}

const dirHandleBufSize = 32 * 1024

// opendir allocates a Directory Handle over a fresh directory stream
// on rec's fd, reopened through /proc/self/fd to gain read rights
// from a path-only descriptor.
func opendir(rec *inodeStruct) (dh *dirHandleStruct, errno syscall.Errno) {
	rec.mutex.Lock()
	baseFd := rec.fd
	rec.mutex.Unlock()

	if unlinkedSentinelFd == baseFd {
		errno = unix.ENOENT
		return
	}

	fd, err := reopenThroughProc(baseFd, unix.O_RDONLY|unix.O_DIRECTORY)
	if nil != err {
		errno = err.(syscall.Errno)
		return
	}

	dh = &dirHandleStruct{
		inode: rec,
		fd:    fd,
		buf:   make([]byte, dirHandleBufSize),
	}
	return
}

// registerDirHandle files dh under its fd, reused directly as the
// kernel-facing file handle (the same convention used for regular
// file handles from open/create).
func registerDirHandle(dh *dirHandleStruct) uint64 {
	globals.dirHandlesMutex.Lock()
	globals.dirHandles[uint64(dh.fd)] = dh
	globals.dirHandlesMutex.Unlock()
	return uint64(dh.fd)
}

func lookupDirHandle(fh uint64) (dh *dirHandleStruct, ok bool) {
	globals.dirHandlesMutex.Lock()
	dh, ok = globals.dirHandles[fh]
	globals.dirHandlesMutex.Unlock()
	return
}

func unregisterDirHandle(fh uint64) {
	globals.dirHandlesMutex.Lock()
	delete(globals.dirHandles, fh)
	globals.dirHandlesMutex.Unlock()
}

func releasedir(dh *dirHandleStruct) (errno syscall.Errno) {
	err := unix.Close(dh.fd)
	if nil != err {
		errno = err.(syscall.Errno)
	}
	return
}

// rawDirent is one parsed linux_dirent64 entry.
type rawDirent struct {
	ino    uint64
	off    uint64
	dtype  uint8
	name   string
	reclen int
}

// nextRawDirent parses the entry at dh.buf[dh.bufOff:], refilling the
// buffer via getdents64 first if it's been fully consumed. ok is
// false at end-of-directory.
func (dh *dirHandleStruct) nextRawDirent() (entry rawDirent, ok bool, errno syscall.Errno) {
	if dh.bufOff >= dh.bufLen {
		n, err := unix.Getdents(dh.fd, dh.buf)
		if nil != err {
			errno = err.(syscall.Errno)
			return
		}
		if 0 == n {
			return
		}
		dh.bufLen = n
		dh.bufOff = 0
	}

	b := dh.buf[dh.bufOff:dh.bufLen]
	if len(b) < 19 {
		errno = unix.EIO
		return
	}

	ino := binary.LittleEndian.Uint64(b[0:8])
	off := binary.LittleEndian.Uint64(b[8:16])
	reclen := int(binary.LittleEndian.Uint16(b[16:18]))
	dtype := b[18]

	nameEnd := 19
	for nameEnd < reclen && b[nameEnd] != 0 {
		nameEnd++
	}
	name := string(b[19:nameEnd])

	entry = rawDirent{ino: ino, off: off, dtype: dtype, name: name, reclen: reclen}
	ok = true
	return
}

func direntTypeToMode(dtype uint8) uint32 {
	switch dtype {
	case unix.DT_DIR:
		return unix.S_IFDIR
	case unix.DT_LNK:
		return unix.S_IFLNK
	case unix.DT_REG:
		return unix.S_IFREG
	case unix.DT_CHR:
		return unix.S_IFCHR
	case unix.DT_BLK:
		return unix.S_IFBLK
	case unix.DT_FIFO:
		return unix.S_IFIFO
	case unix.DT_SOCK:
		return unix.S_IFSOCK
	default:
		return 0
	}
}

// readdir fills in.Sink with entries starting from in.Offset:
// seeks only on an offset mismatch, stops on the first
// "no room", and skips "." and "..".
func readdir(dh *dirHandleStruct, in *wire.ReadDirIn) (errno syscall.Errno) {
	dh.mutex.Lock()
	defer dh.mutex.Unlock()

	if in.Offset != dh.offset {
		_, err := unix.Seek(dh.fd, int64(in.Offset), unix.SEEK_SET)
		if nil != err {
			errno = err.(syscall.Errno)
			return
		}
		dh.offset = in.Offset
		dh.bufOff = 0
		dh.bufLen = 0
	}

	for {
		entry, ok, errc := dh.nextRawDirent()
		if 0 != errc {
			errno = errc
			return
		}
		if !ok {
			return
		}
		if "." == entry.name || ".." == entry.name {
			dh.bufOff += entry.reclen
			dh.offset = entry.off
			continue
		}

		fit := in.Sink.TryWriteEntry(wire.DirEntry{
			Ino:     entry.ino,
			Off:     entry.off,
			NameLen: uint32(len(entry.name)),
			Type:    direntTypeToMode(entry.dtype) >> 12,
			Name:    entry.name,
		})
		if !fit {
			return
		}

		dh.bufOff += entry.reclen
		dh.offset = entry.off
	}
}

// readdirplus is readdir plus a per-entry lookup so the reply also
// carries a fresh node-id/attr/generation. A rejected
// write (buffer full) is compensated with a forget(ino, 1) so the
// extra lookup implied by the plus-entry is undone.
func readdirplus(dh *dirHandleStruct, in *wire.ReadDirPlusIn) (errno syscall.Errno) {
	dh.mutex.Lock()
	defer dh.mutex.Unlock()

	var wrote int

	if in.Offset != dh.offset {
		_, err := unix.Seek(dh.fd, int64(in.Offset), unix.SEEK_SET)
		if nil != err {
			errno = err.(syscall.Errno)
			return
		}
		dh.offset = in.Offset
		dh.bufOff = 0
		dh.bufLen = 0
	}

	for {
		entry, ok, errc := dh.nextRawDirent()
		if 0 != errc {
			errno = errc
			return
		}
		if !ok {
			return
		}
		if "." == entry.name || ".." == entry.name {
			dh.bufOff += entry.reclen
			dh.offset = entry.off
			continue
		}

		child, attr, lookupOK, lookupErrno := lookupChild(dh.inode, entry.name)
		if 0 != lookupErrno {
			// A lookup failure only fails the whole reply when it
			// hits the first entry; once something has already been
			// written into the sink, the partial buffer is returned
			// with success instead.
			if 0 == wrote {
				errno = lookupErrno
			}
			return
		}
		if !lookupOK {
			// Raced with a concurrent unlink; skip, the kernel will
			// reconcile on its own next readdirplus.
			dh.bufOff += entry.reclen
			dh.offset = entry.off
			continue
		}

		fit := in.Sink.TryWriteEntryPlus(wire.DirEntryPlus{
			EntryOut: wire.EntryOut{
				NodeID:        child.nodeID(),
				Generation:    child.generation,
				EntryValidSec: uint64(globals.session.entryTimeout.Seconds()),
				AttrValidSec:  uint64(globals.session.attrTimeout.Seconds()),
				Attr:          attr,
			},
			Dirent: wire.DirEntry{
				Ino:     entry.ino,
				Off:     entry.off,
				NameLen: uint32(len(entry.name)),
				Type:    direntTypeToMode(entry.dtype) >> 12,
				Name:    entry.name,
			},
		})
		if !fit {
			forgetInode(child, 1)
			return
		}
		wrote++

		dh.bufOff += entry.reclen
		dh.offset = entry.off
	}
}
