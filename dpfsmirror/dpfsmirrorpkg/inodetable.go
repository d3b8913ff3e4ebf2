// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"sync"
)

// reservedRootNodeID is the external node-id the kernel always uses to
// address the root of the export, regardless of the root's actual
// backing inode number.
const reservedRootNodeID uint64 = 1

// inodeTableStruct is the keyed store mapping a backing-filesystem
// inode number to an inodeStruct record. The node-id
// handed to the kernel for any non-root record is simply its src_ino:
// since records are never relocated (no compacting arena),
// src_ino is already a stable handle, and (src_ino, generation)
// disambiguates a recycled backing ino. Only the root is special-cased:
// its external node-id is the reserved constant 1 no matter what its
// real src_ino is.
type inodeTableStruct struct {
	mutex       sync.Mutex // guards insert/erase of entries
	entries     map[uint64]*inodeStruct
	root        *inodeStruct
	rootDev     uint64
	genBySrcIno map[uint64]uint64 // retained after erase so a reused ino keeps counting up
}

func newInodeTable(rootDirFd int, rootSrcIno uint64, rootSrcDev uint64) *inodeTableStruct {
	table := &inodeTableStruct{
		entries:     make(map[uint64]*inodeStruct),
		rootDev:     rootSrcDev,
		genBySrcIno: make(map[uint64]uint64),
	}

	table.root = &inodeStruct{
		table:      table,
		srcIno:     rootSrcIno,
		srcDev:     rootSrcDev,
		fd:         rootDirFd,
		nlookup:    1, // the root is never forgotten; held alive for the server's lifetime
		generation: 0,
	}
	table.entries[rootSrcIno] = table.root

	return table
}

// nodeIDOf returns the external node-id for rec.
func (table *inodeTableStruct) nodeIDOf(rec *inodeStruct) uint64 {
	if rec == table.root {
		return reservedRootNodeID
	}
	return rec.srcIno
}

// lookupByHandle dereferences a wire node-id back to its record
// ok is false for an unknown handle.
func (table *inodeTableStruct) lookupByHandle(nodeID uint64) (rec *inodeStruct, ok bool) {
	if reservedRootNodeID == nodeID {
		return table.root, true
	}

	table.mutex.Lock()
	rec, ok = table.entries[nodeID]
	table.mutex.Unlock()

	return
}

// tryGetExisting returns the current record for srcIno without ever
// constructing one, for callers (like the unlink invalidation dance)
// that must act only if the kernel already holds a reference.
func (table *inodeTableStruct) tryGetExisting(srcIno uint64) (rec *inodeStruct, ok bool) {
	table.mutex.Lock()
	rec, ok = table.entries[srcIno]
	table.mutex.Unlock()
	return
}

// getOrInsert returns the
// existing record for srcIno if present, else constructs a fresh one
// with nlookup==0, fd unset, and generation picked up from the last
// generation ever assigned to this srcIno (so a recycled ino keeps
// counting up even across a full erase).
func (table *inodeTableStruct) getOrInsert(srcIno uint64) (rec *inodeStruct, existed bool) {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	rec, existed = table.entries[srcIno]
	if existed {
		return
	}

	rec = &inodeStruct{
		table:      table,
		srcIno:     srcIno,
		fd:         unlinkedSentinelFd,
		generation: table.genBySrcIno[srcIno],
	}
	table.entries[srcIno] = rec

	return rec, false
}

// erase removes rec from the table. The caller must already hold
// rec.mutex and must guarantee rec.nlookup == 0. The root
// is never erased.
func (table *inodeTableStruct) erase(rec *inodeStruct) {
	if rec == table.root {
		logWarnf("refusing to erase the root inode")
		return
	}

	table.mutex.Lock()
	delete(table.entries, rec.srcIno)
	table.genBySrcIno[rec.srcIno] = rec.generation
	table.mutex.Unlock()
}

// size returns the current occupancy, for the diagnostics server.
func (table *inodeTableStruct) size() int {
	table.mutex.Lock()
	n := len(table.entries)
	table.mutex.Unlock()
	return n
}
