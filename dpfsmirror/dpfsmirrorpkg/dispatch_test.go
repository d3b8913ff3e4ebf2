// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dpfs-project/dpfs-aio-mirror/hal"
	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// TestDispatchLookupNegativeEntry checks the negative-entry reply
// shape: error = 0, node-id = 0, entry timeout = the configured one.
func TestDispatchLookupNegativeEntry(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)

	req := &wire.Request{
		Header: wire.InHeader{Opcode: wire.OpLookup, NodeID: reservedRootNodeID},
		Args:   &wire.LookupIn{Name: "missing"},
	}
	reply := &wire.Reply{Body: &wire.LookupOut{}}

	result := globals.Dispatch(req, reply, 0, "test-device-0")
	assert.Equal(t, hal.SyncDone, result)
	assert.Zero(t, reply.Header.Error)

	out := reply.Body.(*wire.LookupOut)
	assert.Zero(t, out.NodeID)
	assert.Equal(t, uint64(globals.session.entryTimeout.Seconds()), out.EntryValidSec)
}

// TestDispatchUnknownNodeID: an
// unknown node-id is EINVAL, not a crash or a fabricated record.
func TestDispatchUnknownNodeID(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)

	req := &wire.Request{
		Header: wire.InHeader{Opcode: wire.OpGetAttr, NodeID: 0xDEAD},
		Args:   &wire.GetAttrIn{},
	}
	reply := &wire.Reply{Body: &wire.GetAttrOut{}}

	result := globals.Dispatch(req, reply, 0, "test-device-0")
	assert.Equal(t, hal.SyncDone, result)
	assert.Equal(t, -int32(syscall.EINVAL), reply.Header.Error)
}

func TestDispatchUnknownOpcode(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)

	req := &wire.Request{Header: wire.InHeader{Opcode: wire.Opcode(9999)}}
	reply := &wire.Reply{}

	result := globals.Dispatch(req, reply, 0, "test-device-0")
	assert.Equal(t, hal.SyncDone, result)
	assert.Equal(t, -int32(syscall.ENOSYS), reply.Header.Error)
}

// TestSetAttrThroughPathOnlyFd exercises the /proc/self/fd path of
// setattr (no file handle supplied): chmod and truncate must land on
// the backing file even though the inode only holds an O_PATH fd.
func TestSetAttrThroughPathOnlyFd(t *testing.T) {
	backingDir, _ := testSetup(t)
	defer testTeardown(t)

	path := filepath.Join(backingDir, "attrs.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	rec, _, ok, errno := lookupChild(globals.inodeTable.root, "attrs.txt")
	require.True(t, ok)
	require.Zero(t, errno)
	defer forgetInode(rec, 1)

	out, errno := rec.setAttr(&wire.SetAttrIn{
		Valid: wire.SetAttrValidMode | wire.SetAttrValidSize,
		Mode:  0600,
		Size:  4,
	})
	require.Zero(t, errno)

	assert.Equal(t, uint32(0600), out.Attr.Mode&0777)
	assert.Equal(t, uint64(4), out.Attr.Size)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())
	assert.Equal(t, int64(4), st.Size())
}

// TestDispatchInitNegotiation: export-support and
// flock are echoed when offered, splice never is, and writeback cache
// appears only with a non-zero metadata timeout (which testSetup
// configures as zero).
func TestDispatchInitNegotiation(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)

	req := &wire.Request{
		Header: wire.InHeader{Opcode: wire.OpInit},
		Args: &wire.InitIn{
			Major: 7,
			Minor: 31,
			Flags: wire.InitFlagExportSupport | wire.InitFlagFlockLocks | wire.InitFlagSplice,
		},
	}
	reply := &wire.Reply{Body: &wire.InitOut{}}

	result := globals.Dispatch(req, reply, 0, "test-device-0")
	assert.Equal(t, hal.SyncDone, result)
	assert.Zero(t, reply.Header.Error)

	out := reply.Body.(*wire.InitOut)
	assert.NotZero(t, out.Flags&wire.InitFlagExportSupport)
	assert.NotZero(t, out.Flags&wire.InitFlagFlockLocks)
	assert.Zero(t, out.Flags&wire.InitFlagSplice)
	assert.Zero(t, out.Flags&wire.InitFlagWritebackCache)
	assert.True(t, globals.session.initDone)
}

// TestDispatchInitPartialUIDGIDKeepsIdentity: a privilege drop needs
// BOTH a non-zero uid and a non-zero gid in the request header;
// uid=0 with a non-zero gid (or the reverse) leaves the server's own
// effective identity untouched.
func TestDispatchInitPartialUIDGIDKeepsIdentity(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)

	euidBefore := unix.Geteuid()
	egidBefore := unix.Getegid()

	req := &wire.Request{
		Header: wire.InHeader{Opcode: wire.OpInit, UID: 0, GID: 1000},
		Args:   &wire.InitIn{Major: 7, Minor: 31},
	}
	reply := &wire.Reply{Body: &wire.InitOut{}}

	result := globals.Dispatch(req, reply, 0, "test-device-0")
	assert.Equal(t, hal.SyncDone, result)
	assert.Zero(t, reply.Header.Error)

	assert.Equal(t, euidBefore, unix.Geteuid())
	assert.Equal(t, egidBefore, unix.Getegid())
}

// TestDispatchMkDirAndRmDir rounds out the name-based metadata ops at
// the dispatch level.
func TestDispatchMkDirAndRmDir(t *testing.T) {
	backingDir, _ := testSetup(t)
	defer testTeardown(t)

	mkReq := &wire.Request{
		Header: wire.InHeader{Opcode: wire.OpMkDir, NodeID: reservedRootNodeID},
		Args:   &wire.MkDirIn{Name: "sub", Mode: 0755 | unix.S_IFDIR},
	}
	mkReply := &wire.Reply{Body: &wire.MkDirOut{}}

	result := globals.Dispatch(mkReq, mkReply, 0, "test-device-0")
	assert.Equal(t, hal.SyncDone, result)
	require.Zero(t, mkReply.Header.Error)

	out := mkReply.Body.(*wire.MkDirOut)
	assert.NotZero(t, out.NodeID)

	st, err := os.Stat(filepath.Join(backingDir, "sub"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	child, ok := globals.inodeTable.lookupByHandle(out.NodeID)
	require.True(t, ok)

	rmReq := &wire.Request{
		Header: wire.InHeader{Opcode: wire.OpRmDir, NodeID: reservedRootNodeID},
		Args:   &wire.RmDirIn{Name: "sub"},
	}
	rmReply := &wire.Reply{}

	result = globals.Dispatch(rmReq, rmReply, 0, "test-device-0")
	assert.Equal(t, hal.SyncDone, result)
	assert.Zero(t, rmReply.Header.Error)

	_, err = os.Stat(filepath.Join(backingDir, "sub"))
	assert.True(t, os.IsNotExist(err))

	forgetInode(child, 1)
}
