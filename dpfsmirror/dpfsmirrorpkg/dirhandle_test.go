// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// fakeDirSink collects entries and optionally refuses writes past a
// fixed room budget, simulating the out-of-scope wire encoder running
// out of reply buffer space mid-readdir.
type fakeDirSink struct {
	room        int
	entries     []wire.DirEntry
	plusEntries []wire.DirEntryPlus
}

func (s *fakeDirSink) TryWriteEntry(entry wire.DirEntry) bool {
	if len(s.entries)+len(s.plusEntries) >= s.room {
		return false
	}
	s.entries = append(s.entries, entry)
	return true
}

func (s *fakeDirSink) TryWriteEntryPlus(entry wire.DirEntryPlus) bool {
	if len(s.entries)+len(s.plusEntries) >= s.room {
		return false
	}
	s.plusEntries = append(s.plusEntries, entry)
	return true
}

func populateTestDir(t *testing.T, dir string, n int) []string {
	t.Helper()
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file-%03d", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
		names = append(names, name)
	}
	return names
}

// TestReaddirFullListingMatchesDirectory: a readdir
// that keeps calling with no room limit eventually enumerates exactly
// the backing directory's entries, each exactly once (. and .. are
// filtered), regardless of kernel buffer granularity.
func TestReaddirFullListingMatchesDirectory(t *testing.T) {
	backingDir, _ := testSetup(t)
	defer testTeardown(t)

	const total = 40
	names := populateTestDir(t, backingDir, total)

	dh, errno := opendir(globals.inodeTable.root)
	require.Zero(t, errno)
	defer releasedir(dh)

	seen := make(map[string]bool)
	var offset uint64
	for {
		sink := &fakeDirSink{room: 8}
		errno = readdir(dh, &wire.ReadDirIn{Offset: offset, Sink: sink})
		require.Zero(t, errno)
		if 0 == len(sink.entries) {
			break
		}
		for _, e := range sink.entries {
			assert.False(t, seen[e.Name], "duplicate entry %s", e.Name)
			seen[e.Name] = true
			offset = e.Off
		}
	}

	assert.Len(t, seen, total)
	for _, name := range names {
		assert.True(t, seen[name], "missing entry %s", name)
	}
}

// TestReaddirPlusCompensatesRejectedEntry: when the
// sink runs out of room mid-readdirplus, the entry that didn't fit is
// never delivered and its speculative lookup is undone with a
// compensating forget, so nlookup bookkeeping doesn't leak a reference
// for data the kernel never received.
func TestReaddirPlusCompensatesRejectedEntry(t *testing.T) {
	backingDir, _ := testSetup(t)
	defer testTeardown(t)

	const total = 10
	const room = 4
	populateTestDir(t, backingDir, total)

	dh, errno := opendir(globals.inodeTable.root)
	require.Zero(t, errno)
	defer releasedir(dh)

	sizeBefore := globals.inodeTable.size()

	sink := &fakeDirSink{room: room}
	errno = readdirplus(dh, &wire.ReadDirPlusIn{Offset: 0, Sink: sink})
	require.Zero(t, errno)

	assert.Len(t, sink.plusEntries, room)

	// Exactly `room` new records should remain registered (one nlookup
	// bump per delivered entry); the rejected entry's speculative
	// lookup must have been forgotten, not left dangling.
	assert.Equal(t, sizeBefore+room, globals.inodeTable.size())

	for _, e := range sink.plusEntries {
		rec, ok := globals.inodeTable.lookupByHandle(e.EntryOut.NodeID)
		require.True(t, ok)
		assert.Equal(t, uint64(1), rec.nlookup)
	}
}
