// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRootNodeIDIsReserved: the
// root always presents as node-id 1 regardless of its real src_ino.
func TestRootNodeIDIsReserved(t *testing.T) {
	table := newInodeTable(0, 999999, 7)

	assert.Equal(t, reservedRootNodeID, table.nodeIDOf(table.root))

	rec, ok := table.lookupByHandle(reservedRootNodeID)
	require.True(t, ok)
	assert.Same(t, table.root, rec)
}

func TestGetOrInsertReturnsSameRecordForSameSrcIno(t *testing.T) {
	table := newInodeTable(0, 1, 7)

	a, existed := table.getOrInsert(42)
	assert.False(t, existed)

	b, existed := table.getOrInsert(42)
	assert.True(t, existed)
	assert.Same(t, a, b)
}

func TestTryGetExistingNeverInserts(t *testing.T) {
	table := newInodeTable(0, 1, 7)

	_, ok := table.tryGetExisting(123)
	assert.False(t, ok)
	assert.Equal(t, 1, table.size()) // just the root

	_, _ = table.getOrInsert(123)
	_, ok = table.tryGetExisting(123)
	assert.True(t, ok)
}

// TestEraseRefusesRoot covers the invariant that the root is never
// reclaimed regardless of a forget-to-zero.
func TestEraseRefusesRoot(t *testing.T) {
	table := newInodeTable(0, 1, 7)
	sizeBefore := table.size()

	table.erase(table.root)

	assert.Equal(t, sizeBefore, table.size())
	rec, ok := table.lookupByHandle(reservedRootNodeID)
	assert.True(t, ok)
	assert.Same(t, table.root, rec)
}

// TestGenerationPersistsAcrossErase: a src_ino that
// is erased and later reused for a fresh record keeps counting
// generations upward instead of resetting to zero.
func TestGenerationPersistsAcrossErase(t *testing.T) {
	table := newInodeTable(0, 1, 7)

	rec, _ := table.getOrInsert(55)
	rec.generation = 3
	rec.nlookup = 0
	table.erase(rec)

	_, ok := table.tryGetExisting(55)
	assert.False(t, ok)

	rec2, existed := table.getOrInsert(55)
	assert.False(t, existed)
	assert.Equal(t, uint64(3), rec2.generation)
}
