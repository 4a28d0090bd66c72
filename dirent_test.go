package blockfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirEntryRoundTrip(t *testing.T) {
	e := dirEntry{ChildInode: 7, Name: "report.txt"}
	decoded, err := decodeDirEntry(e.encode())
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestInsertLookupRemoveDir(t *testing.T) {
	table := newTestTable(t, 8, 32)
	dir, err := table.Alloc(InodeDir)
	require.NoError(t, err)
	child, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	require.NoError(t, insertDir(table, dir, "a.txt", child))
	assert.EqualValues(t, 1, table.Stat(child).Link)

	found, err := lookupDir(table, dir, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, child, found)

	require.NoError(t, removeDir(table, dir, "a.txt"))
	_, err = lookupDir(table, dir, "a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDirRejectsDuplicateName(t *testing.T) {
	table := newTestTable(t, 8, 32)
	dir, err := table.Alloc(InodeDir)
	require.NoError(t, err)
	a, err := table.Alloc(InodeFile)
	require.NoError(t, err)
	b, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	require.NoError(t, insertDir(table, dir, "dup", a))
	err = insertDir(table, dir, "dup", b)
	assert.ErrorIs(t, err, ErrExists)
}

func TestInsertDirReusesTombstoneSlot(t *testing.T) {
	table := newTestTable(t, 8, 32)
	dir, err := table.Alloc(InodeDir)
	require.NoError(t, err)
	a, err := table.Alloc(InodeFile)
	require.NoError(t, err)
	b, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	require.NoError(t, insertDir(table, dir, "a", a))
	sizeAfterFirst := table.Stat(dir).Size

	require.NoError(t, removeDir(table, dir, "a"))
	require.NoError(t, insertDir(table, dir, "b", b))

	assert.Equal(t, sizeAfterFirst, table.Stat(dir).Size, "reused tombstone slot must not grow the directory")
}

func TestIterateDirEntriesSkipsTombstonesInLiveEnumeration(t *testing.T) {
	table := newTestTable(t, 8, 32)
	dir, err := table.Alloc(InodeDir)
	require.NoError(t, err)
	a, err := table.Alloc(InodeFile)
	require.NoError(t, err)
	b, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	require.NoError(t, insertDir(table, dir, "a", a))
	require.NoError(t, insertDir(table, dir, "b", b))
	require.NoError(t, removeDir(table, dir, "a"))

	var names []string
	err = iterateDirEntries(table, dir, func(_ int64, entry dirEntry) (bool, error) {
		if entry.ChildInode != 0 {
			names = append(names, entry.Name)
		}
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
}

func TestRemoveDirUnlinksBeforeLeavingDanglingEntry(t *testing.T) {
	table := newTestTable(t, 8, 32)
	dir, err := table.Alloc(InodeDir)
	require.NoError(t, err)
	child, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	require.NoError(t, insertDir(table, dir, "only", child))
	require.NoError(t, removeDir(table, dir, "only"))

	assert.Equal(t, InodeUnused, table.Stat(child).Type, "sole link dropping to zero must reclaim the child")

	_, err = lookupDir(table, dir, "only")
	assert.ErrorIs(t, err, ErrNotFound)
}
