package blockfs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/sixv/blockfs/internal/alloc"
	"github.com/sixv/blockfs/internal/blockio"
	"github.com/sixv/blockfs/internal/pagecache"
)

func newTestTable(t *testing.T, inodeCount, maxDataBlocks uint64) *Table {
	h := header{Magic: magic, Version: formatVersion, InodeCount: inodeCount, MaxDataBlocks: maxDataBlocks, PageSize: PageSize}
	lay := computeLayout(h)

	backing := bytesextra.NewReadWriteSeeker(make([]byte, uint64(lay.totalPages)*PageSize))
	device := blockio.New(backing, PageSize, uint32(lay.totalPages))
	cache := pagecache.New(device, 32)
	allocator := alloc.New(lay.firstDataBlock, uint(maxDataBlocks))

	table, err := formatTable(cache, allocator, lay, inodeCount)
	require.NoError(t, err)
	return table
}

func TestAllocReturnsDistinctIndices(t *testing.T) {
	table := newTestTable(t, 4, 16)

	a, err := table.Alloc(InodeFile)
	require.NoError(t, err)
	b, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, InodeFile, table.Stat(a).Type)
}

func TestAllocFailsWhenTableIsFull(t *testing.T) {
	table := newTestTable(t, 2, 16)

	_, err := table.Alloc(InodeFile)
	require.NoError(t, err)
	_, err = table.Alloc(InodeFile)
	require.NoError(t, err)

	_, err = table.Alloc(InodeFile)
	assert.ErrorIs(t, err, ErrTooManyOpenInodes)
}

func TestWriteAtRejectsOffsetPastEndOfFile(t *testing.T) {
	table := newTestTable(t, 4, 16)
	i, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	_, err = table.WriteAt(i, 10, []byte("late"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReadAtWriteAtRoundTrip(t *testing.T) {
	table := newTestTable(t, 4, 16)
	i, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	payload := []byte("Hello, World!\n")
	n, err := table.WriteAt(i, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.EqualValues(t, len(payload), table.Stat(i).Size)

	buf := make([]byte, len(payload))
	n, err = table.ReadAt(i, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestReadAtPartialReadReturnsActualCount(t *testing.T) {
	table := newTestTable(t, 4, 16)
	i, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	_, err = table.WriteAt(i, 0, []byte("abc"))
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := table.ReadAt(i, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestWriteAtAdvancesModifiedAtButNotCreatedAt(t *testing.T) {
	table := newTestTable(t, 4, 16)
	i, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	createdAt := table.Stat(i).CreatedAt
	_, err = table.WriteAt(i, 0, []byte("first"))
	require.NoError(t, err)
	firstModifiedAt := table.Stat(i).ModifiedAt

	_, err = table.WriteAt(i, 5, []byte("second"))
	require.NoError(t, err)
	rec := table.Stat(i)

	assert.Equal(t, createdAt, rec.CreatedAt)
	assert.GreaterOrEqual(t, rec.ModifiedAt, firstModifiedAt)
	assert.GreaterOrEqual(t, firstModifiedAt, createdAt)
}

func TestLockRWExcludesOtherLocks(t *testing.T) {
	table := newTestTable(t, 4, 16)
	i, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	require.NoError(t, table.LockRW(i))
	assert.ErrorIs(t, table.LockRO(i), ErrBusy)
	assert.ErrorIs(t, table.LockRW(i), ErrBusy)

	table.UnlockRW(i)
	assert.NoError(t, table.LockRO(i))
}

func TestLockROAllowsMultipleReadersButExcludesWriter(t *testing.T) {
	table := newTestTable(t, 4, 16)
	i, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	require.NoError(t, table.LockRO(i))
	require.NoError(t, table.LockRO(i))
	assert.ErrorIs(t, table.LockRW(i), ErrBusy)

	table.UnlockRO(i)
	assert.ErrorIs(t, table.LockRW(i), ErrBusy)

	table.UnlockRO(i)
	assert.NoError(t, table.LockRW(i))
}

func TestUnlinkReclaimsInodeWhenRefIsAlsoZero(t *testing.T) {
	table := newTestTable(t, 4, 16)
	i, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	_, err = table.WriteAt(i, 0, make([]byte, PageSize+10))
	require.NoError(t, err)

	metaPage := blockio.PageID(table.Stat(i).IndirectPage)
	block0, err := table.readMetaEntry(metaPage, 0)
	require.NoError(t, err)

	inUse, err := table.alloc.InUse(metaPage)
	require.NoError(t, err)
	assert.True(t, inUse)

	require.NoError(t, table.Link(i))
	require.NoError(t, table.Unlink(i))

	assert.Equal(t, InodeUnused, table.Stat(i).Type)

	inUse, err = table.alloc.InUse(metaPage)
	require.NoError(t, err)
	assert.False(t, inUse, "meta page should have been freed")

	inUse, err = table.alloc.InUse(block0)
	require.NoError(t, err)
	assert.False(t, inUse, "content block should have been freed")
}

func TestUnlinkDoesNotReclaimWhileRefIsHeld(t *testing.T) {
	table := newTestTable(t, 4, 16)
	i, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	require.NoError(t, table.Link(i))
	table.Ref(i)

	require.NoError(t, table.Unlink(i))
	assert.Equal(t, InodeFile, table.Stat(i).Type, "inode must survive while ref > 0")

	require.NoError(t, table.Unref(i))
	assert.Equal(t, InodeUnused, table.Stat(i).Type)
}

func TestTruncateFreesBlocksButLeavesSize(t *testing.T) {
	table := newTestTable(t, 4, 16)
	i, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	_, err = table.WriteAt(i, 0, []byte("some bytes"))
	require.NoError(t, err)

	block0, err := table.readMetaEntry(blockio.PageID(table.Stat(i).IndirectPage), 0)
	require.NoError(t, err)

	require.NoError(t, table.Truncate(i))
	inUse, err := table.alloc.InUse(block0)
	require.NoError(t, err)
	assert.False(t, inUse, "content block should have been freed")
	assert.EqualValues(t, 10, table.Stat(i).Size, "Truncate must not reset Size on its own")

	require.NoError(t, table.SetSize(i, 0))
	assert.EqualValues(t, 0, table.Stat(i).Size)
}

func TestCopyProducesIndependentContent(t *testing.T) {
	table := newTestTable(t, 4, 16)
	i, err := table.Alloc(InodeFile)
	require.NoError(t, err)

	_, err = table.WriteAt(i, 0, []byte("original"))
	require.NoError(t, err)

	j, err := table.Copy(i)
	require.NoError(t, err)

	_, err = table.WriteAt(i, 0, []byte("mutated!"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	_, err = table.ReadAt(j, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "original", string(buf))
}

// A directory's last Unlink and its last open handle's Unref can land on
// different goroutines at the same moment (Filesystem.Remove goes through
// Unlink under fs.mu, Handle.Close goes through Unref without it). Only one
// of the two races should ever run the free path for a given child.
func TestConcurrentUnlinkAndUnrefReclaimOnce(t *testing.T) {
	table := newTestTable(t, 8, 32)

	parent, err := table.Alloc(InodeDir)
	require.NoError(t, err)
	require.NoError(t, table.Link(parent))

	child, err := table.Alloc(InodeFile)
	require.NoError(t, err)
	require.NoError(t, table.Link(child))
	table.Ref(child)

	entry := dirEntry{ChildInode: child, Name: "f"}
	_, err = table.WriteAt(parent, 0, entry.encode())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)
	go func() {
		defer wg.Done()
		errs <- table.Unlink(parent)
	}()
	go func() {
		defer wg.Done()
		errs <- table.Unref(child)
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, InodeUnused, table.Stat(parent).Type)
	assert.Equal(t, InodeUnused, table.Stat(child).Type)
	assert.LessOrEqual(t, table.Stat(child).Link, int32(0), "child must not be double-unlinked below zero")
}
