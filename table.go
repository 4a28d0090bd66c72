package blockfs

import (
	"encoding/binary"
	"sync"

	"github.com/sixv/blockfs/errors"
	"github.com/sixv/blockfs/internal/alloc"
	"github.com/sixv/blockfs/internal/blockio"
	"github.com/sixv/blockfs/internal/pagecache"
)

// metaPageEntries is the number of block-index slots in one indirect
// meta-page: P/4 with P=PageSize.
const metaPageEntries = PageSize / 4

// maxFileSize is the largest size a file's content can reach: one meta-page
// of entries, each pointing at one page of content. No double indirection.
const maxFileSize = int64(metaPageEntries) * PageSize

// inMemInode holds the fields that exist only in memory alongside the
// persisted inodeRecord: the open-handle reference count and the RW lock
// state. writeLocked implies readLockCount == 0 and vice versa.
type inMemInode struct {
	mu            sync.Mutex
	record        inodeRecord
	ref           int
	writeLocked   bool
	readLockCount int
}

// Table is the in-memory inode table, write-through to the container's
// inode-table pages. Because the inode count is small (hundreds, not
// millions) the whole table is kept resident for the life of the Filesystem.
type Table struct {
	mu sync.Mutex // serializes Alloc's linear scan

	cache  *pagecache.Cache
	alloc  *alloc.Allocator
	lay    layout
	inodes []*inMemInode
}

func loadTable(cache *pagecache.Cache, allocator *alloc.Allocator, lay layout, inodeCount uint64) (*Table, error) {
	t := &Table{
		cache:  cache,
		alloc:  allocator,
		lay:    lay,
		inodes: make([]*inMemInode, inodeCount),
	}

	for i := uint64(0); i < inodeCount; i++ {
		page, offset := t.recordLocation(uint32(i))
		var rec inodeRecord
		err := cache.WithPage(page, func(buf []byte) error {
			rec = decodeInodeRecord(buf[offset : offset+inodeRecordSize])
			return nil
		})
		if err != nil {
			return nil, err
		}
		t.inodes[i] = &inMemInode{record: rec}
	}
	return t, nil
}

// formatTable lays down inodeCount Unused inode records on freshly zeroed
// inode-table pages and returns the resulting Table.
func formatTable(cache *pagecache.Cache, allocator *alloc.Allocator, lay layout, inodeCount uint64) (*Table, error) {
	for p := blockio.PageID(1); p < blockio.PageID(1+lay.inodeTablePages); p++ {
		if err := cache.WithPage(p, func(buf []byte) error {
			for i := range buf {
				buf[i] = 0
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return loadTable(cache, allocator, lay, inodeCount)
}

func (t *Table) recordLocation(i uint32) (blockio.PageID, int) {
	page := blockio.PageID(1 + uint64(i)/t.lay.inodesPerPage)
	offset := int(uint64(i)%t.lay.inodesPerPage) * inodeRecordSize
	return page, offset
}

func (t *Table) persist(i uint32, rec inodeRecord) error {
	page, offset := t.recordLocation(i)
	return t.cache.WithPage(page, func(buf []byte) error {
		rec.encode(buf[offset : offset+inodeRecordSize])
		return nil
	})
}

func (t *Table) zeroPage(p blockio.PageID) error {
	return t.cache.WithPage(p, func(buf []byte) error {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	})
}

func (t *Table) readMetaEntry(metaPage blockio.PageID, k uint32) (blockio.PageID, error) {
	var val uint32
	err := t.cache.WithPage(metaPage, func(buf []byte) error {
		val = binary.BigEndian.Uint32(buf[k*4 : k*4+4])
		return nil
	})
	return blockio.PageID(val), err
}

func (t *Table) writeMetaEntry(metaPage blockio.PageID, k uint32, block blockio.PageID) error {
	return t.cache.WithPage(metaPage, func(buf []byte) error {
		binary.BigEndian.PutUint32(buf[k*4:k*4+4], uint32(block))
		return nil
	})
}

// Alloc finds the first Unused inode, gives it a fresh meta-page, and
// write-throughs the result. It fails with errors.ErrTooManyOpenInodes
// (out-of-inodes) when the table is full.
func (t *Table) Alloc(typ InodeType) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, im := range t.inodes {
		im.mu.Lock()
		if im.record.Type != InodeUnused {
			im.mu.Unlock()
			continue
		}

		metaPage, err := t.alloc.Allocate()
		if err != nil {
			im.mu.Unlock()
			return 0, err
		}
		if err := t.zeroPage(metaPage); err != nil {
			im.mu.Unlock()
			return 0, err
		}

		now := nowMillis()
		im.record = inodeRecord{
			Type:         typ,
			Link:         0,
			Size:         0,
			IndirectPage: uint32(metaPage),
			CreatedAt:    now,
			ModifiedAt:   now,
		}
		im.ref = 0
		im.writeLocked = false
		im.readLockCount = 0
		rec := im.record
		im.mu.Unlock()

		if err := t.persist(uint32(i), rec); err != nil {
			return 0, err
		}
		return uint32(i), nil
	}
	return 0, errors.ErrTooManyOpenInodes
}

func (t *Table) Stat(i uint32) inodeRecord {
	im := t.inodes[i]
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.record
}

func (t *Table) Link(i uint32) error {
	im := t.inodes[i]
	im.mu.Lock()
	im.record.Link++
	rec := im.record
	im.mu.Unlock()
	return t.persist(i, rec)
}

func (t *Table) Unlink(i uint32) error {
	im := t.inodes[i]
	im.mu.Lock()
	im.record.Link--
	rec := im.record
	im.mu.Unlock()
	if err := t.persist(i, rec); err != nil {
		return err
	}
	return t.maybeReclaim(i)
}

func (t *Table) Ref(i uint32) {
	im := t.inodes[i]
	im.mu.Lock()
	im.ref++
	im.mu.Unlock()
}

func (t *Table) Unref(i uint32) error {
	im := t.inodes[i]
	im.mu.Lock()
	im.ref--
	im.mu.Unlock()
	return t.maybeReclaim(i)
}

// maybeReclaim frees inode i's pages and marks it Unused once link and ref
// have both dropped to zero. For directories it first recursively unlinks
// every child, which may in turn reclaim them.
//
// The reclaim check and the Type flip to InodeUnused happen under one
// held lock, so of two callers racing in from Unlink and Unref only one
// ever sees reclaimable and proceeds past it; the other finds Type
// already InodeUnused and returns. The actual freeing runs unlocked,
// since it touches the allocator and, for directories, other inodes.
func (t *Table) maybeReclaim(i uint32) error {
	im := t.inodes[i]
	im.mu.Lock()
	reclaimable := im.record.Type != InodeUnused && im.record.Link <= 0 && im.ref <= 0
	if !reclaimable {
		im.mu.Unlock()
		return nil
	}
	typ := im.record.Type
	metaPage := blockio.PageID(im.record.IndirectPage)
	size := int64(im.record.Size)
	im.record = inodeRecord{Type: InodeUnused}
	rec := im.record
	im.mu.Unlock()

	if err := t.persist(i, rec); err != nil {
		return err
	}

	if typ == InodeDir {
		var children []uint32
		buf := make([]byte, dirEntrySize)
		for pos := int64(0); pos < size; pos += dirEntrySize {
			n, err := t.readContentAt(metaPage, size, pos, buf)
			if err != nil {
				return err
			}
			if n < dirEntrySize {
				break
			}
			entry, err := decodeDirEntry(buf)
			if err != nil {
				return err
			}
			if entry.ChildInode != 0 {
				children = append(children, entry.ChildInode)
			}
		}
		for _, child := range children {
			if err := t.Unlink(child); err != nil {
				return err
			}
		}
	}

	numPages := uint32((size + PageSize - 1) / PageSize)
	for k := uint32(0); k < numPages; k++ {
		entry, err := t.readMetaEntry(metaPage, k)
		if err != nil {
			return err
		}
		if entry != 0 {
			if err := t.alloc.Free(entry); err != nil {
				return err
			}
		}
	}
	return t.alloc.Free(metaPage)
}

func (t *Table) LockRO(i uint32) error {
	im := t.inodes[i]
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.writeLocked {
		return errors.ErrBusy
	}
	im.readLockCount++
	return nil
}

func (t *Table) UnlockRO(i uint32) {
	im := t.inodes[i]
	im.mu.Lock()
	im.readLockCount--
	im.mu.Unlock()
}

func (t *Table) LockRW(i uint32) error {
	im := t.inodes[i]
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.writeLocked || im.readLockCount > 0 {
		return errors.ErrBusy
	}
	im.writeLocked = true
	return nil
}

func (t *Table) UnlockRW(i uint32) {
	im := t.inodes[i]
	im.mu.Lock()
	im.writeLocked = false
	im.mu.Unlock()
}

func (t *Table) mapContentPageForWrite(i uint32, k uint32) (blockio.PageID, error) {
	if k >= metaPageEntries {
		return 0, errors.ErrInvalidArgument.WithMessage("offset exceeds maximum file size")
	}
	im := t.inodes[i]
	im.mu.Lock()
	defer im.mu.Unlock()

	metaPage := blockio.PageID(im.record.IndirectPage)
	entry, err := t.readMetaEntry(metaPage, k)
	if err != nil {
		return 0, err
	}
	if entry != 0 {
		return entry, nil
	}

	block, err := t.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	if err := t.zeroPage(block); err != nil {
		return 0, err
	}
	if err := t.writeMetaEntry(metaPage, k, block); err != nil {
		return 0, err
	}
	return block, nil
}

// ReadAt copies into buf starting at offset, clamped to the inode's current
// size, and returns the number of bytes actually copied.
func (t *Table) ReadAt(i uint32, offset int64, buf []byte) (int, error) {
	if offset < 0 {
		return 0, errors.ErrInvalidArgument
	}
	im := t.inodes[i]
	im.mu.Lock()
	size := int64(im.record.Size)
	metaPage := blockio.PageID(im.record.IndirectPage)
	im.mu.Unlock()

	return t.readContentAt(metaPage, size, offset, buf)
}

// readContentAt copies into buf starting at offset, clamped to size, out of
// the content pages indexed by metaPage. It takes the inode's size and
// meta-page as plain values rather than an index so maybeReclaim can read a
// doomed directory's entries after its record has already flipped to
// InodeUnused.
func (t *Table) readContentAt(metaPage blockio.PageID, size int64, offset int64, buf []byte) (int, error) {
	if offset >= size {
		return 0, nil
	}
	n := int64(len(buf))
	if offset+n > size {
		n = size - offset
	}

	remaining := buf[:n]
	pos := offset
	read := 0
	for len(remaining) > 0 {
		k := uint32(pos / PageSize)
		inPage := int(pos % PageSize)
		chunk := PageSize - inPage
		if chunk > len(remaining) {
			chunk = len(remaining)
		}

		block, err := t.readMetaEntry(metaPage, k)
		if err != nil {
			return read, err
		}
		if block == 0 {
			for j := 0; j < chunk; j++ {
				remaining[j] = 0
			}
		} else {
			err := t.cache.WithPage(block, func(pbuf []byte) error {
				copy(remaining[:chunk], pbuf[inPage:inPage+chunk])
				return nil
			})
			if err != nil {
				return read, err
			}
		}

		remaining = remaining[chunk:]
		pos += int64(chunk)
		read += chunk
	}
	return read, nil
}

// WriteAt writes buf at offset, which must not be past the inode's current
// size (callers extend a file only by writing at or before its end). It
// grows the inode's size if the write extends past it and stamps
// modifiedAt.
func (t *Table) WriteAt(i uint32, offset int64, buf []byte) (int, error) {
	if offset < 0 {
		return 0, errors.ErrInvalidArgument
	}
	im := t.inodes[i]
	im.mu.Lock()
	priorSize := int64(im.record.Size)
	im.mu.Unlock()

	if offset > priorSize {
		return 0, errors.ErrInvalidArgument.WithMessage("write offset is past the current end of file")
	}
	if offset+int64(len(buf)) > maxFileSize {
		return 0, errors.ErrInvalidArgument.WithMessage("write would exceed the maximum file size")
	}

	remaining := buf
	pos := offset
	written := 0
	for len(remaining) > 0 {
		k := uint32(pos / PageSize)
		inPage := int(pos % PageSize)
		chunk := PageSize - inPage
		if chunk > len(remaining) {
			chunk = len(remaining)
		}

		block, err := t.mapContentPageForWrite(i, k)
		if err != nil {
			return written, err
		}
		err = t.cache.WithPage(block, func(pbuf []byte) error {
			copy(pbuf[inPage:inPage+chunk], remaining[:chunk])
			return nil
		})
		if err != nil {
			return written, err
		}

		remaining = remaining[chunk:]
		pos += int64(chunk)
		written += chunk
	}

	im.mu.Lock()
	newSize := offset + int64(written)
	if newSize > int64(im.record.Size) {
		im.record.Size = int32(newSize)
	}
	im.record.ModifiedAt = nowMillis()
	rec := im.record
	im.mu.Unlock()

	if err := t.persist(i, rec); err != nil {
		return written, err
	}
	return written, nil
}

// Truncate frees every content block referenced by inode i's meta-page and
// clears the meta-page entries. It does not itself change the persisted
// size; callers reset that separately with SetSize once their cursor is
// repositioned.
func (t *Table) Truncate(i uint32) error {
	im := t.inodes[i]
	im.mu.Lock()
	size := int64(im.record.Size)
	metaPage := blockio.PageID(im.record.IndirectPage)
	im.mu.Unlock()

	numPages := uint32((size + PageSize - 1) / PageSize)
	for k := uint32(0); k < numPages; k++ {
		entry, err := t.readMetaEntry(metaPage, k)
		if err != nil {
			return err
		}
		if entry == 0 {
			continue
		}
		if err := t.alloc.Free(entry); err != nil {
			return err
		}
		if err := t.writeMetaEntry(metaPage, k, 0); err != nil {
			return err
		}
	}
	return nil
}

// SetSize overwrites inode i's persisted size without touching its content
// blocks. Used after Truncate to drive size back to 0.
func (t *Table) SetSize(i uint32, size int32) error {
	im := t.inodes[i]
	im.mu.Lock()
	im.record.Size = size
	im.record.ModifiedAt = nowMillis()
	rec := im.record
	im.mu.Unlock()
	return t.persist(i, rec)
}

// Copy deep-copies inode i's content into a freshly allocated inode of the
// same type and returns the new index. The two inodes share nothing
// afterward.
func (t *Table) Copy(i uint32) (uint32, error) {
	im := t.inodes[i]
	im.mu.Lock()
	typ := im.record.Type
	size := int64(im.record.Size)
	im.mu.Unlock()

	newIdx, err := t.Alloc(typ)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, PageSize)
	var pos int64
	for pos < size {
		n, err := t.ReadAt(i, pos, buf)
		if err != nil {
			return newIdx, err
		}
		if n == 0 {
			break
		}
		if _, err := t.WriteAt(newIdx, pos, buf[:n]); err != nil {
			return newIdx, err
		}
		pos += int64(n)
	}
	return newIdx, nil
}
