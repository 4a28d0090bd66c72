// Package alloc implements the first-fit bitmap allocator used for the
// container's data-block region.
package alloc

import (
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/sixv/blockfs/errors"
	"github.com/sixv/blockfs/internal/blockio"
)

// Allocator hands out and reclaims data blocks from the single bitmap page,
// one bit per block, LSB-first. All operations are mutually exclusive.
type Allocator struct {
	mu sync.Mutex

	bits           bitmap.Bitmap
	firstDataBlock blockio.PageID
	totalBlocks    uint
}

// New creates an allocator over totalBlocks blocks, all initially free.
// firstDataBlock is the page index the bitmap's bit 0 corresponds to.
func New(firstDataBlock blockio.PageID, totalBlocks uint) *Allocator {
	return &Allocator{
		bits:           bitmap.New(int(totalBlocks)),
		firstDataBlock: firstDataBlock,
		totalBlocks:    totalBlocks,
	}
}

// Load rebuilds an allocator from the raw bitmap page bytes read off disk.
func Load(firstDataBlock blockio.PageID, totalBlocks uint, raw []byte) *Allocator {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return &Allocator{
		bits:           bitmap.Bitmap(buf),
		firstDataBlock: firstDataBlock,
		totalBlocks:    totalBlocks,
	}
}

// Bytes returns the raw bitmap, suitable for writing back to the bitmap page.
func (a *Allocator) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return []byte(a.bits)
}

// Allocate finds the first free block, marks it in use, and returns its
// absolute block number (firstDataBlock + offset). It fails with
// errors.ErrNoSpaceOnDevice when every block is in use.
func (a *Allocator) Allocate() (blockio.PageID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint(0); i < a.totalBlocks; i++ {
		if !a.bits.Get(int(i)) {
			a.bits.Set(int(i), true)
			return a.firstDataBlock + blockio.PageID(i), nil
		}
	}
	return 0, errors.ErrNoSpaceOnDevice
}

// Free clears block's bit. It is a no-op if the block is already free.
func (a *Allocator) Free(block blockio.PageID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset, err := a.offset(block)
	if err != nil {
		return err
	}
	a.bits.Set(int(offset), false)
	return nil
}

// InUse reports whether block is currently allocated.
func (a *Allocator) InUse(block blockio.PageID) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset, err := a.offset(block)
	if err != nil {
		return false, err
	}
	return a.bits.Get(int(offset)), nil
}

func (a *Allocator) offset(block blockio.PageID) (uint, error) {
	if block < a.firstDataBlock || uint(block-a.firstDataBlock) >= a.totalBlocks {
		return 0, errors.ErrInvalidArgument.WithMessage("block number outside the data region")
	}
	return uint(block - a.firstDataBlock), nil
}
