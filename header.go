package blockfs

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/sixv/blockfs/errors"
	"github.com/sixv/blockfs/internal/blockio"
)

// PageSize is the fixed size, in bytes, of every page in a container.
const PageSize = 4096

// magic is stored as a true 64-bit value so that a big-endian container
// opened on a little-endian implementation (or vice versa) is caught by a
// byte-swap check rather than silently truncated against a 32-bit literal.
const magic uint64 = 0x00000000DEADBEEF
const formatVersion uint64 = 1

const headerSize = 40

// header is the fixed 40-byte record stored in page 0 of every container.
type header struct {
	Magic         uint64
	Version       uint64
	InodeCount    uint64
	MaxDataBlocks uint64
	PageSize      uint64
}

func (h *header) encode(buf []byte) {
	w := bytewriter.New(buf)
	binary.Write(w, binary.BigEndian, h.Magic)
	binary.Write(w, binary.BigEndian, h.Version)
	binary.Write(w, binary.BigEndian, h.InodeCount)
	binary.Write(w, binary.BigEndian, h.MaxDataBlocks)
	binary.Write(w, binary.BigEndian, h.PageSize)
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerSize {
		return h, errors.ErrFileSystemCorrupted.WithMessage("header page truncated")
	}

	rawMagic := binary.BigEndian.Uint64(buf[0:8])
	if rawMagic != magic {
		swapped := binary.LittleEndian.Uint64(buf[0:8])
		if swapped == magic {
			return h, errors.ErrFileSystemCorrupted.WithMessage(
				"container was written with the opposite byte order")
		}
		return h, errors.ErrFileSystemCorrupted.WithMessage("bad magic number")
	}

	h.Magic = rawMagic
	h.Version = binary.BigEndian.Uint64(buf[8:16])
	h.InodeCount = binary.BigEndian.Uint64(buf[16:24])
	h.MaxDataBlocks = binary.BigEndian.Uint64(buf[24:32])
	h.PageSize = binary.BigEndian.Uint64(buf[32:40])

	if h.Version != formatVersion {
		return h, errors.ErrFileSystemCorrupted.WithMessage("unsupported format version")
	}
	if h.PageSize != PageSize {
		return h, errors.ErrFileSystemCorrupted.WithMessage("page size does not match this build")
	}
	return h, nil
}

// layout is the set of page ranges derived from a header.
type layout struct {
	inodesPerPage   uint64
	inodeTablePages uint64
	bitmapPage      blockio.PageID
	firstDataBlock  blockio.PageID
	totalPages      uint64
}

func computeLayout(h header) layout {
	inodesPerPage := h.PageSize / uint64(inodeRecordSize)
	inodeTablePages := (h.InodeCount + inodesPerPage - 1) / inodesPerPage
	bitmapPage := blockio.PageID(1 + inodeTablePages)
	firstDataBlock := blockio.PageID(uint64(bitmapPage) + 1)
	return layout{
		inodesPerPage:   inodesPerPage,
		inodeTablePages: inodeTablePages,
		bitmapPage:      bitmapPage,
		firstDataBlock:  firstDataBlock,
		totalPages:      uint64(firstDataBlock) + h.MaxDataBlocks,
	}
}
