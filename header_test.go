package blockfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := header{Magic: magic, Version: formatVersion, InodeCount: 64, MaxDataBlocks: 128, PageSize: PageSize}
	buf := make([]byte, PageSize)
	h.encode(buf)

	decoded, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeHeaderRejectsByteSwap(t *testing.T) {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], magic)

	_, err := decodeHeader(buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opposite byte order")
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, PageSize)
	binary.BigEndian.PutUint64(buf[0:8], 0xFEEDFACE)

	_, err := decodeHeader(buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad magic number")
}

func TestComputeLayout(t *testing.T) {
	h := header{InodeCount: 100, MaxDataBlocks: 10, PageSize: PageSize}
	lay := computeLayout(h)

	inodesPerPage := uint64(PageSize / inodeRecordSize)
	wantInodeTablePages := (100 + inodesPerPage - 1) / inodesPerPage

	assert.Equal(t, wantInodeTablePages, lay.inodeTablePages)
	assert.EqualValues(t, 1+wantInodeTablePages, lay.bitmapPage)
	assert.EqualValues(t, uint64(lay.bitmapPage)+1, lay.firstDataBlock)
	assert.Equal(t, uint64(lay.firstDataBlock)+10, lay.totalPages)
}
