package blockfs

import (
	"encoding/binary"
	"time"

	"github.com/noxer/bytewriter"
)

// InodeType distinguishes what an inode's data blocks represent.
type InodeType uint32

const (
	InodeUnused InodeType = 0
	InodeFile   InodeType = 1
	InodeDir    InodeType = 2
)

const inodeRecordSize = 32

// inodeRecord is the 32-byte on-disk portion of an inode. The in-memory
// reference count and lock state that accompany a live inode are never
// persisted; see inMemInode in table.go.
type inodeRecord struct {
	Type         InodeType
	Link         int32
	Size         int32
	IndirectPage uint32
	CreatedAt    int64
	ModifiedAt   int64
}

func (r *inodeRecord) encode(buf []byte) {
	w := bytewriter.New(buf)
	binary.Write(w, binary.BigEndian, uint32(r.Type))
	binary.Write(w, binary.BigEndian, uint32(r.Link))
	binary.Write(w, binary.BigEndian, uint32(r.Size))
	binary.Write(w, binary.BigEndian, r.IndirectPage)
	binary.Write(w, binary.BigEndian, uint64(r.CreatedAt))
	binary.Write(w, binary.BigEndian, uint64(r.ModifiedAt))
}

func decodeInodeRecord(buf []byte) inodeRecord {
	return inodeRecord{
		Type:         InodeType(binary.BigEndian.Uint32(buf[0:4])),
		Link:         int32(binary.BigEndian.Uint32(buf[4:8])),
		Size:         int32(binary.BigEndian.Uint32(buf[8:12])),
		IndirectPage: binary.BigEndian.Uint32(buf[12:16]),
		CreatedAt:    int64(binary.BigEndian.Uint64(buf[16:24])),
		ModifiedAt:   int64(binary.BigEndian.Uint64(buf[24:32])),
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
