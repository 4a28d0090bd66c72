package blockfs

import (
	"io"
	"path"
	"time"

	"github.com/sixv/blockfs/errors"
)

// OpenMode selects the per-inode lock a Handle takes: shared for read-only,
// exclusive for read-write.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
)

// Handle is a live, open reference to one inode. It owns one reference count
// (acquired on open, released on Close) and one per-inode lock matching its
// mode, plus the chain of shared ancestor-directory locks taken while the
// path was resolved. Directory handles only support Stat-like reads; use
// [Filesystem.Walk] to list their contents.
type Handle struct {
	fs        *Filesystem
	inode     uint32
	mode      OpenMode
	path      string
	ancestors []uint32

	pos    int64
	closed bool
}

func (h *Handle) checkOpen() error {
	if h.closed {
		return errors.ErrInvalidFileDescriptor.WithMessage("handle is closed")
	}
	return nil
}

// Name returns the final path component this handle was opened with.
func (h *Handle) Name() string {
	return path.Base(h.path)
}

// Path returns the full path this handle was opened with.
func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) stat() inodeRecord {
	return h.fs.table.Stat(h.inode)
}

func (h *Handle) IsDir() bool  { return h.stat().Type == InodeDir }
func (h *Handle) IsFile() bool { return h.stat().Type == InodeFile }
func (h *Handle) CanRead() bool {
	return true
}
func (h *Handle) CanWrite() bool {
	return h.mode == ReadWrite
}

func (h *Handle) Size() int64 {
	return int64(h.stat().Size)
}

func (h *Handle) CreatedAt() time.Time {
	return time.UnixMilli(h.stat().CreatedAt)
}

func (h *Handle) ModifiedAt() time.Time {
	return time.UnixMilli(h.stat().ModifiedAt)
}

// Available reports how many bytes remain between the cursor and the end of
// the file.
func (h *Handle) Available() int64 {
	remaining := h.Size() - h.pos
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset moves the cursor back to the start of the file.
func (h *Handle) Reset() {
	h.pos = 0
}

// Tell returns the handle's current cursor position.
func (h *Handle) Tell() int64 {
	return h.pos
}

// Read implements io.Reader. It returns 0, io.EOF at end of file; a read
// that reaches the end returns only the bytes that remain, never padded.
func (h *Handle) Read(buf []byte) (int, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if h.IsDir() {
		return 0, errors.ErrNotSupported.WithMessage("use Filesystem.Walk to list a directory")
	}

	n, err := h.fs.table.ReadAt(h.inode, h.pos, buf)
	h.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write implements io.Writer.
func (h *Handle) Write(buf []byte) (int, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if h.mode != ReadWrite {
		return 0, errors.ErrNotSupported.WithMessage("handle was opened read-only")
	}
	if h.IsDir() {
		return 0, errors.ErrNotSupported.WithMessage("directories cannot be opened read-write")
	}

	n, err := h.fs.table.WriteAt(h.inode, h.pos, buf)
	h.pos += int64(n)
	return n, err
}

// Seek implements io.Seeker. A resulting position outside [0, Size()] fails
// with errors.ErrInvalidArgument rather than being clamped.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = h.pos + offset
	case io.SeekEnd:
		target = h.Size() + offset
	default:
		return 0, errors.ErrInvalidArgument.WithMessage("unrecognized whence")
	}

	if target < 0 || target > h.Size() {
		return 0, errors.ErrInvalidArgument.WithMessage("seek target outside [0, size]")
	}
	h.pos = target
	return h.pos, nil
}

// Truncate frees every content block and resets both the inode's persisted
// size and this handle's cursor to 0.
func (h *Handle) Truncate() error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if h.mode != ReadWrite {
		return errors.ErrNotSupported.WithMessage("handle was opened read-only")
	}

	if err := h.fs.table.Truncate(h.inode); err != nil {
		return err
	}
	if err := h.fs.table.SetSize(h.inode, 0); err != nil {
		return err
	}
	h.pos = 0
	return nil
}

// Close releases the handle's mode lock, its inode reference, and every
// ancestor-directory lock acquired while its path was resolved, in that
// order. Closing an already-closed handle fails with
// errors.ErrInvalidFileDescriptor.
func (h *Handle) Close() error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	h.closed = true

	if h.mode == ReadOnly {
		h.fs.table.UnlockRO(h.inode)
	} else {
		h.fs.table.UnlockRW(h.inode)
	}
	if err := h.fs.table.Unref(h.inode); err != nil {
		return err
	}

	for i := len(h.ancestors) - 1; i >= 0; i-- {
		h.fs.table.UnlockRO(h.ancestors[i])
	}
	return nil
}
