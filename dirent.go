package blockfs

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"
	"github.com/sixv/blockfs/errors"
)

const maxNameLength = 255

// dirEntrySize is the fixed width of a directory entry: a 4-byte child-inode
// index, an 8-byte name length, and a 255-byte zero-padded name payload.
const dirEntrySize = 4 + 8 + maxNameLength

// dirEntry is one record in a directory's content. ChildInode == 0 marks a
// tombstone: a slot that once held an entry and may be reused by a later
// insert, but produces nothing when the directory is iterated.
type dirEntry struct {
	ChildInode uint32
	Name       string
}

func (e *dirEntry) encode() []byte {
	buf := make([]byte, dirEntrySize)
	w := bytewriter.New(buf)

	binary.Write(w, binary.BigEndian, e.ChildInode)
	binary.Write(w, binary.BigEndian, uint64(len(e.Name)))

	nameBuf := make([]byte, maxNameLength)
	copy(nameBuf, e.Name)
	w.Write(nameBuf)

	return buf
}

func decodeDirEntry(buf []byte) (dirEntry, error) {
	if len(buf) != dirEntrySize {
		return dirEntry{}, errors.ErrFileSystemCorrupted.WithMessage("truncated directory entry")
	}

	childInode := binary.BigEndian.Uint32(buf[0:4])
	nameLen := binary.BigEndian.Uint64(buf[4:12])
	if nameLen > maxNameLength {
		return dirEntry{}, errors.ErrFileSystemCorrupted.WithMessage("directory entry name length out of range")
	}

	return dirEntry{
		ChildInode: childInode,
		Name:       string(buf[12 : 12+nameLen]),
	}, nil
}

// iterateDirEntries walks every record in dirInode's content in order,
// including tombstones, calling fn with each record's byte offset. fn
// returns stop=true to end the walk early.
func iterateDirEntries(t *Table, dirInode uint32, fn func(offset int64, entry dirEntry) (stop bool, err error)) error {
	size := int64(t.Stat(dirInode).Size)
	buf := make([]byte, dirEntrySize)

	for pos := int64(0); pos < size; pos += dirEntrySize {
		n, err := t.ReadAt(dirInode, pos, buf)
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

		stop, err := fn(pos, entry)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return nil
}

// lookupDir returns the child inode registered under name in dirInode, or
// errors.ErrNotFound if no live entry matches.
func lookupDir(t *Table, dirInode uint32, name string) (uint32, error) {
	var found uint32
	ok := false

	err := iterateDirEntries(t, dirInode, func(_ int64, entry dirEntry) (bool, error) {
		if entry.ChildInode != 0 && entry.Name == name {
			found = entry.ChildInode
			ok = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.ErrNotFound
	}
	return found, nil
}

// insertDir adds a (name, child) entry to dirInode, reusing a tombstone slot
// if one exists, and links child. It fails with errors.ErrExists if a live
// entry with that name is already present.
func insertDir(t *Table, dirInode uint32, name string, child uint32) error {
	if len(name) > maxNameLength {
		return errors.ErrInvalidArgument.WithMessage("name too long")
	}

	tombstoneOffset := int64(-1)
	exists := false

	err := iterateDirEntries(t, dirInode, func(offset int64, entry dirEntry) (bool, error) {
		if entry.ChildInode != 0 && entry.Name == name {
			exists = true
			return true, nil
		}
		if entry.ChildInode == 0 && tombstoneOffset == -1 {
			tombstoneOffset = offset
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if exists {
		return errors.ErrExists
	}

	insertOffset := tombstoneOffset
	if insertOffset == -1 {
		insertOffset = int64(t.Stat(dirInode).Size)
	}

	entry := dirEntry{ChildInode: child, Name: name}
	if _, err := t.WriteAt(dirInode, insertOffset, entry.encode()); err != nil {
		return err
	}
	return t.Link(child)
}

// removeDir overwrites the live entry named name with a tombstone and
// unlinks its child. The unlink happens after the directory content is
// updated, so a reclaim it triggers never observes a dangling entry.
func removeDir(t *Table, dirInode uint32, name string) error {
	removeOffset := int64(-1)
	var child uint32

	err := iterateDirEntries(t, dirInode, func(offset int64, entry dirEntry) (bool, error) {
		if entry.ChildInode != 0 && entry.Name == name {
			removeOffset = offset
			child = entry.ChildInode
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if removeOffset == -1 {
		return errors.ErrNotFound
	}

	tombstone := dirEntry{}
	if _, err := t.WriteAt(dirInode, removeOffset, tombstone.encode()); err != nil {
		return err
	}
	return t.Unlink(child)
}

// readDirAt returns the index-th live entry in dirInode, skipping
// tombstones, and reports whether that many live entries exist.
func readDirAt(t *Table, dirInode uint32, index int) (dirEntry, bool, error) {
	var result dirEntry
	found := false
	count := 0

	err := iterateDirEntries(t, dirInode, func(_ int64, entry dirEntry) (bool, error) {
		if entry.ChildInode == 0 {
			return false, nil
		}
		if count == index {
			result = entry
			found = true
			return true, nil
		}
		count++
		return false, nil
	})
	if err != nil {
		return dirEntry{}, false, err
	}
	return result, found, nil
}
