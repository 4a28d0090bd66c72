// Package blockio maps a container file into fixed-size pages.
package blockio

import (
	"fmt"
	"io"
	"sync"

	"github.com/sixv/blockfs/errors"
)

// PageID identifies one fixed-size page of the container, counting from 0
// at the start of the stream.
type PageID uint32

// Device is an abstraction layer around a stream to make it look like a
// sequence of fixed-size pages, e.g. a container file that can only be read
// from or written to in multiples of its fundamental unit, a page.
//
// The exposed fields are for informational purposes only and should never be
// changed directly.
type Device struct {
	// PageSize gives the size of a page on this device, in bytes. All reads
	// and writes are done in whole pages.
	PageSize uint32
	// TotalPages is the total number of pages in this stream.
	TotalPages uint32

	mu     sync.Mutex
	stream io.ReadWriteSeeker
}

// New wraps stream, which must already be at least PageSize*totalPages bytes
// long, as a page-oriented Device.
func New(stream io.ReadWriteSeeker, pageSize uint32, totalPages uint32) *Device {
	return &Device{
		PageSize:   pageSize,
		TotalPages: totalPages,
		stream:     stream,
	}
}

func (d *Device) offsetOf(page PageID) (int64, error) {
	if uint32(page) >= d.TotalPages {
		return -1, errors.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"page %d not in range [0, %d)", page, d.TotalPages))
	}
	return int64(page) * int64(d.PageSize), nil
}

// ReadPage reads exactly one page into buf, which must be PageSize bytes long.
func (d *Device) ReadPage(page PageID, buf []byte) error {
	if uint32(len(buf)) != d.PageSize {
		return errors.ErrInvalidArgument.WithMessage("buffer is not exactly one page long")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	offset, err := d.offsetOf(page)
	if err != nil {
		return err
	}
	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	n, err := io.ReadFull(d.stream, buf)
	if err != nil {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("short read of page %d: got %d of %d bytes", page, n, len(buf))).Wrap(err)
	}
	return nil
}

// WritePage writes exactly one page from buf, which must be PageSize bytes long.
func (d *Device) WritePage(page PageID, buf []byte) error {
	if uint32(len(buf)) != d.PageSize {
		return errors.ErrInvalidArgument.WithMessage("buffer is not exactly one page long")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	offset, err := d.offsetOf(page)
	if err != nil {
		return err
	}
	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	n, err := d.stream.Write(buf)
	if err != nil || n != len(buf) {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("short write of page %d: wrote %d of %d bytes", page, n, len(buf))).Wrap(err)
	}
	return nil
}

// ZeroPage overwrites page with zero bytes.
func (d *Device) ZeroPage(page PageID) error {
	return d.WritePage(page, make([]byte, d.PageSize))
}

// Sync flushes the underlying stream to stable storage, if it supports it.
func (d *Device) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if syncer, ok := d.stream.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return errors.ErrIOFailed.Wrap(err)
		}
	}
	return nil
}

// Close releases the underlying stream, if it supports being closed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if closer, ok := d.stream.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return errors.ErrIOFailed.Wrap(err)
		}
	}
	return nil
}
