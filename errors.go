package blockfs

import (
	"github.com/sixv/blockfs/errors"
)

// DriverError is the error type every fallible operation in this package
// returns. It wraps a POSIX-style errno and optionally an underlying cause,
// so callers can use errors.Is / errors.As against the sentinels below.
type DriverError = errors.DriverError

var (
	ErrNotFound              = errors.ErrNotFound
	ErrExists                = errors.ErrExists
	ErrNotADirectory         = errors.ErrNotADirectory
	ErrIsADirectory          = errors.ErrIsADirectory
	ErrInvalidArgument       = errors.ErrInvalidArgument
	ErrBusy                  = errors.ErrBusy
	ErrNoSpaceOnDevice       = errors.ErrNoSpaceOnDevice
	ErrTooManyOpenInodes     = errors.ErrTooManyOpenInodes
	ErrDirectoryNotEmpty     = errors.ErrDirectoryNotEmpty
	ErrNotSupported          = errors.ErrNotSupported
	ErrFileSystemCorrupted   = errors.ErrFileSystemCorrupted
	ErrInvalidFileDescriptor = errors.ErrInvalidFileDescriptor
	ErrIOFailed              = errors.ErrIOFailed
)
