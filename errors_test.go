package blockfs_test

import (
	"errors"
	"testing"

	"github.com/sixv/blockfs"
	"github.com/stretchr/testify/assert"
)

func TestDriverErrorWithMessage(t *testing.T) {
	newErr := blockfs.ErrBusy.WithMessage("inode 4 is write-locked")
	assert.Equal(
		t, "Device or resource busy: inode 4 is write-locked", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, blockfs.ErrBusy)
}

func TestDriverErrorWrap(t *testing.T) {
	originalErr := errors.New("short write")
	newErr := blockfs.ErrIOFailed.Wrap(originalErr)
	expectedMessage := "Input/output error: short write"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, blockfs.ErrIOFailed, "sentinel not set as parent")
}
