package blockfs_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sixv/blockfs"
	"github.com/sixv/blockfs/internal/testutil"
)

func TestSeekWithinBoundsSucceeds(t *testing.T) {
	fs := testutil.NewTempContainer(t, smallOptions())
	defer fs.Close()

	h, err := fs.Open("/f", blockfs.ReadWrite, true)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Write([]byte("0123456789"))
	require.NoError(t, err)

	pos, err := h.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos)

	pos, err = h.Seek(10, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 10, pos)

	pos, err = h.Seek(-5, io.SeekCurrent)
	require.NoError(t, err)
	assert.EqualValues(t, 5, pos)
}

func TestSeekOutsideBoundsFails(t *testing.T) {
	fs := testutil.NewTempContainer(t, smallOptions())
	defer fs.Close()

	h, err := fs.Open("/f", blockfs.ReadWrite, true)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Write([]byte("0123456789"))
	require.NoError(t, err)

	_, err = h.Seek(11, io.SeekStart)
	assert.ErrorIs(t, err, blockfs.ErrInvalidArgument)

	_, err = h.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, blockfs.ErrInvalidArgument)
}

func TestDirectoriesCannotBeOpenedReadWrite(t *testing.T) {
	fs := testutil.NewTempContainer(t, smallOptions())
	defer fs.Close()
	require.NoError(t, fs.MakeDir("/a"))

	_, err := fs.Open("/a", blockfs.ReadWrite, false)
	assert.ErrorIs(t, err, blockfs.ErrInvalidArgument)
}

func TestReadingADirectoryHandleFails(t *testing.T) {
	fs := testutil.NewTempContainer(t, smallOptions())
	defer fs.Close()
	require.NoError(t, fs.MakeDir("/a"))

	h, err := fs.Open("/a", blockfs.ReadOnly, false)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Read(make([]byte, 1))
	assert.ErrorIs(t, err, blockfs.ErrNotSupported)
}

func TestCloseTwiceFails(t *testing.T) {
	fs := testutil.NewTempContainer(t, smallOptions())
	defer fs.Close()

	h, err := fs.Open("/f", blockfs.ReadWrite, true)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Close(), blockfs.ErrInvalidFileDescriptor)
}

func TestTruncateResetsSizeAndCursor(t *testing.T) {
	fs := testutil.NewTempContainer(t, smallOptions())
	defer fs.Close()

	h, err := fs.Open("/f", blockfs.ReadWrite, true)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Write([]byte("some content"))
	require.NoError(t, err)

	require.NoError(t, h.Truncate())
	assert.EqualValues(t, 0, h.Size())
	assert.EqualValues(t, 0, h.Tell())
}
