package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	blockfs "github.com/sixv/blockfs"
)

// NewTempContainer creates a brand-new container in a directory that
// t.Cleanup removes afterward, using opts, and returns it open for use. The
// caller is responsible for closing the returned *blockfs.Filesystem.
func NewTempContainer(t *testing.T, opts blockfs.Options) *blockfs.Filesystem {
	dir := t.TempDir()
	fs, err := blockfs.Create(filepath.Join(dir, "container.img"), opts)
	require.NoError(t, err)
	return fs
}
