package blockfs

// Options configures the geometry of a freshly created container. Options
// is a plain struct, not a parsed config file; callers construct it
// directly or start from DefaultOptions.
type Options struct {
	// InodeCount is the number of inode slots in the container.
	InodeCount uint64
	// MaxDataBlocks is the number of data blocks available for meta-pages
	// and file content.
	MaxDataBlocks uint64
	// CacheSlots is the number of pages the clock cache holds resident at
	// once. It has no effect on the on-disk format.
	CacheSlots int
}

// DefaultOptions returns the geometry used when callers don't need anything
// unusual: 512 inodes, 4096 data blocks (16 MiB of content region at the
// fixed 4096-byte page size), and a 512-slot page cache.
func DefaultOptions() Options {
	return Options{
		InodeCount:    512,
		MaxDataBlocks: 4096,
		CacheSlots:    512,
	}
}
