// Package pagecache provides a bounded clock-replacement cache over the
// fixed-size pages of a [blockio.Device].
//
// Every cached page is write-through: once a caller's callback returns, the
// page's current contents are flushed to the device before the slot can be
// reused, so there is no separate flush pass to run on close.
package pagecache

import (
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/sixv/blockfs/internal/blockio"
)

type slot struct {
	key   blockio.PageID
	valid bool
	buf   []byte
}

// Cache is a fixed-size clock cache of device pages. C ~= 512 slots is the
// usual size; every slot is PageSize bytes.
type Cache struct {
	mu     sync.Mutex
	cond   *sync.Cond
	device *blockio.Device

	slots    []slot
	pinCount []int
	used     bitmap.Bitmap
	hand     int
	byPage   map[blockio.PageID]int
}

// New creates a cache of the given number of slots over device.
func New(device *blockio.Device, slots int) *Cache {
	c := &Cache{
		device:   device,
		slots:    make([]slot, slots),
		pinCount: make([]int, slots),
		used:     bitmap.New(slots),
		byPage:   make(map[blockio.PageID]int, slots),
	}
	for i := range c.slots {
		c.slots[i].buf = make([]byte, device.PageSize)
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// WithPage ensures page n is resident in a slot, pins that slot, and invokes
// fn with a cursor over the slot's buffer. fn runs outside the cache's
// internal lock, so other pages may be fetched concurrently; fn must not
// call back into the cache for the same page it was handed.
//
// Any change fn makes to the buffer is flushed to the device before
// WithPage returns.
func (c *Cache) WithPage(n blockio.PageID, fn func(buf []byte) error) error {
	idx, err := c.acquire(n)
	if err != nil {
		return err
	}

	fnErr := fn(c.slots[idx].buf)

	flushErr := c.device.WritePage(n, c.slots[idx].buf)

	c.release(idx)

	if fnErr != nil {
		return fnErr
	}
	return flushErr
}

// acquire finds or loads the slot for page n, pins it, and marks it used.
// Pinning increments a per-slot count rather than setting a single bit, so
// two concurrent callers asking for the same page each hold their own pin
// and the slot stays unevictable until both have released it. It blocks
// (via the condition variable) if every slot is pinned.
func (c *Cache) acquire(n blockio.PageID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.byPage[n]; ok {
		c.pinCount[idx]++
		c.used.Set(idx, true)
		return idx, nil
	}

	idx, err := c.evictLocked()
	if err != nil {
		return 0, err
	}

	if err := c.device.ReadPage(n, c.slots[idx].buf); err != nil {
		return 0, err
	}

	c.slots[idx].key = n
	c.slots[idx].valid = true
	c.byPage[n] = idx
	c.pinCount[idx]++
	c.used.Set(idx, true)
	return idx, nil
}

// evictLocked runs the clock sweep to find a slot to reuse. The caller must
// hold c.mu. It blocks until an unpinned slot is available.
func (c *Cache) evictLocked() (int, error) {
	for {
		for range c.slots {
			i := c.hand
			c.hand = (c.hand + 1) % len(c.slots)

			if c.pinCount[i] > 0 {
				continue
			}
			if !c.slots[i].valid {
				return i, nil
			}
			if c.used.Get(i) {
				c.used.Set(i, false)
				continue
			}

			delete(c.byPage, c.slots[i].key)
			c.slots[i].valid = false
			return i, nil
		}

		// Every slot is either pinned or was just marked used on this sweep.
		// If there's at least one unpinned-but-used slot we'll clear its used
		// bit and win on the next sweep; if every slot is pinned we have to
		// wait for one to free up.
		allPinned := true
		for i := range c.slots {
			if c.pinCount[i] == 0 {
				allPinned = false
				break
			}
		}
		if allPinned {
			c.cond.Wait()
		}
	}
}

// release removes one pin from slot idx and wakes any goroutine blocked in
// evictLocked. The slot only becomes evictable once its pin count reaches
// zero, so a concurrent pinner of the same page keeps it resident.
func (c *Cache) release(idx int) {
	c.mu.Lock()
	c.pinCount[idx]--
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Close flushes and releases the underlying device.
func (c *Cache) Close() error {
	if err := c.device.Sync(); err != nil {
		return err
	}
	return c.device.Close()
}
