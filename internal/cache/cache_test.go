package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ntjsonstore/internal/codec"
)

func TestInternDedupesWhilePinned(t *testing.T) {
	c := New(8)
	h1 := c.Intern(1, codec.Document{"a": int64(1)})
	h2 := c.Intern(1, codec.Document{"a": int64(999)}) // ignored: already cached
	assert.Equal(t, h1.Doc, h2.Doc)
	assert.Equal(t, 1, c.PinnedCount()) // still one logical entry, refcounted twice
}

func TestReleaseMovesToUnpinnedLRU(t *testing.T) {
	c := New(8)
	c.Intern(1, codec.Document{})
	assert.Equal(t, 0, c.UnpinnedLen())
	c.Release(1)
	assert.Equal(t, 1, c.UnpinnedLen())
	assert.Equal(t, 0, c.PinnedCount())
}

func TestLookupPinsAnUnpinnedEntry(t *testing.T) {
	c := New(8)
	c.Intern(1, codec.Document{})
	c.Release(1)
	assert.Equal(t, 1, c.UnpinnedLen())

	_, ok := c.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, 0, c.UnpinnedLen())
	assert.Equal(t, 1, c.PinnedCount())
}

func TestLRUEvictsOldestUnpinnedBeyondCacheSize(t *testing.T) {
	c := New(2)
	for i := int64(1); i <= 3; i++ {
		c.Intern(i, codec.Document{"n": i})
		c.Release(i)
	}
	// Entry 1 was the oldest unpinned and should have been evicted once the
	// third entry pushed the LRU list past cacheSize == 2.
	assert.LessOrEqual(t, c.UnpinnedLen(), 2)
	_, ok := c.Lookup(1)
	assert.False(t, ok)
}

func TestPinnedEntryNeverEvicted(t *testing.T) {
	c := New(1)
	c.Intern(1, codec.Document{})
	// rowid 1 stays pinned (never released); pushing two more unpinned
	// entries through a cacheSize==1 cache must not evict it.
	c.Intern(2, codec.Document{})
	c.Release(2)
	c.Intern(3, codec.Document{})
	c.Release(3)

	_, stillThere := c.Lookup(1)
	assert.True(t, stillThere)
}

func TestInvalidateDropsEntryAndBreaksIsCurrent(t *testing.T) {
	c := New(8)
	h := c.Intern(1, codec.Document{"v": int64(1)})
	assert.True(t, h.IsCurrent())
	c.Invalidate(1)
	assert.False(t, h.IsCurrent())

	_, ok := c.Lookup(1)
	assert.False(t, ok)
}

func TestFlushDropsOnlyUnpinned(t *testing.T) {
	c := New(8)
	c.Intern(1, codec.Document{}) // stays pinned
	c.Intern(2, codec.Document{})
	c.Release(2) // becomes unpinned

	c.Flush()
	_, ok1 := c.Lookup(1)
	assert.True(t, ok1, "pinned entry must survive Flush")
	assert.Equal(t, 0, c.UnpinnedLen())
}

func TestRemoveAllDropsEverythingAndMarksNotCurrent(t *testing.T) {
	c := New(8)
	h1 := c.Intern(1, codec.Document{})
	h2 := c.Intern(2, codec.Document{})
	c.Release(2)

	c.RemoveAll()
	assert.False(t, h1.IsCurrent())
	assert.False(t, h2.IsCurrent())
	assert.Equal(t, 0, c.UnpinnedLen())
	assert.Equal(t, 0, c.PinnedCount())
}

func TestCacheSizeZeroDedupesButRetainsNothing(t *testing.T) {
	c := New(0)
	c.Intern(1, codec.Document{})
	c.Release(1)
	assert.Equal(t, 0, c.UnpinnedLen())
	_, ok := c.Lookup(1)
	assert.False(t, ok, "cacheSize==0 must not retain released entries")
}

func TestCacheSizeNegativeOneDisablesAllCaching(t *testing.T) {
	c := New(-1)
	h1 := c.Intern(1, codec.Document{"v": int64(1)})
	h2 := c.Intern(1, codec.Document{"v": int64(2)})
	// No dedup: every Intern hands back a document that never compares
	// current, since caching is fully disabled.
	assert.False(t, h1.IsCurrent())
	assert.False(t, h2.IsCurrent())

	_, ok := c.Lookup(1)
	assert.False(t, ok)
}
