// Package cache implements the ObjectCache: a rowid-to-document map that
// distinguishes in-use (pinned) entries from unpinned, LRU-evictable ones,
// and publishes a per-handle "is this still current" predicate.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"ntjsonstore/internal/codec"
)

// Handle is a lightweight reference to a cached document that can be asked
// whether it is still the authoritative version for its rowid, without
// holding a strong reference into the cache itself. It carries the rowid,
// the generation the document was handed out at, and a non-owning
// back-reference to the cache (per spec.md's "proxy-dictionary with
// back-reference to cache" design note).
type Handle struct {
	RowID int64
	Doc   codec.Document

	cache *ObjectCache
	gen   uint64
}

// IsCurrent reports whether h.Doc is still the document the cache hands
// out for h.RowID. False once the entry has been invalidated, evicted and
// replaced, or the cache disabled caching entirely.
func (h Handle) IsCurrent() bool {
	if h.cache == nil {
		return false
	}
	return h.cache.isCurrent(h.RowID, h.gen)
}

type entry struct {
	doc      codec.Document
	gen      uint64
	refCount int
}

// ObjectCache maps row identifiers to deserialized documents.
//
// cacheSize == 0 disables LRU retention but still dedupes in-use entries
// (distinct Lookup/Intern calls for the same rowid while it is pinned
// return the same document); cacheSize == -1 disables all caching, so
// every lookup decodes fresh and IsCurrent always reports false.
type ObjectCache struct {
	mu        sync.Mutex
	cacheSize int
	entries   map[int64]*entry
	lru       *lru.Cache[int64, struct{}] // unpinned entries only, LRU-ordered
	nextGen   uint64
}

// New constructs an ObjectCache with the given maximum number of unpinned
// entries (see cacheSize semantics above).
func New(cacheSize int) *ObjectCache {
	c := &ObjectCache{
		cacheSize: cacheSize,
		entries:   map[int64]*entry{},
	}
	if cacheSize > 0 {
		l, _ := lru.NewWithEvict[int64, struct{}](cacheSize, func(rowid int64, _ struct{}) {
			c.evictLocked(rowid)
		})
		c.lru = l
	}
	return c
}

// disabled reports whether all caching (including in-use dedup) is off.
func (c *ObjectCache) disabled() bool { return c.cacheSize < 0 }

// Lookup returns the cached document for rowid, marking it in-use. Returns
// the zero Handle and false if absent or caching is fully disabled.
func (c *ObjectCache) Lookup(rowid int64) (Handle, bool) {
	if c.disabled() {
		return Handle{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[rowid]
	if !ok {
		return Handle{}, false
	}
	c.pinLocked(rowid, e)
	return Handle{RowID: rowid, Doc: e.doc, cache: c, gen: e.gen}, true
}

// Intern inserts doc for rowid if absent, or returns the existing document
// for rowid if one is already cached (deduplication). The returned Handle
// is marked in-use either way, unless caching is fully disabled, in which
// case doc is handed back as a Handle that never reports current.
func (c *ObjectCache) Intern(rowid int64, doc codec.Document) Handle {
	if c.disabled() {
		return Handle{RowID: rowid, Doc: doc}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[rowid]; ok {
		c.pinLocked(rowid, e)
		return Handle{RowID: rowid, Doc: e.doc, cache: c, gen: e.gen}
	}

	c.nextGen++
	e := &entry{doc: doc, gen: c.nextGen, refCount: 1}
	c.entries[rowid] = e
	return Handle{RowID: rowid, Doc: doc, cache: c, gen: e.gen}
}

func (c *ObjectCache) pinLocked(rowid int64, e *entry) {
	e.refCount++
	if c.lru != nil {
		c.lru.Remove(rowid) // no longer unpinned
	}
}

// Release signals that an outstanding holder of rowid's document dropped
// its reference. Once no holders remain the entry becomes unpinned and is
// appended to the LRU list, evicting the oldest unpinned entry if the list
// would exceed cacheSize.
func (c *ObjectCache) Release(rowid int64) {
	if c.disabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[rowid]
	if !ok {
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
	if e.refCount == 0 {
		if c.cacheSize == 0 {
			// No LRU retention: drop the entry outright rather than
			// holding an unpinned copy no one asked to keep.
			delete(c.entries, rowid)
			return
		}
		c.lru.Add(rowid, struct{}{})
	}
}

// evictLocked is invoked by the LRU's eviction callback, which fires both
// when the list drops its oldest key and when a key is removed explicitly
// (pinLocked removes a key it is re-pinning). It only ever removes an
// entry that is genuinely unpinned.
func (c *ObjectCache) evictLocked(rowid int64) {
	if e, ok := c.entries[rowid]; ok && e.refCount > 0 {
		return
	}
	delete(c.entries, rowid)
}

// Invalidate drops any entry for rowid and marks any outstanding document
// not current.
func (c *ObjectCache) Invalidate(rowid int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru != nil {
		c.lru.Remove(rowid)
	}
	delete(c.entries, rowid)
}

// Flush drops unpinned entries only.
func (c *ObjectCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru == nil {
		return
	}
	for _, rowid := range c.lru.Keys() {
		delete(c.entries, rowid)
	}
	c.lru.Purge()
}

// RemoveAll drops every entry, pinned or not; outstanding documents become
// not current.
func (c *ObjectCache) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[int64]*entry{}
	if c.lru != nil {
		c.lru.Purge()
	}
}

// UnpinnedLen reports the number of unpinned entries currently retained in the
// LRU list, for testing the cacheSize invariant.
func (c *ObjectCache) UnpinnedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// PinnedCount reports the number of entries currently pinned (refCount >
// 0), for testing the "pinned entries never appear in the LRU list"
// invariant.
func (c *ObjectCache) PinnedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.refCount > 0 {
			n++
		}
	}
	return n
}

func (c *ObjectCache) isCurrent(rowid int64, gen uint64) bool {
	if c.disabled() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[rowid]
	return ok && e.gen == gen
}
