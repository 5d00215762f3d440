// Package execache is the Exe Cache: an LRU of ExeId -> known SHA-256,
// generalizing binary.Cache (which keyed on hash presence for on-disk binary
// storage) into a hash-presence cache keyed on the executable identity
// tuple instead. Capacity is bound by a descriptor budget derived
// from RLIMIT_NOFILE, since every live entry corresponds to one tamper watch
// the Tamper Watcher holds open.
package execache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/snitchd/snitchd/types"
)

// EvictFunc is called with the ExeId and cached hash of an entry the moment
// it leaves the cache, whether by capacity eviction or explicit Invalidate.
// The Tamper Watcher uses this hook to drop the corresponding filesystem
// watch.
type EvictFunc func(id types.ExeId, hash string)

// Cache is a thread-safe LRU from ExeId to a known-good SHA-256 hex digest.
type Cache struct {
	mu      sync.Mutex
	lru     *lru.Cache
	onEvict EvictFunc
}

// New builds a cache with room for size distinct executables. size should be
// derived from the process's RLIMIT_NOFILE so the cache never holds more
// open tamper watches than the process can sustain file descriptors for.
func New(size int, onEvict EvictFunc) (*Cache, error) {
	c := &Cache{onEvict: onEvict}
	inner, err := lru.NewWithEvict(size, func(key, value interface{}) {
		c.mu.Lock()
		cb := c.onEvict
		c.mu.Unlock()
		if cb != nil {
			cb(key.(types.ExeId), value.(string))
		}
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// Lookup returns the cached hash for id, if present. A cache hit still
// requires the caller to verify freshness against the Tamper Watcher's
// notion of "not modified since cached" before trusting it.
func (c *Cache) Lookup(id types.ExeId) (string, bool) {
	v, ok := c.lru.Get(id)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Store records a freshly computed hash for id, evicting the least recently
// used entry if the cache is full.
func (c *Cache) Store(id types.ExeId, hash string) {
	c.lru.Add(id, hash)
}

// Invalidate removes id from the cache, firing the eviction callback exactly
// as a capacity eviction would. Called by the Tamper Watcher when the
// underlying file is modified or replaced.
func (c *Cache) Invalidate(id types.ExeId) {
	c.lru.Remove(id)
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
