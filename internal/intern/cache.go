// Package intern maps recurring values to durable integer identities.
//
// A Cache is owned by the single trace consumer and performs no locking.
package intern

import (
	"github.com/ppiankov/calltrace/internal/model"
)

// AllocFunc obtains a new durable identity for key, typically by inserting it
// into the storage sink.
type AllocFunc[K comparable] func(key K) (model.ID, error)

// Cache is a first-seen-wins mapping from key to identity. Entries are never
// evicted or renumbered.
type Cache[K comparable] struct {
	ids   map[K]model.ID
	alloc AllocFunc[K]

	hits   uint64
	misses uint64
}

// New creates an empty cache. alloc may be nil for caches filled with Put.
func New[K comparable](alloc AllocFunc[K]) *Cache[K] {
	return &Cache[K]{
		ids:   make(map[K]model.ID),
		alloc: alloc,
	}
}

// Intern returns the identity for key, allocating one on first sight.
// A failed allocation is not remembered, so a later call retries it.
func (c *Cache[K]) Intern(key K) (model.ID, error) {
	if id, ok := c.ids[key]; ok {
		c.hits++
		return id, nil
	}
	c.misses++
	id, err := c.alloc(key)
	if err != nil {
		return model.NoID, err
	}
	c.ids[key] = id
	return id, nil
}

// Get returns the identity for key if present.
func (c *Cache[K]) Get(key K) (model.ID, bool) {
	id, ok := c.ids[key]
	if ok {
		c.hits++
	}
	return id, ok
}

// Put records an identity obtained outside Intern. An existing mapping wins.
func (c *Cache[K]) Put(key K, id model.ID) model.ID {
	if prev, ok := c.ids[key]; ok {
		return prev
	}
	c.misses++
	c.ids[key] = id
	return id
}

// Len returns the number of interned keys.
func (c *Cache[K]) Len() int {
	return len(c.ids)
}

// Stats returns hit and miss counts.
func (c *Cache[K]) Stats() (hits, misses uint64) {
	return c.hits, c.misses
}

// FQNKey is the composite key of the FQN cache.
type FQNKey = model.FQN
