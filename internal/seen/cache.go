// Package seen implements the dedup set of envelope hashes.
//
// Every node records the hash of each envelope it receives or originates.
// A hash already present means the envelope was handled before and is
// dropped, which is what stops a flood from circling a cyclic topology.
//
// Entries expire after a window that only needs to outlive the longest
// flood round trip, and the set is capped in size, so memory stays bounded
// for long-running nodes.
package seen

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wavenet-mesh/wavenet/internal/protocol"
)

const (
	DefaultExpiry = 10 * time.Minute
	DefaultSize   = 1 << 16
)

// Cache is a concurrent-safe dedup store keyed by envelope hash.
type Cache struct {
	mu  sync.Mutex
	lru *expirable.LRU[protocol.Hash, struct{}]
}

// New creates a Cache. Zero values select DefaultExpiry and DefaultSize.
func New(expiry time.Duration, size int) *Cache {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{lru: expirable.NewLRU[protocol.Hash, struct{}](size, nil, expiry)}
}

// Has returns true if h was previously added and has not expired.
func (c *Cache) Has(h protocol.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lru.Get(h)
	return ok
}

// Add records h. Returns true if h was not previously seen (i.e. this is
// new traffic).
func (c *Cache) Add(h protocol.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(h); ok {
		return false
	}
	c.lru.Add(h, struct{}{})
	return true
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
