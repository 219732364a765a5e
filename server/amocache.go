package server

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

// DefaultCacheTTL keeps cached replies far beyond the client's bounded
// retry window (~16s at default settings).
const DefaultCacheTTL = 5 * time.Minute

type cacheKey struct {
	clientID  uint32
	requestID uint64
}

type cacheEntry struct {
	reply []byte
	at    mclock.AbsTime
}

// Cache is the at-most-once reply cache. It maps (clientId, requestId) to
// the encoded reply bytes of the first completed execution, so duplicate
// suppression is a pure retransmit of the original reply. Entries expire
// TTL after insertion and are evicted lazily on lookup.
type Cache struct {
	mu      sync.Mutex
	clock   mclock.Clock
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
}

// NewCache creates a cache on the given monotonic clock.
func NewCache(ttl time.Duration, clock mclock.Clock) *Cache {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Cache{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Lookup returns the cached reply iff present and not expired. Expired
// entries are removed on access.
func (c *Cache) Lookup(clientID uint32, requestID uint64) ([]byte, bool) {
	key := cacheKey{clientID, requestID}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		amoMissMeter.Mark(1)
		return nil, false
	}
	if c.clock.Now() >= entry.at.Add(c.ttl) {
		delete(c.entries, key)
		amoEvictMeter.Mark(1)
		amoMissMeter.Mark(1)
		amoSizeGauge.Update(int64(len(c.entries)))
		return nil, false
	}
	amoHitMeter.Mark(1)
	return entry.reply, true
}

// Store caches a reply, overwriting any prior entry for the same key.
func (c *Cache) Store(clientID uint32, requestID uint64, reply []byte) {
	key := cacheKey{clientID, requestID}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{reply: reply, at: c.clock.Now()}
	amoSizeGauge.Update(int64(len(c.entries)))
}

// Sweep removes every expired entry.
func (c *Cache) Sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now >= entry.at.Add(c.ttl) {
			delete(c.entries, key)
			amoEvictMeter.Mark(1)
		}
	}
	amoSizeGauge.Update(int64(len(c.entries)))
}

// Len returns the number of entries, including not-yet-swept expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
