package gateway

import (
	"container/list"
	"sync"
	"time"

	"github.com/mcoot/clanharvest/internal/dependencies/clock"
)

// responseCache keeps successful GET bodies for a fixed TTL. When full it
// drops every expired entry first and then the oldest insertion.
type responseCache struct {
	mu         sync.Mutex
	clock      clock.Clock
	ttl        time.Duration
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front is oldest
}

type cacheEntry struct {
	key     string
	body    []byte
	expires time.Time
}

func newResponseCache(clk clock.Clock, ttl time.Duration, maxEntries int) *responseCache {
	return &responseCache{
		clock:      clk,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if !c.clock.Now().Before(entry.expires) {
		c.remove(el)
		return nil, false
	}
	return entry.body, true
}

func (c *responseCache) put(key string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.clock.Now().Add(c.ttl)
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.body = body
		entry.expires = expires
		return
	}

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.purgeExpired()
		for len(c.entries) >= c.maxEntries {
			c.remove(c.order.Front())
		}
	}
	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, body: body, expires: expires})
}

func (c *responseCache) purgeExpired() {
	now := c.clock.Now()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*cacheEntry).expires) {
			c.remove(el)
		}
		el = next
	}
}

func (c *responseCache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*cacheEntry).key)
}

func (c *responseCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
