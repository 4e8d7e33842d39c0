package keyring

import (
	"container/list"
	"sync"
)

type cacheKey struct {
	thread string
	epoch  Epoch
}

type cacheEntry struct {
	key cacheKey
	val ThreadKey
}

// keyCache is a bounded LRU of derived keys. Derivation is cheap but hot on
// the append and replay paths; the bound keeps memory flat regardless of
// thread count.
type keyCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[cacheKey]*list.Element
}

func newKeyCache(capacity int) *keyCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &keyCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[cacheKey]*list.Element, capacity),
	}
}

func (c *keyCache) get(key cacheKey) (ThreadKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return ThreadKey{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).val, true
}

func (c *keyCache) put(key cacheKey, val ThreadKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry).val = val
		return
	}

	c.items[key] = c.order.PushFront(&cacheEntry{key: key, val: val})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		entry := oldest.Value.(*cacheEntry)
		entry.val.Zero()
		delete(c.items, entry.key)
	}
}

// invalidateThread drops every cached epoch of a thread, zeroing the key
// material on the way out.
func (c *keyCache) invalidateThread(thread string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.items {
		if key.thread == thread {
			entry := elem.Value.(*cacheEntry)
			entry.val.Zero()
			c.order.Remove(elem)
			delete(c.items, key)
		}
	}
}

func (c *keyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
