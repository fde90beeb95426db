package ingestion

import "container/list"

// seenCache is an LRU over recently applied event ids, the fast tier in
// front of the chain_events table.
// Not thread-safe; only the applier's single consume loop touches it.
type seenCache struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

func newSeenCache(capacity int) *seenCache {
	return &seenCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains reports whether the id is cached and promotes it to the front.
func (c *seenCache) Contains(id string) bool {
	elem, ok := c.cache[id]
	if ok {
		c.order.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts an id, or promotes it when already present.
func (c *seenCache) Add(id string) {
	if elem, ok := c.cache[id]; ok {
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(id)
	c.cache[id] = elem

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.cache, oldest.Value.(string))
			c.evictions++
		}
	}
}

func (c *seenCache) Size() int { return c.order.Len() }

func (c *seenCache) Evictions() int64 { return c.evictions }
