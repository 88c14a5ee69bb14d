package profilesync

import (
	"container/list"

	"github.com/muni-town/roomy-discord-bridge/internal/mapping"
)

type RoomyProfile = mapping.RoomyProfile

// lruCache is a small fixed-capacity least-recently-used cache. No example
// repo in the reference pack imports an LRU library (the teacher doesn't
// need one), so this is built on container/list — see DESIGN.md.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value RoomyProfile
}

func newLRU(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 50
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *lruCache) Get(key string) (RoomyProfile, bool) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*lruEntry).value, true
	}
	return RoomyProfile{}, false
}

func (c *lruCache) Put(key string, value RoomyProfile) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}
