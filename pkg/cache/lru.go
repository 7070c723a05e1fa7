package cache

import "dblight/pkg/types"

// node is an Entry linked into the recency list; head is most recently used.
type node struct {
	Entry
	prev *node
	next *node
}

func (c *Cache) moveToHead(n *node) {
	if n == c.head {
		return
	}
	c.unlink(n)
	c.addToHead(n)
}

func (c *Cache) addToHead(n *node) {
	n.prev = nil
	n.next = c.head

	if c.head != nil {
		c.head.prev = n
	}
	c.head = n

	if c.tail == nil {
		c.tail = n
	}
}

func (c *Cache) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}

// oldestClean walks from the tail and returns the least recently used entry
// that is safe to drop.
func (c *Cache) oldestClean() *node {
	for n := c.tail; n != nil; n = n.prev {
		if !n.Dirty {
			return n
		}
	}
	return nil
}

// oldestDirtyShard returns the shard of the least recently used dirty entry
// whose shard is not in skip.
func (c *Cache) oldestDirtyShard(skip map[types.ShardID]struct{}) (types.ShardID, bool) {
	for n := c.tail; n != nil; n = n.prev {
		if !n.Dirty {
			continue
		}
		if _, ok := skip[n.ShardID]; ok {
			continue
		}
		return n.ShardID, true
	}
	return 0, false
}
