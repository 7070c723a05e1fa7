// Package cache is the bounded in-memory front of the engine: a key/value map
// with per-entry TTL, LRU ordering and dirty tracking.
//
// A dirty entry holds a write that has not reached its shard's store yet and
// is never evicted; the cache asks the owner to flush that shard instead.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dblight/pkg/clock"
	"dblight/pkg/dberrors"
	"dblight/pkg/types"
)

// maxFlushFallbacks bounds how many distinct shards one Put may flush while
// looking for room.
const maxFlushFallbacks = 4

type Status int

const (
	Miss Status = iota
	Hit
	Expired
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Expired:
		return "expired"
	default:
		return "miss"
	}
}

// Entry is a cached value. A zero ExpiresAt never expires.
type Entry struct {
	Key       types.Key
	Value     types.Value
	ExpiresAt time.Time
	Dirty     bool
	ShardID   types.ShardID
	Version   types.Version
}

func (e *Entry) expiredAt(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// FlushFunc persists everything buffered for a shard. The cache calls it
// without holding its own lock.
type FlushFunc func(ctx context.Context, shard types.ShardID) error

type Option func(*Cache)

func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clk
	}
}

func WithFlushFunc(fn FlushFunc) Option {
	return func(c *Cache) {
		c.flush = fn
	}
}

type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[types.Key]*node
	head     *node
	tail     *node
	dirty    int
	epochs   map[types.ShardID]uint64

	expiry   *expiryIndex
	versions *clock.AtomicClock
	clock    clock.Clock
	flush    FlushFunc

	stats counters
}

type counters struct {
	hits              atomic.Uint64
	misses            atomic.Uint64
	expirations       atomic.Uint64
	evictions         atomic.Uint64
	fallbackFlushes   atomic.Uint64
	capacityExhausted atomic.Uint64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Len               int
	Dirty             int
	Capacity          int
	Hits              uint64
	Misses            uint64
	Expirations       uint64
	Evictions         uint64
	FallbackFlushes   uint64
	CapacityExhausted uint64
}

// New creates a cache holding at most capacity entries. Capacity 0 disables
// caching; writes still get versions from versions.
func New(capacity int, versions *clock.AtomicClock, opts ...Option) *Cache {
	c := &Cache{
		capacity: max(capacity, 0),
		items:    make(map[types.Key]*node),
		epochs:   make(map[types.ShardID]uint64),
		expiry:   newExpiryIndex(),
		versions: versions,
		clock:    clock.System(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live entry for key and marks it most recently used. An
// expired entry is reported as Expired and left for Expire to remove.
func (c *Cache) Get(key types.Key) (Entry, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		c.stats.misses.Add(1)
		return Entry{}, Miss
	}
	if n.expiredAt(c.clock.Now()) {
		c.stats.misses.Add(1)
		return Entry{}, Expired
	}

	c.moveToHead(n)
	c.stats.hits.Add(1)
	return n.Entry, Hit
}

// Put stores value as a dirty entry expiring at expiresAt (zero for never)
// and returns the write's version. When
// the cache is full it evicts the least recently used clean entry; if every
// entry is dirty it flushes the shards of the oldest dirty entries through
// FlushFunc and retries. ErrCapacityExhausted means the value was not cached
// but the returned version is still valid for buffering the write.
func (c *Cache) Put(ctx context.Context, key types.Key, value types.Value, expiresAt time.Time, shard types.ShardID) (types.Version, error) {
	c.mu.Lock()

	c.bumpEpoch(shard)
	ver := c.versions.Next()
	if c.capacity == 0 {
		c.mu.Unlock()
		return ver, nil
	}

	flushed := make(map[types.ShardID]struct{})
	for {
		if n, ok := c.items[key]; ok {
			if n.Version <= ver {
				c.overwrite(n, value, expiresAt, shard, ver)
			}
			c.mu.Unlock()
			return ver, nil
		}

		if len(c.items) < c.capacity {
			c.insert(Entry{
				Key:       key,
				Value:     value,
				ExpiresAt: expiresAt,
				Dirty:     true,
				ShardID:   shard,
				Version:   ver,
			})
			c.mu.Unlock()
			return ver, nil
		}

		if victim := c.oldestClean(); victim != nil {
			c.removeNode(victim)
			c.stats.evictions.Add(1)
			continue
		}

		target, ok := c.oldestDirtyShard(flushed)
		if !ok || c.flush == nil || len(flushed) >= maxFlushFallbacks {
			c.mu.Unlock()
			c.stats.capacityExhausted.Add(1)
			return ver, dberrors.ErrCapacityExhausted
		}
		flushed[target] = struct{}{}

		c.mu.Unlock()
		c.stats.fallbackFlushes.Add(1)
		if err := c.flush(ctx, target); err != nil {
			slog.Warn("cache flush fallback failed", "shard", target, "error", err)
		}
		c.mu.Lock()
	}
}

// Load caches a value read from disk as a clean entry keeping the deadline
// it was stored with. It is skipped when the shard saw a write after epoch
// was taken, when the key is already cached, when the value has already
// expired, or when making room would require evicting a dirty entry.
func (c *Cache) Load(key types.Key, value types.Value, expiresAt time.Time, shard types.ShardID, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 || c.epochs[shard] != epoch {
		return false
	}
	if !expiresAt.IsZero() && !c.clock.Now().Before(expiresAt) {
		return false
	}
	if _, ok := c.items[key]; ok {
		return false
	}
	if len(c.items) >= c.capacity {
		victim := c.oldestClean()
		if victim == nil {
			return false
		}
		c.removeNode(victim)
		c.stats.evictions.Add(1)
	}

	c.insert(Entry{Key: key, Value: value, ExpiresAt: expiresAt, ShardID: shard})
	return true
}

// Remove drops key and returns the version ordering the delete after every
// earlier write. Removing an absent key is fine.
func (c *Cache) Remove(key types.Key, shard types.ShardID) types.Version {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bumpEpoch(shard)
	if n, ok := c.items[key]; ok {
		c.removeNode(n)
	}
	return c.versions.Next()
}

// MarkClean clears the dirty flag once version is durable. It does nothing
// if key was overwritten or removed since.
func (c *Cache) MarkClean(key types.Key, version types.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok || n.Version != version || !n.Dirty {
		return
	}
	n.Dirty = false
	c.dirty--
}

// Epoch is the write generation of shard, for use with Load.
func (c *Cache) Epoch(shard types.ShardID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[shard]
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) Capacity() int {
	return c.capacity
}

// Keys lists live keys, most recently used first.
func (c *Cache) Keys() []types.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	keys := make([]types.Key, 0, len(c.items))
	for n := c.head; n != nil; n = n.next {
		if !n.expiredAt(now) {
			keys = append(keys, n.Key)
		}
	}
	return keys
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size, dirty := len(c.items), c.dirty
	c.mu.Unlock()

	return Stats{
		Len:               size,
		Dirty:             dirty,
		Capacity:          c.capacity,
		Hits:              c.stats.hits.Load(),
		Misses:            c.stats.misses.Load(),
		Expirations:       c.stats.expirations.Load(),
		Evictions:         c.stats.evictions.Load(),
		FallbackFlushes:   c.stats.fallbackFlushes.Load(),
		CapacityExhausted: c.stats.capacityExhausted.Load(),
	}
}

func (c *Cache) bumpEpoch(shard types.ShardID) {
	c.epochs[shard]++
}

func (c *Cache) insert(e Entry) {
	n := &node{Entry: e}
	c.items[e.Key] = n
	c.addToHead(n)
	c.indexExpiry(n)
	if n.Dirty {
		c.dirty++
	}
}

func (c *Cache) overwrite(n *node, value types.Value, expiresAt time.Time, shard types.ShardID, ver types.Version) {
	c.unindexExpiry(n)
	if !n.Dirty {
		c.dirty++
	}
	n.Value = value
	n.ExpiresAt = expiresAt
	n.Dirty = true
	n.ShardID = shard
	n.Version = ver
	c.indexExpiry(n)
	c.moveToHead(n)
}

func (c *Cache) removeNode(n *node) {
	c.unindexExpiry(n)
	c.unlink(n)
	delete(c.items, n.Key)
	if n.Dirty {
		c.dirty--
	}
}
