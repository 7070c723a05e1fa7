package cache

import (
	"time"

	"dblight/pkg/types"

	"github.com/zhangyunhao116/skipset"
)

// expiryKey orders the expiry index by deadline, then key.
type expiryKey struct {
	at  int64
	key string
}

type expiryIndex = skipset.FuncSet[expiryKey]

func newExpiryIndex() *expiryIndex {
	return skipset.NewFunc[expiryKey](func(a, b expiryKey) bool {
		if a.at != b.at {
			return a.at < b.at
		}
		return a.key < b.key
	})
}

func (c *Cache) indexExpiry(n *node) {
	if n.ExpiresAt.IsZero() {
		return
	}
	c.expiry.Add(expiryKey{at: n.ExpiresAt.UnixNano(), key: n.Key})
}

func (c *Cache) unindexExpiry(n *node) {
	if n.ExpiresAt.IsZero() {
		return
	}
	c.expiry.Remove(expiryKey{at: n.ExpiresAt.UnixNano(), key: n.Key})
}

// ExpiredKeys returns up to limit keys whose deadline is at or before now,
// soonest first. limit <= 0 means no limit. The index is read without the
// cache lock, so callers must confirm each key with Expire.
func (c *Cache) ExpiredKeys(now time.Time, limit int) []types.Key {
	cutoff := now.UnixNano()

	var keys []types.Key
	c.expiry.Range(func(k expiryKey) bool {
		if k.at > cutoff {
			return false
		}
		keys = append(keys, k.key)
		return limit <= 0 || len(keys) < limit
	})
	return keys
}

// Expire removes key if it is still cached and expired at now. The returned
// version orders the persisted delete after every earlier write to key.
func (c *Cache) Expire(key types.Key, now time.Time) (types.Version, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok || !n.expiredAt(now) {
		return 0, false
	}

	c.bumpEpoch(n.ShardID)
	c.removeNode(n)
	c.stats.expirations.Add(1)
	return c.versions.Next(), true
}
