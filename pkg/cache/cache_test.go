package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dblight/pkg/clock"
	"dblight/pkg/dberrors"
	"dblight/pkg/types"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestCache(capacity int, opts ...Option) (*Cache, *clock.Manual) {
	clk := clock.NewManual(start)
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(capacity, clock.NewAtomic(0), opts...), clk
}

func mustPut(t *testing.T, c *Cache, key string, ttl time.Duration, shard types.ShardID) types.Version {
	t.Helper()
	var at time.Time
	if ttl > 0 {
		at = c.clock.Now().Add(ttl)
	}
	ver, err := c.Put(context.Background(), key, []byte("v-"+key), at, shard)
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return ver
}

func TestPutGet(t *testing.T) {
	c, _ := newTestCache(4)

	ver := mustPut(t, c, "a", 0, 1)

	e, st := c.Get("a")
	if st != Hit {
		t.Fatalf("expected hit, got %s", st)
	}
	if string(e.Value) != "v-a" || !e.Dirty || e.ShardID != 1 || e.Version != ver {
		t.Fatalf("unexpected entry %+v", e)
	}

	if _, st := c.Get("b"); st != Miss {
		t.Fatalf("expected miss, got %s", st)
	}
}

func TestVersionsIncrease(t *testing.T) {
	c, _ := newTestCache(4)

	v1 := mustPut(t, c, "a", 0, 0)
	v2 := mustPut(t, c, "a", 0, 0)
	v3 := c.Remove("a", 0)
	if !(v1 < v2 && v2 < v3) {
		t.Fatalf("versions not increasing: %d %d %d", v1, v2, v3)
	}
}

func TestLazyExpiry(t *testing.T) {
	c, clk := newTestCache(4)

	mustPut(t, c, "a", time.Second, 0)
	if _, st := c.Get("a"); st != Hit {
		t.Fatalf("expected hit before deadline, got %s", st)
	}

	now := clk.Advance(time.Second)
	if _, st := c.Get("a"); st != Expired {
		t.Fatalf("expected expired at deadline, got %s", st)
	}

	if _, ok := c.Expire("a", now); !ok {
		t.Fatal("expected expire to remove entry")
	}
	if _, ok := c.Expire("a", now); ok {
		t.Fatal("second expire must be a no-op")
	}
	if _, st := c.Get("a"); st != Miss {
		t.Fatalf("expected miss after expire, got %s", st)
	}
	if got := c.Stats().Expirations; got != 1 {
		t.Fatalf("expected 1 expiration, got %d", got)
	}
}

func TestExpireIgnoresLiveEntry(t *testing.T) {
	c, clk := newTestCache(4)

	mustPut(t, c, "a", time.Minute, 0)
	if _, ok := c.Expire("a", clk.Now()); ok {
		t.Fatal("live entry must not expire")
	}
}

func TestExpiredKeysOrderAndLimit(t *testing.T) {
	c, clk := newTestCache(8)

	mustPut(t, c, "late", 3*time.Second, 0)
	mustPut(t, c, "early", time.Second, 0)
	mustPut(t, c, "mid", 2*time.Second, 0)
	mustPut(t, c, "forever", 0, 0)

	now := clk.Advance(2 * time.Second)
	keys := c.ExpiredKeys(now, 0)
	if fmt.Sprint(keys) != "[early mid]" {
		t.Fatalf("unexpected expired keys %v", keys)
	}
	if keys := c.ExpiredKeys(now, 1); len(keys) != 1 || keys[0] != "early" {
		t.Fatalf("limit not honored: %v", keys)
	}

	// overwriting drops the old deadline
	mustPut(t, c, "early", 0, 0)
	if keys := c.ExpiredKeys(now, 0); fmt.Sprint(keys) != "[mid]" {
		t.Fatalf("stale index entry after overwrite: %v", keys)
	}
}

func TestCapacityEvictsOldestClean(t *testing.T) {
	c, _ := newTestCache(2)

	va := mustPut(t, c, "a", 0, 0)
	vb := mustPut(t, c, "b", 0, 0)
	c.MarkClean("a", va)
	c.MarkClean("b", vb)

	// a becomes most recently used
	c.Get("a")
	mustPut(t, c, "c", 0, 0)

	if c.Len() != 2 {
		t.Fatalf("capacity exceeded: %d", c.Len())
	}
	if _, st := c.Get("b"); st != Miss {
		t.Fatal("expected b to be evicted")
	}
	if _, st := c.Get("a"); st != Hit {
		t.Fatal("expected a to survive")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Fatalf("expected 1 eviction, got %d", got)
	}
}

func TestDirtyEntriesTriggerFlushFallback(t *testing.T) {
	var c *Cache
	var flushed []types.ShardID
	versions := map[string]types.Version{}

	flush := func(_ context.Context, shard types.ShardID) error {
		flushed = append(flushed, shard)
		for k, v := range versions {
			c.MarkClean(k, v)
		}
		return nil
	}
	c, _ = newTestCache(2, WithFlushFunc(flush))

	versions["a"] = mustPut(t, c, "a", 0, 3)
	versions["b"] = mustPut(t, c, "b", 0, 5)
	mustPut(t, c, "c", 0, 1)

	if len(flushed) != 1 || flushed[0] != 3 {
		t.Fatalf("expected a flush of shard 3, got %v", flushed)
	}
	if c.Len() != 2 {
		t.Fatalf("capacity exceeded: %d", c.Len())
	}
	if _, st := c.Get("a"); st != Miss {
		t.Fatal("a should have been evicted after becoming clean")
	}
	if e, st := c.Get("c"); st != Hit || !e.Dirty {
		t.Fatalf("expected dirty c, got %+v %s", e, st)
	}
}

func TestCapacityExhaustedKeepsDirtyEntries(t *testing.T) {
	failing := func(context.Context, types.ShardID) error {
		return dberrors.ErrStorageUnavailable
	}
	c, _ := newTestCache(2, WithFlushFunc(failing))

	mustPut(t, c, "a", 0, 0)
	mustPut(t, c, "b", 0, 1)

	ver, err := c.Put(context.Background(), "c", []byte("c"), time.Time{}, 2)
	if !errors.Is(err, dberrors.ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
	if ver == 0 {
		t.Fatal("version must be allocated even when the value is not cached")
	}
	for _, k := range []string{"a", "b"} {
		if _, st := c.Get(k); st != Hit {
			t.Fatalf("dirty %s must never be dropped", k)
		}
	}
	st := c.Stats()
	if st.FallbackFlushes != 2 || st.CapacityExhausted != 1 || st.Dirty != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestMarkCleanRespectsVersion(t *testing.T) {
	c, _ := newTestCache(4)

	v1 := mustPut(t, c, "a", 0, 0)
	mustPut(t, c, "a", 0, 0)

	c.MarkClean("a", v1)
	if e, _ := c.Get("a"); !e.Dirty {
		t.Fatal("entry overwritten after v1 must stay dirty")
	}
	c.MarkClean("missing", 1)
}

func TestLoadRules(t *testing.T) {
	c, _ := newTestCache(2)

	epoch := c.Epoch(0)
	if !c.Load("a", []byte("disk"), time.Time{}, 0, epoch) {
		t.Fatal("expected load into empty cache")
	}
	if e, st := c.Get("a"); st != Hit || e.Dirty || !e.ExpiresAt.IsZero() {
		t.Fatalf("loaded entry must be clean with no deadline: %+v", e)
	}

	// a write to the shard after the epoch was read
	epoch = c.Epoch(0)
	c.Remove("b", 0)
	if c.Load("b", []byte("stale"), time.Time{}, 0, epoch) {
		t.Fatal("load after concurrent write must be skipped")
	}

	// other shards are unaffected
	if !c.Load("c", []byte("disk"), time.Time{}, 1, c.Epoch(1)) {
		t.Fatal("expected load on untouched shard")
	}

	// full of dirty entries: reads never make room
	d, _ := newTestCache(1)
	mustPut(t, d, "x", 0, 0)
	if d.Load("y", []byte("disk"), time.Time{}, 1, d.Epoch(1)) {
		t.Fatal("load must not evict a dirty entry")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	c, _ := newTestCache(2)
	mustPut(t, c, "a", time.Second, 0)

	c.Remove("a", 0)
	c.Remove("a", 0)
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
	if keys := c.ExpiredKeys(start.Add(time.Hour), 0); len(keys) != 0 {
		t.Fatalf("removed entry left in expiry index: %v", keys)
	}
}

func TestZeroCapacityDisablesCaching(t *testing.T) {
	c, _ := newTestCache(0)

	ver := mustPut(t, c, "a", 0, 0)
	if ver == 0 {
		t.Fatal("expected a version")
	}
	if _, st := c.Get("a"); st != Miss {
		t.Fatalf("expected miss, got %s", st)
	}
	if c.Load("a", []byte("disk"), time.Time{}, 0, c.Epoch(0)) {
		t.Fatal("load must be refused")
	}
}

func TestKeysSkipExpired(t *testing.T) {
	c, clk := newTestCache(4)
	mustPut(t, c, "a", time.Second, 0)
	mustPut(t, c, "b", 0, 0)

	clk.Advance(time.Second)
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestLoadKeepsStoredDeadline(t *testing.T) {
	c, clk := newTestCache(2)

	if c.Load("gone", []byte("disk"), start, 0, c.Epoch(0)) {
		t.Fatal("an already expired value must not be loaded")
	}

	if !c.Load("a", []byte("disk"), start.Add(time.Second), 0, c.Epoch(0)) {
		t.Fatal("expected load")
	}
	if e, st := c.Get("a"); st != Hit || !e.ExpiresAt.Equal(start.Add(time.Second)) {
		t.Fatalf("loaded entry lost its deadline: %s %+v", st, e)
	}

	clk.Advance(time.Second)
	if _, st := c.Get("a"); st != Expired {
		t.Fatalf("expected expired, got %s", st)
	}
	if keys := c.ExpiredKeys(clk.Now(), 0); len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("loaded deadline not indexed: %v", keys)
	}
}
