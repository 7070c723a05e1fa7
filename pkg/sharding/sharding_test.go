package sharding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dblight/pkg/dberrors"
	"dblight/pkg/shardstore"
	"dblight/pkg/types"
	"dblight/pkg/writebuffer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, count int) (*Router, *shardstore.MemoryOpener) {
	t.Helper()
	opener := shardstore.NewMemoryOpener()
	r, err := NewRouter(context.Background(), count, opener)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, opener
}

func put(sh *Shard, key, value string, ver types.Version) {
	sh.Submit(func() (writebuffer.Op, bool) {
		return writebuffer.Op{Key: key, Value: []byte(value), Version: ver}, true
	})
}

func TestRoutingIsStable(t *testing.T) {
	r1, _ := newTestRouter(t, 8)
	r2, _ := newTestRouter(t, 8)

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("user:%d", i)
		id := r1.ShardFor(key)
		assert.Equal(t, id, r1.ShardFor(key))
		assert.Equal(t, id, r2.ShardFor(key))
		assert.True(t, id >= 0 && int(id) < 8)
	}
}

func TestRoutingSpreadsKeys(t *testing.T) {
	r, _ := newTestRouter(t, 4)

	counts := make(map[types.ShardID]int)
	for i := 0; i < 4000; i++ {
		counts[r.ShardFor(fmt.Sprintf("key-%d", i))]++
	}
	require.Len(t, counts, 4)
	for id, n := range counts {
		assert.Greater(t, n, 600, "shard %d got too few keys", id)
	}
}

func TestShardLookup(t *testing.T) {
	r, _ := newTestRouter(t, 3)

	sh, err := r.Shard(2)
	require.NoError(t, err)
	assert.Equal(t, types.ShardID(2), sh.ID())

	_, err = r.Shard(3)
	assert.ErrorIs(t, err, dberrors.ErrInvalidShardID)
	_, err = r.Shard(-1)
	assert.ErrorIs(t, err, dberrors.ErrInvalidShardID)

	assert.Len(t, r.Shards(), 3)
	assert.Equal(t, r.ShardFor("k"), r.Route("k").ID())
}

func TestNewRouterRejectsZeroShards(t *testing.T) {
	_, err := NewRouter(context.Background(), 0, shardstore.NewMemoryOpener())
	assert.ErrorIs(t, err, dberrors.ErrInvalidConfig)
}

func TestFlushPersistsAndReportsApplied(t *testing.T) {
	r, opener := newTestRouter(t, 1)
	sh := r.Shards()[0]

	put(sh, "a", "1", 1)
	put(sh, "b", "2", 2)
	sh.Submit(func() (writebuffer.Op, bool) {
		return writebuffer.Op{Key: "a", Delete: true, Version: 3}, true
	})

	var applied []types.Version
	res := sh.Flush(context.Background(), func(op writebuffer.Op) {
		applied = append(applied, op.Version)
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Applied)
	assert.ElementsMatch(t, []types.Version{2, 3}, applied)
	assert.Empty(t, sh.Pending())

	_, err := sh.Read(context.Background(), "a")
	assert.ErrorIs(t, err, dberrors.ErrNotFound)
	got, err := sh.Read(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got.Value)
	assert.Equal(t, 1, opener.Store(0).Syncs())
}

func TestFlushKeepsFailedOps(t *testing.T) {
	r, opener := newTestRouter(t, 1)
	sh := r.Shards()[0]
	opener.Store(0).FailKey("bad")

	put(sh, "bad", "x", 1)
	put(sh, "good", "y", 2)

	res := sh.Flush(context.Background(), nil)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, dberrors.ErrFlushFailure)
	assert.Equal(t, 1, res.Applied)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "bad", res.Failed[0].Key)
	assert.Equal(t, []types.Key{"bad"}, sh.Pending())

	opener.Store(0).ClearFailures()
	res = sh.Flush(context.Background(), nil)
	require.NoError(t, res.Err)
	assert.Empty(t, sh.Pending())
}

func TestFlushSyncFailureRequeuesBatch(t *testing.T) {
	r, opener := newTestRouter(t, 1)
	sh := r.Shards()[0]

	put(sh, "a", "1", 1)
	opener.Store(0).SetUnavailable(true)

	res := sh.Flush(context.Background(), func(writebuffer.Op) {
		t.Fatal("nothing is durable")
	})
	assert.ErrorIs(t, res.Err, dberrors.ErrFlushFailure)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, []types.Key{"a"}, sh.Pending())
}

func TestFlushCancelledLeavesBufferUntouched(t *testing.T) {
	r, _ := newTestRouter(t, 1)
	sh := r.Shards()[0]
	put(sh, "a", "1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := sh.Flush(ctx, nil)
	assert.ErrorIs(t, res.Err, dberrors.ErrTimeout)
	assert.True(t, dberrors.IsRetryable(res.Err))
	assert.Equal(t, []types.Key{"a"}, sh.Pending())
}

func TestFlushWaitsForRunningFlush(t *testing.T) {
	r, _ := newTestRouter(t, 1)
	sh := r.Shards()[0]
	put(sh, "a", "1", 1)

	// holding the guard simulates a flush in progress
	require.NoError(t, sh.flushGuard.Acquire(context.Background(), 1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := sh.Flush(ctx, nil)
	assert.ErrorIs(t, res.Err, dberrors.ErrTimeout)
	sh.flushGuard.Release(1)

	res = sh.Flush(context.Background(), nil)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Applied)
}

func TestUnavailableShardReopensOnFlush(t *testing.T) {
	opener := shardstore.NewMemoryOpener()
	boom := errors.New("mount missing")
	opener.FailOpen(1, boom)

	r, err := NewRouter(context.Background(), 2, opener)
	require.NoError(t, err)
	defer r.Close()

	down, _ := r.Shard(1)
	up, _ := r.Shard(0)
	assert.False(t, down.Available())
	assert.True(t, up.Available())

	_, err = down.Read(context.Background(), "k")
	assert.ErrorIs(t, err, dberrors.ErrStorageUnavailable)

	put(down, "k", "v", 1)
	res := down.Flush(context.Background(), nil)
	assert.ErrorIs(t, res.Err, dberrors.ErrFlushFailure)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, []types.Key{"k"}, down.Pending())

	opener.FailOpen(1, nil)
	res = down.Flush(context.Background(), nil)
	require.NoError(t, res.Err)
	assert.True(t, down.Available())

	got, err := down.Read(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestLookupSeesInFlightAndPending(t *testing.T) {
	r, _ := newTestRouter(t, 1)
	sh := r.Shards()[0]

	put(sh, "a", "1", 1)
	op, ok := sh.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), op.Value)

	sh.Submit(func() (writebuffer.Op, bool) { return writebuffer.Op{}, false })
	assert.Len(t, sh.BufferedOps(), 1)
}

func TestFlushPersistsExpiryAndPurge(t *testing.T) {
	r, _ := newTestRouter(t, 1)
	sh := r.Shards()[0]
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sh.Submit(func() (writebuffer.Op, bool) {
		return writebuffer.Op{Key: "ttl", Value: []byte("v"), ExpiresAt: now.Add(time.Second), Version: 1}, true
	})
	put(sh, "keep", "v", 2)
	require.NoError(t, sh.Flush(ctx, nil).Err)

	rec, err := sh.Read(ctx, "ttl")
	require.NoError(t, err)
	assert.True(t, rec.ExpiredAt(now.Add(time.Second)))

	keys, err := sh.Keys(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []types.Key{"keep"}, keys)

	// a rewrite still buffered survives the purge of its stale row
	put(sh, "ttl", "fresh", 3)
	purged, err := sh.PurgeExpired(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	require.NoError(t, sh.Flush(ctx, nil).Err)
	rec, err = sh.Read(ctx, "ttl")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), rec.Value)
	assert.True(t, rec.ExpiresAt.IsZero())
}
