package sharding

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"

	"dblight/pkg/dberrors"
	"dblight/pkg/shardstore"
	"dblight/pkg/types"
)

// KeyHasher deterministically maps keys to shard IDs.
type KeyHasher interface {
	ShardForKey(key types.Key, totalShards int) types.ShardID
}

// FNVHasher routes with 64-bit FNV-1a modulo the shard count.
type FNVHasher struct{}

func (FNVHasher) ShardForKey(key types.Key, totalShards int) types.ShardID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return types.ShardID(h.Sum64() % uint64(totalShards))
}

type RouterOption func(*Router)

func WithHasher(h KeyHasher) RouterOption {
	return func(r *Router) {
		r.hasher = h
	}
}

// Router owns a fixed set of shards and decides which one holds a key.
type Router struct {
	hasher KeyHasher
	shards []*Shard
}

// NewRouter opens count shards through opener. A shard whose store fails to
// open is kept, marked unavailable, and retried on its next flush.
func NewRouter(ctx context.Context, count int, opener shardstore.Opener, opts ...RouterOption) (*Router, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: shard count must be >= 1, got %d", dberrors.ErrInvalidConfig, count)
	}

	r := &Router{
		hasher: FNVHasher{},
		shards: make([]*Shard, count),
	}
	for _, opt := range opts {
		opt(r)
	}

	for i := range r.shards {
		id := types.ShardID(i)
		sh := newShard(id, opener)
		if err := sh.open(ctx); err != nil {
			slog.Warn("shard unavailable at startup", "shard", id, "error", err)
		}
		r.shards[i] = sh
	}

	return r, nil
}

func (r *Router) ShardFor(key types.Key) types.ShardID {
	return r.hasher.ShardForKey(key, len(r.shards))
}

// Route returns the shard owning key.
func (r *Router) Route(key types.Key) *Shard {
	return r.shards[r.ShardFor(key)]
}

func (r *Router) Shard(id types.ShardID) (*Shard, error) {
	if id < 0 || int(id) >= len(r.shards) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", dberrors.ErrInvalidShardID, id, len(r.shards))
	}
	return r.shards[id], nil
}

// Shards returns every shard in id order.
func (r *Router) Shards() []*Shard {
	out := make([]*Shard, len(r.shards))
	copy(out, r.shards)
	return out
}

func (r *Router) Count() int {
	return len(r.shards)
}

func (r *Router) Close() error {
	var errs []error
	for _, sh := range r.shards {
		if err := sh.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
