// Package shardstore defines the durable single-shard record store the engine
// writes through to, with a SQLite backend for production and an in-memory
// backend for tests.
package shardstore

import (
	"context"
	"time"

	"dblight/pkg/types"
)

// Record is a stored value and the deadline it was written with. A zero
// ExpiresAt never expires.
type Record struct {
	Value     types.Value
	ExpiresAt time.Time
}

func (r Record) ExpiredAt(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is one shard's durable key/value backend. Put and Delete must be
// crash-safe per key once Sync returns. Get reports a missing key with
// dberrors.ErrNotFound; an expired record is still returned and the caller
// decides what to do with it.
//
// Implementations are used by exactly one engine at a time; concurrent Get
// calls must be safe, writes are serialized by the caller.
type Store interface {
	Get(ctx context.Context, key types.Key) (Record, error)
	Put(ctx context.Context, key types.Key, rec Record) error
	Delete(ctx context.Context, key types.Key) error
	Sync(ctx context.Context) error
	Close() error
}

// Scanner is implemented by stores that can enumerate their keys. Keys
// skips records expired at now.
type Scanner interface {
	Keys(ctx context.Context, now time.Time) ([]types.Key, error)
}

// Purger is implemented by stores that can drop every record expired at now
// in one pass.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Opener opens (or creates) the store for one shard.
type Opener interface {
	Open(ctx context.Context, id types.ShardID) (Store, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, id types.ShardID) (Store, error)

func (f OpenerFunc) Open(ctx context.Context, id types.ShardID) (Store, error) {
	return f(ctx, id)
}
