package sharding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dblight/pkg/dberrors"
	"dblight/pkg/shardstore"
	"dblight/pkg/types"
	"dblight/pkg/writebuffer"

	"golang.org/x/sync/semaphore"
)

// Shard is one partition of the keyspace: a durable store plus the buffer of
// writes not yet persisted to it.
//
// Lock order is flushGuard, then mu, then the buffer's internal mutex.
// writeMu only orders writers of this shard among themselves and is never
// held while waiting on mu.
type Shard struct {
	id     types.ShardID
	opener shardstore.Opener

	flushGuard *semaphore.Weighted
	// mu guards store: readers share it, a flush holds it exclusively.
	mu    sync.RWMutex
	store shardstore.Store

	writeMu sync.Mutex
	buffer  *writebuffer.Buffer
}

// KeyFailure is a buffered op the store rejected.
type KeyFailure struct {
	Key types.Key
	Err error
}

// FlushResult reports one shard flush. Failed ops remain buffered.
type FlushResult struct {
	ShardID types.ShardID
	Applied int
	Failed  []KeyFailure
	Err     error
}

func newShard(id types.ShardID, opener shardstore.Opener) *Shard {
	return &Shard{
		id:         id,
		opener:     opener,
		flushGuard: semaphore.NewWeighted(1),
		buffer:     writebuffer.New(),
	}
}

func (s *Shard) ID() types.ShardID {
	return s.id
}

// open must be called with mu held for writing, or before the shard is shared.
func (s *Shard) open(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	st, err := s.opener.Open(ctx, s.id)
	if err != nil {
		if !errors.Is(err, dberrors.ErrStorageUnavailable) && !errors.Is(err, dberrors.ErrTimeout) {
			err = fmt.Errorf("%w: %w", dberrors.ErrStorageUnavailable, err)
		}
		return err
	}
	s.store = st
	return nil
}

// Available reports whether the shard currently has an open store.
func (s *Shard) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store != nil
}

// Read fetches key from the store, waiting for a running flush to finish.
// Expired records are returned as stored.
func (s *Shard) Read(ctx context.Context, key types.Key) (shardstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(ctx, key)
}

// ReadThen is Read with fn called before the read lock is released, so fn
// observes the store as it was for the read.
func (s *Shard) ReadThen(ctx context.Context, key types.Key, fn func(shardstore.Record)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.readLocked(ctx, key)
	if err != nil {
		return err
	}
	fn(rec)
	return nil
}

func (s *Shard) readLocked(ctx context.Context, key types.Key) (shardstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return shardstore.Record{}, fmt.Errorf("%w: shard %d read: %w", dberrors.ErrTimeout, s.id, err)
	}
	if s.store == nil {
		return shardstore.Record{}, fmt.Errorf("%w: shard %d is not open", dberrors.ErrStorageUnavailable, s.id)
	}
	return s.store.Get(ctx, key)
}

// Keys lists keys persisted in the store and not expired at now.
func (s *Shard) Keys(ctx context.Context, now time.Time) ([]types.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.store == nil {
		return nil, fmt.Errorf("%w: shard %d is not open", dberrors.ErrStorageUnavailable, s.id)
	}
	sc, ok := s.store.(shardstore.Scanner)
	if !ok {
		return nil, fmt.Errorf("shard %d store cannot list keys", s.id)
	}
	return sc.Keys(ctx, now)
}

// PurgeExpired deletes persisted records expired at now. It waits for a
// running flush. Buffered ops are untouched, so a newer write to a purged
// key still reaches the store on the next flush.
func (s *Shard) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return 0, fmt.Errorf("%w: shard %d is not open", dberrors.ErrStorageUnavailable, s.id)
	}
	p, ok := s.store.(shardstore.Purger)
	if !ok {
		return 0, nil
	}
	return p.PurgeExpired(ctx, now)
}

// Submit runs write under the shard's write-order lock and buffers the op
// it returns, so ops reach the buffer in the order their versions were
// allocated. write returns false to buffer nothing.
func (s *Shard) Submit(write func() (writebuffer.Op, bool)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if op, ok := write(); ok {
		s.buffer.Enqueue(op)
	}
}

// Lookup returns the newest buffered op for key without locking the shard.
func (s *Shard) Lookup(key types.Key) (writebuffer.Op, bool) {
	return s.buffer.Lookup(key)
}

// Pending lists keys buffered but not yet flushed.
func (s *Shard) Pending() []types.Key {
	return s.buffer.PendingKeys()
}

// BufferedOps is a snapshot of pending and in-flight ops.
func (s *Shard) BufferedOps() []writebuffer.Op {
	return s.buffer.Ops()
}

// Flush writes every buffered op to the store and syncs it, reopening the
// store first if it is unavailable. Ops the store rejects stay buffered.
// onApplied runs for each durable op while the shard is still locked. If ctx
// ends before the store is touched nothing changes.
func (s *Shard) Flush(ctx context.Context, onApplied func(writebuffer.Op)) FlushResult {
	res := FlushResult{ShardID: s.id}

	if err := s.flushGuard.Acquire(ctx, 1); err != nil {
		res.Err = fmt.Errorf("%w: shard %d flush: %w", dberrors.ErrTimeout, s.id, err)
		return res
	}
	defer s.flushGuard.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		res.Err = fmt.Errorf("%w: shard %d flush: %w", dberrors.ErrTimeout, s.id, err)
		return res
	}
	if err := s.open(ctx); err != nil {
		res.Err = fmt.Errorf("%w: shard %d: %w", dberrors.ErrFlushFailure, s.id, err)
		return res
	}
	if s.buffer.Len() == 0 {
		return res
	}

	ops := s.buffer.Drain()
	applied := make([]writebuffer.Op, 0, len(ops))
	var failed []writebuffer.Op

	for _, op := range ops {
		var err error
		if op.Delete {
			err = s.store.Delete(ctx, op.Key)
		} else {
			err = s.store.Put(ctx, op.Key, shardstore.Record{Value: op.Value, ExpiresAt: op.ExpiresAt})
		}
		if err != nil {
			failed = append(failed, op)
			res.Failed = append(res.Failed, KeyFailure{Key: op.Key, Err: err})
			continue
		}
		applied = append(applied, op)
	}

	if len(applied) > 0 {
		if err := s.store.Sync(ctx); err != nil {
			// not durable; retry the whole batch next time
			for _, op := range applied {
				res.Failed = append(res.Failed, KeyFailure{Key: op.Key, Err: err})
			}
			failed = append(failed, applied...)
			applied = applied[:0]
		}
	}

	s.buffer.Settle(failed)

	if onApplied != nil {
		for _, op := range applied {
			onApplied(op)
		}
	}
	res.Applied = len(applied)

	if len(res.Failed) > 0 {
		errs := make([]error, 0, len(res.Failed))
		for _, f := range res.Failed {
			errs = append(errs, fmt.Errorf("%q: %w", f.Key, f.Err))
		}
		res.Err = fmt.Errorf("%w: shard %d: %d of %d ops not persisted: %w",
			dberrors.ErrFlushFailure, s.id, len(res.Failed), len(ops), errors.Join(errs...))
		slog.Warn("shard flush incomplete", "shard", s.id, "applied", res.Applied, "failed", len(res.Failed))
	}

	return res
}

// Close closes the store. Buffered ops are not flushed.
func (s *Shard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	if err != nil {
		return fmt.Errorf("close shard %d: %w", s.id, err)
	}
	return nil
}
