package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"dblight/pkg/cache"
	"dblight/pkg/dberrors"
	"dblight/pkg/metrics"
	"dblight/pkg/sharding"
	"dblight/pkg/shardstore"
	"dblight/pkg/types"
	"dblight/pkg/writebuffer"
)

// readAttempts bounds how often Get retries when a write to the key's shard
// races with its disk read.
const readAttempts = 3

// Get returns the current value of key or dberrors.ErrNotFound. The returned
// slice is a copy. A value whose TTL has passed is not found wherever it
// currently lives, and its removal is buffered for the next flush.
func (e *Engine) Get(ctx context.Context, key types.Key) (types.Value, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()
	e.stats.gets.Add(1)

	sh := e.router.Route(key)
	for attempt := 1; ; attempt++ {
		retry := attempt < readAttempts

		entry, status := e.cache.Get(key)
		switch status {
		case cache.Hit:
			e.metrics.IncCounter(metrics.CacheHits, nil, 1)
			return bytes.Clone(entry.Value), nil
		case cache.Expired:
			e.metrics.IncCounter(metrics.CacheMisses, nil, 1)
			if !e.expire(key, e.clock.Now()) && retry {
				// rewritten since the check
				continue
			}
			return nil, dberrors.ErrNotFound
		}
		e.metrics.IncCounter(metrics.CacheMisses, nil, 1)

		epoch := e.cache.Epoch(sh.ID())
		now := e.clock.Now()

		if op, ok := sh.Lookup(key); ok {
			switch {
			case op.Delete:
				return nil, dberrors.ErrNotFound
			case op.ExpiredAt(now):
				if !e.expireBuffered(sh, op) && retry {
					continue
				}
				return nil, dberrors.ErrNotFound
			}
			return bytes.Clone(op.Value), nil
		}

		var rec shardstore.Record
		err := sh.ReadThen(ctx, key, func(r shardstore.Record) {
			rec = r
			if !r.ExpiredAt(now) {
				e.cache.Load(key, bytes.Clone(r.Value), r.ExpiresAt, sh.ID(), epoch)
			}
		})
		if err != nil {
			if errors.Is(err, dberrors.ErrStorageUnavailable) {
				e.metrics.IncCounter(metrics.ShardUnavailable, shardLabel(sh.ID()), 1)
			}
			if !errors.Is(err, dberrors.ErrNotFound) || !retry || e.cache.Epoch(sh.ID()) == epoch {
				return nil, err
			}
			continue
		}

		if rec.ExpiredAt(now) {
			if !e.expireStored(sh, key, epoch) && retry {
				continue
			}
			return nil, dberrors.ErrNotFound
		}

		// a write to this shard landed while the store was read
		if retry && e.cache.Epoch(sh.ID()) != epoch {
			continue
		}
		return rec.Value, nil
	}
}

// Has reports whether key currently has a value.
func (e *Engine) Has(ctx context.Context, key types.Key) (bool, error) {
	_, err := e.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, dberrors.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Set stores value under key with the configured default TTL.
func (e *Engine) Set(ctx context.Context, key types.Key, value types.Value) error {
	return e.SetWithTTL(ctx, key, value, e.cfg.DefaultTTL)
}

// SetWithTTL stores value under key. ttl <= 0 means the entry never expires.
// The write is visible to Get as soon as SetWithTTL returns and becomes
// durable on the next successful flush of the key's shard.
func (e *Engine) SetWithTTL(ctx context.Context, key types.Key, value types.Value, ttl time.Duration) error {
	if err := e.enter(); err != nil {
		return err
	}
	e.stats.sets.Add(1)

	val := bytes.Clone(value)
	sh := e.router.Route(key)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = e.clock.Now().Add(ttl)
	}

	var putErr error
	sh.Submit(func() (writebuffer.Op, bool) {
		var ver types.Version
		ver, putErr = e.cache.Put(ctx, key, val, expiresAt, sh.ID())
		return writebuffer.Op{Key: key, Value: val, ExpiresAt: expiresAt, Version: ver}, true
	})

	if errors.Is(putErr, dberrors.ErrCapacityExhausted) {
		// the value is served from the write buffer until it is flushed
		e.stats.uncached.Add(1)
		slog.Debug("cache full of unflushed writes, value kept in write buffer", "key", key, "shard", sh.ID())
	}
	e.leave()

	e.watchers.notify(key, val, false)
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (e *Engine) Delete(ctx context.Context, key types.Key) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrTimeout, err)
	}
	if err := e.enter(); err != nil {
		return err
	}
	e.stats.deletes.Add(1)

	sh := e.router.Route(key)
	sh.Submit(func() (writebuffer.Op, bool) {
		ver := e.cache.Remove(key, sh.ID())
		return writebuffer.Op{Key: key, Delete: true, Version: ver}, true
	})
	e.leave()

	e.watchers.notify(key, nil, true)
	return nil
}

// GetMany returns the keys that exist. Keys that fail for reasons other than
// not existing are reported together in the error; the rest are still
// returned.
func (e *Engine) GetMany(ctx context.Context, keys []types.Key) (map[types.Key]types.Value, error) {
	out := make(map[types.Key]types.Value, len(keys))
	var errs []error
	for _, key := range keys {
		val, err := e.Get(ctx, key)
		switch {
		case err == nil:
			out[key] = val
		case errors.Is(err, dberrors.ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("get %q: %w", key, err))
		}
	}
	return out, errors.Join(errs...)
}

// GetAll returns every live key with its value. Shards that cannot be read
// are reported in the error; what could be read is still returned.
func (e *Engine) GetAll(ctx context.Context) (map[types.Key]types.Value, error) {
	keys, kerr := e.Keys(ctx)
	if kerr != nil && keys == nil {
		return nil, kerr
	}
	out, gerr := e.GetMany(ctx, keys)
	return out, errors.Join(kerr, gerr)
}

// SetMany stores every item with the default TTL.
func (e *Engine) SetMany(ctx context.Context, items map[types.Key]types.Value) error {
	for key, val := range items {
		if err := e.Set(ctx, key, val); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
	}
	return nil
}

func (e *Engine) DeleteMany(ctx context.Context, keys []types.Key) error {
	for _, key := range keys {
		if err := e.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}
	return nil
}

// Keys lists every live key in sorted order: persisted keys overlaid with
// buffered writes and deletes, plus cached keys, minus expired ones. An
// unavailable shard contributes only what is in memory and is reported in
// the error.
func (e *Engine) Keys(ctx context.Context) ([]types.Key, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()

	now := e.clock.Now()
	set := make(map[types.Key]struct{})
	var errs []error

	for _, sh := range e.router.Shards() {
		persisted, err := sh.Keys(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", sh.ID(), err))
		}
		for _, k := range persisted {
			set[k] = struct{}{}
		}
		for _, op := range sh.BufferedOps() {
			if op.Delete || op.ExpiredAt(now) {
				delete(set, op.Key)
				continue
			}
			set[op.Key] = struct{}{}
		}
	}

	for _, k := range e.cache.Keys() {
		set[k] = struct{}{}
	}
	for _, k := range e.cache.ExpiredKeys(now, 0) {
		delete(set, k)
	}

	keys := make([]types.Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, errors.Join(errs...)
}

// expire removes key if its cached entry has expired and buffers the
// matching durable delete.
func (e *Engine) expire(key types.Key, now time.Time) bool {
	sh := e.router.Route(key)

	expired := false
	sh.Submit(func() (writebuffer.Op, bool) {
		ver, ok := e.cache.Expire(key, now)
		if !ok {
			return writebuffer.Op{}, false
		}
		expired = true
		return writebuffer.Op{Key: key, Delete: true, Version: ver}, true
	})

	if expired {
		e.metrics.IncCounter(metrics.Expirations, nil, 1)
	}
	return expired
}

// expireBuffered buffers the delete of a write that expired before it left
// the write buffer, if seen is still the newest write to its key.
func (e *Engine) expireBuffered(sh *sharding.Shard, seen writebuffer.Op) bool {
	expired := false
	sh.Submit(func() (writebuffer.Op, bool) {
		cur, ok := sh.Lookup(seen.Key)
		if !ok || cur.Version != seen.Version {
			return writebuffer.Op{}, false
		}
		expired = true
		return writebuffer.Op{Key: seen.Key, Delete: true, Version: e.cache.Remove(seen.Key, sh.ID())}, true
	})

	if expired {
		e.metrics.IncCounter(metrics.Expirations, nil, 1)
	}
	return expired
}

// expireStored buffers the delete of an expired record read from the store,
// if nothing was written to the shard since epoch.
func (e *Engine) expireStored(sh *sharding.Shard, key types.Key, epoch uint64) bool {
	expired := false
	sh.Submit(func() (writebuffer.Op, bool) {
		if _, ok := sh.Lookup(key); ok || e.cache.Epoch(sh.ID()) != epoch {
			return writebuffer.Op{}, false
		}
		expired = true
		return writebuffer.Op{Key: key, Delete: true, Version: e.cache.Remove(key, sh.ID())}, true
	})

	if expired {
		e.metrics.IncCounter(metrics.Expirations, nil, 1)
	}
	return expired
}

// sweepExpire is expire for the background sweep, which may still be running
// while Close is in progress.
func (e *Engine) sweepExpire(key types.Key, now time.Time) bool {
	if e.enter() != nil {
		return false
	}
	defer e.leave()
	return e.expire(key, now)
}

// purgeExpired drops expired records from every open shard store.
func (e *Engine) purgeExpired(ctx context.Context, now time.Time) int {
	if e.enter() != nil {
		return 0
	}
	defer e.leave()

	total := 0
	for _, sh := range e.router.Shards() {
		if !sh.Available() {
			continue
		}
		n, err := sh.PurgeExpired(ctx, now)
		if err != nil {
			slog.Warn("purge of expired records failed", "shard", sh.ID(), "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		e.metrics.IncCounter(metrics.Expirations, nil, float64(total))
	}
	return total
}
