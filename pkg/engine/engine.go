// Package engine is the public entry point of dblight: one logical keyspace
// backed by a bounded TTL cache in front of hash-sharded durable stores.
//
// Writes land in the cache as dirty entries and in the owning shard's write
// buffer; Flush (explicit, periodic, or forced by cache pressure) persists
// them. Reads go cache, then write buffer, then the shard store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dblight/pkg/cache"
	"dblight/pkg/clock"
	"dblight/pkg/config"
	"dblight/pkg/dberrors"
	"dblight/pkg/eviction"
	"dblight/pkg/listener"
	"dblight/pkg/metrics"
	"dblight/pkg/sharding"
	"dblight/pkg/shardstore"
	"dblight/pkg/types"
)

type options struct {
	opener    shardstore.Opener
	clock     clock.Clock
	collector metrics.Collector
	hasher    sharding.KeyHasher
}

type Option func(*options)

// WithOpener replaces the SQLite shard files with another backend.
func WithOpener(o shardstore.Opener) Option {
	return func(opts *options) {
		opts.opener = o
	}
}

// WithClock sets the time source used for TTLs.
func WithClock(c clock.Clock) Option {
	return func(opts *options) {
		opts.clock = c
	}
}

func WithCollector(c metrics.Collector) Option {
	return func(opts *options) {
		opts.collector = c
	}
}

func WithHasher(h sharding.KeyHasher) Option {
	return func(opts *options) {
		opts.hasher = h
	}
}

type Engine struct {
	cfg      config.EngineConfig
	clock    clock.Clock
	versions *clock.AtomicClock
	metrics  metrics.Collector

	cache    *cache.Cache
	router   *sharding.Router
	sweeper  *eviction.Manager
	watchers *watchers

	// life is held shared by every operation and exclusively by Close while
	// it marks the engine closed, so nothing is buffered after the final flush.
	life   sync.RWMutex
	closed atomic.Bool
	close  func()
	stats  counters
}

// Open validates cfg, opens every shard and starts the background flusher
// and TTL sweep. A shard whose store cannot be opened does not fail Open:
// it reports ErrStorageUnavailable on reads until a flush reopens it.
func Open(cfg config.EngineConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		opener:    shardstore.SQLiteOpener{Dir: cfg.StoragePath, Name: cfg.Name},
		clock:     clock.System(),
		collector: metrics.Noop{},
		hasher:    sharding.FNVHasher{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:      cfg,
		clock:    o.clock,
		versions: clock.NewAtomic(0),
		metrics:  o.collector,
		watchers: newWatchers(),
	}

	ctx, cancel := context.WithCancel(context.Background())

	router, err := sharding.NewRouter(ctx, cfg.ShardCount, o.opener, sharding.WithHasher(o.hasher))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open shards: %w", err)
	}
	e.router = router

	e.cache = cache.New(cfg.CacheCapacity, e.versions,
		cache.WithClock(o.clock),
		cache.WithFlushFunc(e.flushShard),
	)
	e.sweeper = eviction.New(e.cache, e.sweepExpire, cfg.SweepInterval,
		eviction.WithClock(o.clock),
		eviction.WithPurge(e.purgeExpired),
	)

	if cfg.Preload {
		e.preload(ctx)
	}

	e.sweeper.Start(ctx)

	var flusher *listener.Listener[time.Time]
	if cfg.FlushInterval > 0 {
		flusher = listener.Every("flush", cfg.FlushInterval, func(time.Time) error {
			_, err := e.Flush(ctx)
			return err
		})
		flusher.Start(ctx)
	}

	e.close = func() {
		if flusher != nil {
			flusher.Stop()
		}
		e.sweeper.Stop()
		cancel()
	}

	slog.Info("engine opened",
		"name", cfg.Name,
		"path", cfg.StoragePath,
		"shards", cfg.ShardCount,
		"cache_capacity", cfg.CacheCapacity,
		"flush_interval", cfg.FlushInterval,
	)

	return e, nil
}

// Close stops background work, flushes what is buffered and closes every
// shard. Writes a final flush could not persist are lost and reported in the
// returned error. Close is idempotent.
func (e *Engine) Close() error {
	e.life.Lock()
	if e.closed.Load() {
		e.life.Unlock()
		return nil
	}
	e.closed.Store(true)
	e.life.Unlock()

	e.close()

	var errs []error
	summary, err := e.flushAll(context.Background())
	if err != nil {
		slog.Error("final flush incomplete", "remaining", summary.Remaining(), "error", err)
		errs = append(errs, err)
	}
	if err := e.router.Close(); err != nil {
		errs = append(errs, err)
	}

	slog.Info("engine closed", "name", e.cfg.Name)
	return errors.Join(errs...)
}

// enter admits an operation unless the engine is closed. Every successful
// enter must be paired with leave.
func (e *Engine) enter() error {
	e.life.RLock()
	if e.closed.Load() {
		e.life.RUnlock()
		return dberrors.ErrClosed
	}
	return nil
}

func (e *Engine) leave() {
	e.life.RUnlock()
}

// ShardFor reports which shard owns key.
func (e *Engine) ShardFor(key types.Key) types.ShardID {
	return e.router.ShardFor(key)
}

// Pending lists, per shard, keys written but not yet persisted.
func (e *Engine) Pending() map[types.ShardID][]types.Key {
	out := make(map[types.ShardID][]types.Key)
	for _, sh := range e.router.Shards() {
		if keys := sh.Pending(); len(keys) > 0 {
			out[sh.ID()] = keys
		}
	}
	return out
}

// preload warms the cache from disk until it is full.
func (e *Engine) preload(ctx context.Context) {
	capacity := e.cache.Capacity()
	if capacity == 0 {
		return
	}

	loaded := 0
	now := e.clock.Now()
	for _, sh := range e.router.Shards() {
		keys, err := sh.Keys(ctx, now)
		if err != nil {
			slog.Warn("preload skipped shard", "shard", sh.ID(), "error", err)
			continue
		}
		for _, key := range keys {
			if e.cache.Len() >= capacity {
				slog.Info("preload finished", "loaded", loaded, "reason", "cache full")
				return
			}
			epoch := e.cache.Epoch(sh.ID())
			err := sh.ReadThen(ctx, key, func(rec shardstore.Record) {
				if e.cache.Load(key, rec.Value, rec.ExpiresAt, sh.ID(), epoch) {
					loaded++
				}
			})
			if err != nil && !errors.Is(err, dberrors.ErrNotFound) {
				slog.Warn("preload read failed", "shard", sh.ID(), "key", key, "error", err)
			}
		}
	}
	slog.Info("preload finished", "loaded", loaded)
}
