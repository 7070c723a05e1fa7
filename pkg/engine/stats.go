package engine

import (
	"sync/atomic"

	"dblight/pkg/cache"
)

type counters struct {
	gets          atomic.Uint64
	sets          atomic.Uint64
	deletes       atomic.Uint64
	uncached      atomic.Uint64
	flushes       atomic.Uint64
	flushedOps    atomic.Uint64
	flushFailures atomic.Uint64
}

// Stats is a snapshot of engine activity since Open.
type Stats struct {
	Gets    uint64
	Sets    uint64
	Deletes uint64
	// Uncached counts writes kept only in the write buffer because the
	// cache was full of unflushed entries.
	Uncached      uint64
	Flushes       uint64
	FlushedOps    uint64
	FlushFailures uint64

	PendingOps        int
	UnavailableShards int
	Cache             cache.Stats
}

func (e *Engine) Stats() Stats {
	unavailable := 0
	for _, sh := range e.router.Shards() {
		if !sh.Available() {
			unavailable++
		}
	}

	return Stats{
		Gets:              e.stats.gets.Load(),
		Sets:              e.stats.sets.Load(),
		Deletes:           e.stats.deletes.Load(),
		Uncached:          e.stats.uncached.Load(),
		Flushes:           e.stats.flushes.Load(),
		FlushedOps:        e.stats.flushedOps.Load(),
		FlushFailures:     e.stats.flushFailures.Load(),
		PendingOps:        e.pendingOps(),
		UnavailableShards: unavailable,
		Cache:             e.cache.Stats(),
	}
}
