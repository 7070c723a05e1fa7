package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"dblight/pkg/dberrors"
	"dblight/pkg/metrics"
	"dblight/pkg/sharding"
	"dblight/pkg/types"
	"dblight/pkg/writebuffer"

	"golang.org/x/sync/errgroup"
)

// FlushSummary collects the per-shard outcome of a Flush.
type FlushSummary struct {
	Shards []sharding.FlushResult
}

// Applied is the number of ops persisted across all shards.
func (s FlushSummary) Applied() int {
	n := 0
	for _, r := range s.Shards {
		n += r.Applied
	}
	return n
}

// Remaining lists, per failed shard, the keys that are still unpersisted.
func (s FlushSummary) Remaining() map[types.ShardID][]types.Key {
	out := make(map[types.ShardID][]types.Key)
	for _, r := range s.Shards {
		for _, f := range r.Failed {
			out[r.ShardID] = append(out[r.ShardID], f.Key)
		}
	}
	return out
}

// Flush persists every buffered write on all shards concurrently. A failing
// shard does not stop the others; their errors are joined under
// dberrors.ErrFlushFailure and the failed writes stay buffered for the next
// flush.
func (e *Engine) Flush(ctx context.Context) (FlushSummary, error) {
	if err := e.enter(); err != nil {
		return FlushSummary{}, err
	}
	defer e.leave()
	return e.flushAll(ctx)
}

func (e *Engine) flushAll(ctx context.Context) (FlushSummary, error) {
	shards := e.router.Shards()
	summary := FlushSummary{Shards: make([]sharding.FlushResult, len(shards))}

	var g errgroup.Group
	for i, sh := range shards {
		i, sh := i, sh
		g.Go(func() error {
			summary.Shards[i] = e.flushOne(ctx, sh)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range summary.Shards {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}

	e.metrics.SetGauge(metrics.PendingOps, nil, float64(e.pendingOps()))

	if len(errs) > 0 {
		return summary, fmt.Errorf("%w: %d of %d shards: %w",
			dberrors.ErrFlushFailure, len(errs), len(shards), errors.Join(errs...))
	}
	return summary, nil
}

// flushShard is the cache's fallback when every cached entry is dirty.
func (e *Engine) flushShard(ctx context.Context, id types.ShardID) error {
	sh, err := e.router.Shard(id)
	if err != nil {
		return err
	}
	return e.flushOne(ctx, sh).Err
}

func (e *Engine) flushOne(ctx context.Context, sh *sharding.Shard) sharding.FlushResult {
	start := time.Now()
	res := sh.Flush(ctx, func(op writebuffer.Op) {
		e.cache.MarkClean(op.Key, op.Version)
	})

	labels := shardLabel(sh.ID())
	e.stats.flushes.Add(1)
	e.stats.flushedOps.Add(uint64(res.Applied))
	e.metrics.IncCounter(metrics.FlushOps, labels, float64(res.Applied))
	e.metrics.ObserveHistogram(metrics.FlushSeconds, labels, time.Since(start).Seconds())

	if res.Err != nil {
		e.stats.flushFailures.Add(1)
		e.metrics.IncCounter(metrics.FlushFailures, labels, 1)
		if errors.Is(res.Err, dberrors.ErrStorageUnavailable) {
			e.metrics.IncCounter(metrics.ShardUnavailable, labels, 1)
		}
		slog.Warn("shard flush failed", "shard", sh.ID(), "applied", res.Applied, "failed", len(res.Failed), "error", res.Err)
	}
	return res
}

func (e *Engine) pendingOps() int {
	n := 0
	for _, sh := range e.router.Shards() {
		n += len(sh.Pending())
	}
	return n
}

func shardLabel(id types.ShardID) map[string]string {
	return map[string]string{"shard": strconv.Itoa(int(id))}
}
