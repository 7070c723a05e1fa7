// Command benchmark runs a local read/write workload against a dblight
// engine and prints latency and cache statistics.
//
//	benchmark [config.yaml]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dblight/pkg/config"
	"dblight/pkg/dberrors"
	"dblight/pkg/engine"
	"dblight/pkg/metrics"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func main() {
	path := "dblight.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	initLogger(cfg.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewInMemory()
	db, err := engine.Open(cfg.Engine, engine.WithCollector(collector))
	if err != nil {
		slog.Error("failed to open engine", "error", err)
		os.Exit(1)
	}

	fmt.Println("=== dblight Benchmark ===")
	fmt.Printf("Storage: %s, shards: %d, cache: %d\n", cfg.Engine.StoragePath, cfg.Engine.ShardCount, cfg.Engine.CacheCapacity)
	fmt.Println()

	runs := []struct {
		name        string
		concurrency int
		op          func(ctx context.Context, worker, i int) error
	}{
		{"Sequential Writes", 1, writeOp(db, "seq")},
		{"Sequential Reads", 1, readOp(db, "seq")},
		{"Concurrent Writes", 10, writeOp(db, "conc")},
		{"Concurrent Reads", 10, readOp(db, "conc")},
		{"TTL Writes", 10, ttlOp(db)},
	}

	const totalOps = 10000
	for i, run := range runs {
		if ctx.Err() != nil {
			break
		}
		fmt.Printf("Test %d: %s (%d operations, %d goroutines)\n", i+1, run.name, totalOps, run.concurrency)
		printResult(benchmark(ctx, totalOps, run.concurrency, run.op))
		fmt.Println()
	}

	start := time.Now()
	summary, err := db.Flush(ctx)
	if err != nil {
		slog.Warn("flush incomplete", "remaining", summary.Remaining(), "error", err)
	}
	fmt.Printf("Flush: %d ops in %v\n", summary.Applied(), time.Since(start))

	printStats(db.Stats(), collector)

	if err := db.Close(); err != nil {
		slog.Error("close failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("\n=== Benchmark Complete ===")
}

func writeOp(db *engine.Engine, prefix string) func(context.Context, int, int) error {
	return func(ctx context.Context, worker, i int) error {
		key := fmt.Sprintf("%s_key_%d_%d", prefix, worker, i)
		value := fmt.Sprintf("%s_value_%d_%d_%d", prefix, worker, i, time.Now().UnixNano())
		return db.Set(ctx, key, []byte(value))
	}
}

func readOp(db *engine.Engine, prefix string) func(context.Context, int, int) error {
	return func(ctx context.Context, worker, i int) error {
		_, err := db.Get(ctx, fmt.Sprintf("%s_key_%d_%d", prefix, worker, i))
		return err
	}
}

func ttlOp(db *engine.Engine) func(context.Context, int, int) error {
	return func(ctx context.Context, worker, i int) error {
		key := fmt.Sprintf("ttl_key_%d_%d", worker, i)
		return db.SetWithTTL(ctx, key, []byte("short-lived"), time.Duration(1+i%5)*time.Second)
	}
}

func benchmark(ctx context.Context, totalOps, concurrency int, op func(context.Context, int, int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			ops := opsPerGoroutine
			if worker < remainder {
				ops++
			}

			for i := 0; i < ops; i++ {
				opStart := time.Now()
				err := op(ctx, worker, i)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
					if !errors.Is(err, dberrors.ErrNotFound) {
						slog.Debug("benchmark op failed", "worker", worker, "op", i, "error", err)
					}
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(w)
	}

	wg.Wait()
	duration := time.Since(start)

	var minLat, maxLat, sum time.Duration
	if len(latencies) > 0 {
		minLat, maxLat = latencies[0], latencies[0]
		for _, lat := range latencies {
			minLat = min(minLat, lat)
			maxLat = max(maxLat, lat)
			sum += lat
		}
	}

	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		MinLatency:    minLat,
		MaxLatency:    maxLat,
	}
	if len(latencies) > 0 {
		res.AvgLatency = sum / time.Duration(len(latencies))
	}
	if duration > 0 {
		res.OpsPerSec = float64(successful) / duration.Seconds()
	}
	return res
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}

func printStats(st engine.Stats, m *metrics.InMemory) {
	fmt.Println("\nEngine:")
	fmt.Printf("  Gets/Sets/Deletes: %d/%d/%d\n", st.Gets, st.Sets, st.Deletes)
	fmt.Printf("  Flushes: %d (%d ops, %d failures)\n", st.Flushes, st.FlushedOps, st.FlushFailures)
	fmt.Printf("  Pending ops: %d, unavailable shards: %d\n", st.PendingOps, st.UnavailableShards)
	fmt.Printf("  Writes kept only in buffer: %d\n", st.Uncached)

	c := st.Cache
	fmt.Println("Cache:")
	fmt.Printf("  Entries: %d/%d (%d dirty)\n", c.Len, c.Capacity, c.Dirty)
	fmt.Printf("  Hits/Misses: %d/%d\n", c.Hits, c.Misses)
	fmt.Printf("  Evictions: %d, expirations: %d, fallback flushes: %d\n", c.Evictions, c.Expirations, c.FallbackFlushes)

	if obs := len(m.Observations(metrics.FlushSeconds, map[string]string{"shard": "0"})); obs > 0 {
		fmt.Printf("  Shard 0 flushes observed: %d\n", obs)
	}
}
