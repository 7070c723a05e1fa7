package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Metric names reported by the engine.
const (
	CacheHits        = "dblight_cache_hits_total"
	CacheMisses      = "dblight_cache_misses_total"
	Expirations      = "dblight_expirations_total"
	FlushOps         = "dblight_flush_ops_total"
	FlushFailures    = "dblight_flush_failures_total"
	FlushSeconds     = "dblight_flush_duration_seconds"
	PendingOps       = "dblight_pending_ops"
	ShardUnavailable = "dblight_shard_unavailable_total"
)

type Noop struct{}

func (Noop) IncCounter(string, map[string]string, float64)       {}
func (Noop) SetGauge(string, map[string]string, float64)         {}
func (Noop) ObserveHistogram(string, map[string]string, float64) {}

// InMemory keeps every series in maps. Intended for tests and the benchmark
// tool's summary.
type InMemory struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewInMemory() *InMemory {
	return &InMemory{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (m *InMemory) IncCounter(name string, labels map[string]string, delta float64) {
	m.mu.Lock()
	m.counters[seriesKey(name, labels)] += delta
	m.mu.Unlock()
}

func (m *InMemory) SetGauge(name string, labels map[string]string, value float64) {
	m.mu.Lock()
	m.gauges[seriesKey(name, labels)] = value
	m.mu.Unlock()
}

func (m *InMemory) ObserveHistogram(name string, labels map[string]string, value float64) {
	m.mu.Lock()
	key := seriesKey(name, labels)
	m.histograms[key] = append(m.histograms[key], value)
	m.mu.Unlock()
}

func (m *InMemory) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

func (m *InMemory) Gauge(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[seriesKey(name, labels)]
}

// Observations returns a copy of the values recorded for a histogram series.
func (m *InMemory) Observations(name string, labels map[string]string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.histograms[seriesKey(name, labels)]...)
}

// CounterSum adds up a counter across all label sets.
func (m *InMemory) CounterSum(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum float64
	for k, v := range m.counters {
		if k == name || strings.HasPrefix(k, name+"{") {
			sum += v
		}
	}
	return sum
}

// seriesKey renders name{k1=v1,k2=v2} with labels sorted.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

var (
	_ Collector = Noop{}
	_ Collector = (*InMemory)(nil)
)
