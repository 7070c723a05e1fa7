package metrics

import "testing"

func TestInMemoryCollector(t *testing.T) {
	m := NewInMemory()

	m.IncCounter(FlushOps, map[string]string{"shard": "0"}, 2)
	m.IncCounter(FlushOps, map[string]string{"shard": "1"}, 3)
	m.IncCounter(FlushOps, map[string]string{"shard": "0"}, 1)
	m.SetGauge(PendingOps, nil, 7)
	m.ObserveHistogram(FlushSeconds, nil, 0.5)

	if got := m.Counter(FlushOps, map[string]string{"shard": "0"}); got != 3 {
		t.Fatalf("shard 0 counter: expected 3, got %v", got)
	}
	if got := m.CounterSum(FlushOps); got != 6 {
		t.Fatalf("counter sum: expected 6, got %v", got)
	}
	if got := m.Gauge(PendingOps, nil); got != 7 {
		t.Fatalf("gauge: expected 7, got %v", got)
	}
	if got := m.Observations(FlushSeconds, nil); len(got) != 1 || got[0] != 0.5 {
		t.Fatalf("unexpected observations %v", got)
	}
}

func TestSeriesKeySortsLabels(t *testing.T) {
	a := seriesKey("x", map[string]string{"b": "2", "a": "1"})
	if a != "x{a=1,b=2}" {
		t.Fatalf("unexpected series key %s", a)
	}
}
