// Package writebuffer holds a shard's not-yet-persisted writes.
//
// Ops are coalesced by key: the buffer keeps at most one pending op per key,
// the one with the highest version. A flush drains pending ops into an
// in-flight set which stays visible to readers until the flush settles.
package writebuffer

import (
	"sync"
	"sync/atomic"
	"time"

	"dblight/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// Op is a buffered put or delete. A put carries the deadline it was written
// with; zero ExpiresAt never expires.
type Op struct {
	Key       types.Key
	Value     types.Value
	ExpiresAt time.Time
	Delete    bool
	Version   types.Version
}

// ExpiredAt reports whether op is a put whose deadline has passed at now.
func (op Op) ExpiredAt(now time.Time) bool {
	return !op.Delete && !op.ExpiresAt.IsZero() && !now.Before(op.ExpiresAt)
}

type opSet = skipmap.FuncMap[string, Op]

func newOpSet() *opSet {
	return skipmap.NewFunc[string, Op](func(a, b string) bool {
		return a < b
	})
}

// Buffer is safe for concurrent use. Lookup never blocks; Enqueue, Drain
// and Settle serialize on an internal mutex.
type Buffer struct {
	mu       sync.Mutex
	pending  atomic.Pointer[opSet]
	inflight atomic.Pointer[opSet]
}

func New() *Buffer {
	b := &Buffer{}
	b.pending.Store(newOpSet())
	b.inflight.Store(newOpSet())
	return b
}

// Enqueue records op unless the buffer already holds an op for the same key
// with an equal or higher version. It reports whether op was kept.
func (b *Buffer) Enqueue(op Op) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.pending.Load()
	if cur, ok := pending.Load(op.Key); ok && cur.Version >= op.Version {
		return false
	}
	if cur, ok := b.inflight.Load().Load(op.Key); ok && cur.Version >= op.Version {
		return false
	}
	pending.Store(op.Key, op)
	return true
}

// Lookup returns the newest buffered op for key: pending first, then the
// batch currently being flushed.
func (b *Buffer) Lookup(key types.Key) (Op, bool) {
	if op, ok := b.pending.Load().Load(key); ok {
		return op, true
	}
	return b.inflight.Load().Load(key)
}

// Drain moves every pending op into the in-flight set and returns them in
// key order. The caller must Settle before the next Drain.
func (b *Buffer) Drain() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.pending.Load()
	// readers must never see a key missing from both sets
	b.inflight.Store(batch)
	b.pending.Store(newOpSet())

	ops := make([]Op, 0, batch.Len())
	batch.Range(func(_ string, op Op) bool {
		ops = append(ops, op)
		return true
	})
	return ops
}

// Settle finishes the current in-flight batch. Failed ops go back to pending
// unless a newer op for the same key arrived meanwhile.
func (b *Buffer) Settle(failed []Op) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.pending.Load()
	for _, op := range failed {
		if cur, ok := pending.Load(op.Key); ok && cur.Version >= op.Version {
			continue
		}
		pending.Store(op.Key, op)
	}
	b.inflight.Store(newOpSet())
}

// Len is the number of pending ops.
func (b *Buffer) Len() int {
	return b.pending.Load().Len()
}

// InFlight is the number of ops in the batch being flushed.
func (b *Buffer) InFlight() int {
	return b.inflight.Load().Len()
}

// PendingKeys lists keys with a pending op, in key order.
func (b *Buffer) PendingKeys() []types.Key {
	pending := b.pending.Load()
	keys := make([]types.Key, 0, pending.Len())
	pending.Range(func(k string, _ Op) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Ops returns a snapshot of every buffered op, pending taking precedence over
// in-flight, in key order.
func (b *Buffer) Ops() []Op {
	merged := newOpSet()
	b.inflight.Load().Range(func(k string, op Op) bool {
		merged.Store(k, op)
		return true
	})
	b.pending.Load().Range(func(k string, op Op) bool {
		merged.Store(k, op)
		return true
	})

	ops := make([]Op, 0, merged.Len())
	merged.Range(func(_ string, op Op) bool {
		ops = append(ops, op)
		return true
	})
	return ops
}
