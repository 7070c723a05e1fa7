package clock

import "sync/atomic"

// AtomicClock hands out write versions. Zero is never returned by Next,
// so a zero version can mean "no write yet".
type AtomicClock struct {
	v atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.v.Store(init)
	return &ac
}

// Val returns the last version handed out.
func (ac *AtomicClock) Val() uint64 {
	return ac.v.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.v.Add(1)
}
