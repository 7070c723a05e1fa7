package engine

import (
	"sync"

	"dblight/pkg/types"
)

// WatchFunc is called after a Set or Delete of a watched key. value is nil
// when deleted is true and must not be modified.
type WatchFunc func(key types.Key, value types.Value, deleted bool)

type watchers struct {
	mu    sync.RWMutex
	next  uint64
	byKey map[types.Key]map[uint64]WatchFunc
}

func newWatchers() *watchers {
	return &watchers{byKey: make(map[types.Key]map[uint64]WatchFunc)}
}

// Watch registers fn for changes to key and returns a function that
// unregisters it. Callbacks run on the writer's goroutine after the write is
// visible, without any engine lock held; concurrent writes to one key may be
// reported in either order. Expiry does not notify.
func (e *Engine) Watch(key types.Key, fn WatchFunc) (cancel func()) {
	w := e.watchers

	w.mu.Lock()
	id := w.next
	w.next++
	if w.byKey[key] == nil {
		w.byKey[key] = make(map[uint64]WatchFunc)
	}
	w.byKey[key][id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.byKey[key], id)
			if len(w.byKey[key]) == 0 {
				delete(w.byKey, key)
			}
		})
	}
}

func (w *watchers) notify(key types.Key, value types.Value, deleted bool) {
	w.mu.RLock()
	set := w.byKey[key]
	fns := make([]WatchFunc, 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	w.mu.RUnlock()

	for _, fn := range fns {
		fn(key, value, deleted)
	}
}
