package shardstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dblight/pkg/dberrors"
	"dblight/pkg/types"
)

var errStoreClosed = errors.New("memory store closed")

// MemoryStore is a map-backed Store. Data lives in the MemoryOpener that
// created it, so closing and reopening a shard keeps its contents the way
// reopening a file would. It can be told to fail, which is what tests use to
// simulate a shard whose disk went away.
type MemoryStore struct {
	disk   *memDisk
	closed atomic.Bool
}

type memDisk struct {
	mu          sync.RWMutex
	data        map[string]Record
	unavailable bool
	failKeys    map[string]struct{}
	syncs       int
}

func newMemDisk() *memDisk {
	return &memDisk{
		data:     make(map[string]Record),
		failKeys: make(map[string]struct{}),
	}
}

// NewMemoryStore returns a standalone store with its own empty disk.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disk: newMemDisk()}
}

func (m *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrTimeout, err)
	}
	if m.closed.Load() {
		return fmt.Errorf("%w: %w", dberrors.ErrStorageUnavailable, errStoreClosed)
	}
	return nil
}

// Get returns a copy of the stored record.
func (m *MemoryStore) Get(ctx context.Context, key types.Key) (Record, error) {
	if err := m.check(ctx); err != nil {
		return Record{}, err
	}

	m.disk.mu.RLock()
	defer m.disk.mu.RUnlock()

	if m.disk.unavailable {
		return Record{}, dberrors.ErrStorageUnavailable
	}
	rec, ok := m.disk.data[key]
	if !ok {
		return Record{}, dberrors.ErrNotFound
	}
	out := make([]byte, len(rec.Value))
	copy(out, rec.Value)
	return Record{Value: out, ExpiresAt: rec.ExpiresAt}, nil
}

func (m *MemoryStore) Put(ctx context.Context, key types.Key, rec Record) error {
	if err := m.check(ctx); err != nil {
		return err
	}

	m.disk.mu.Lock()
	defer m.disk.mu.Unlock()

	if err := m.disk.writeErr(key); err != nil {
		return err
	}
	stored := make([]byte, len(rec.Value))
	copy(stored, rec.Value)
	m.disk.data[key] = Record{Value: stored, ExpiresAt: rec.ExpiresAt}
	return nil
}

// Delete is idempotent.
func (m *MemoryStore) Delete(ctx context.Context, key types.Key) error {
	if err := m.check(ctx); err != nil {
		return err
	}

	m.disk.mu.Lock()
	defer m.disk.mu.Unlock()

	if err := m.disk.writeErr(key); err != nil {
		return err
	}
	delete(m.disk.data, key)
	return nil
}

func (m *MemoryStore) Sync(ctx context.Context) error {
	if err := m.check(ctx); err != nil {
		return err
	}

	m.disk.mu.Lock()
	defer m.disk.mu.Unlock()

	if m.disk.unavailable {
		return dberrors.ErrStorageUnavailable
	}
	m.disk.syncs++
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context, now time.Time) ([]types.Key, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	m.disk.mu.RLock()
	defer m.disk.mu.RUnlock()

	if m.disk.unavailable {
		return nil, dberrors.ErrStorageUnavailable
	}
	keys := make([]string, 0, len(m.disk.data))
	for k, rec := range m.disk.data {
		if !rec.ExpiredAt(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}

	m.disk.mu.Lock()
	defer m.disk.mu.Unlock()

	if m.disk.unavailable {
		return 0, dberrors.ErrStorageUnavailable
	}
	purged := 0
	for k, rec := range m.disk.data {
		if rec.ExpiredAt(now) {
			delete(m.disk.data, k)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	return nil
}

// SetUnavailable makes every operation fail with ErrStorageUnavailable until reset.
func (m *MemoryStore) SetUnavailable(v bool) {
	m.disk.mu.Lock()
	m.disk.unavailable = v
	m.disk.mu.Unlock()
}

// FailKey makes writes (puts and deletes) of key fail until ClearFailures.
func (m *MemoryStore) FailKey(key types.Key) {
	m.disk.mu.Lock()
	m.disk.failKeys[key] = struct{}{}
	m.disk.mu.Unlock()
}

func (m *MemoryStore) ClearFailures() {
	m.disk.mu.Lock()
	m.disk.failKeys = make(map[string]struct{})
	m.disk.unavailable = false
	m.disk.mu.Unlock()
}

// Syncs reports how many times Sync succeeded.
func (m *MemoryStore) Syncs() int {
	m.disk.mu.RLock()
	defer m.disk.mu.RUnlock()
	return m.disk.syncs
}

// Len reports the number of persisted keys.
func (m *MemoryStore) Len() int {
	m.disk.mu.RLock()
	defer m.disk.mu.RUnlock()
	return len(m.disk.data)
}

func (d *memDisk) writeErr(key string) error {
	if d.unavailable {
		return dberrors.ErrStorageUnavailable
	}
	if _, ok := d.failKeys[key]; ok {
		return fmt.Errorf("%w: write of %q rejected", dberrors.ErrStorageUnavailable, key)
	}
	return nil
}

// MemoryOpener hands out MemoryStores that remember their contents across
// Close/Open, one disk per shard id.
type MemoryOpener struct {
	mu       sync.Mutex
	disks    map[types.ShardID]*memDisk
	handles  map[types.ShardID]*MemoryStore
	openErrs map[types.ShardID]error
}

func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{
		disks:    make(map[types.ShardID]*memDisk),
		handles:  make(map[types.ShardID]*MemoryStore),
		openErrs: make(map[types.ShardID]error),
	}
}

func (o *MemoryOpener) Open(ctx context.Context, id types.ShardID) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrTimeout, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.openErrs[id]; err != nil {
		return nil, fmt.Errorf("%w: open shard %d: %w", dberrors.ErrStorageUnavailable, id, err)
	}

	disk, ok := o.disks[id]
	if !ok {
		disk = newMemDisk()
		o.disks[id] = disk
	}
	st := &MemoryStore{disk: disk}
	o.handles[id] = st
	return st, nil
}

// FailOpen makes the next Open calls for id fail with err; nil clears it.
func (o *MemoryOpener) FailOpen(id types.ShardID, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.openErrs, id)
		return
	}
	o.openErrs[id] = err
}

// Store returns the most recently opened handle for id, or nil.
func (o *MemoryOpener) Store(id types.ShardID) *MemoryStore {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handles[id]
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Scanner = (*MemoryStore)(nil)
	_ Purger  = (*MemoryStore)(nil)
	_ Opener  = (*MemoryOpener)(nil)
)
