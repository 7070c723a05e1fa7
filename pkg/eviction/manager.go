// Package eviction runs the active TTL sweep over the cache and, when given
// a purge hook, over the durable stores. Lazy expiration on read and
// capacity eviction on write live elsewhere.
package eviction

import (
	"context"
	"log/slog"
	"time"

	"dblight/pkg/clock"
	"dblight/pkg/listener"
	"dblight/pkg/types"
)

const defaultBatch = 1024

// Source yields keys whose TTL has passed.
type Source interface {
	ExpiredKeys(now time.Time, limit int) []types.Key
}

// ExpireFunc removes one expired key and reports whether it did.
type ExpireFunc func(key types.Key, now time.Time) bool

// PurgeFunc drops durable records expired at now and returns how many.
type PurgeFunc func(ctx context.Context, now time.Time) int

type Option func(*Manager)

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clk
	}
}

// WithBatch caps how many keys one sweep removes.
func WithBatch(n int) Option {
	return func(m *Manager) {
		m.batch = n
	}
}

// WithPurge also runs fn on every background sweep, for records that
// left the cache before they expired.
func WithPurge(fn PurgeFunc) Option {
	return func(m *Manager) {
		m.purge = fn
	}
}

type Manager struct {
	source   Source
	expire   ExpireFunc
	purge    PurgeFunc
	clock    clock.Clock
	interval time.Duration
	batch    int

	job *listener.Listener[time.Time]
}

// New builds a manager sweeping every interval. interval <= 0 disables the
// background loop; SweepNow still works.
func New(source Source, expire ExpireFunc, interval time.Duration, opts ...Option) *Manager {
	m := &Manager{
		source:   source,
		expire:   expire,
		clock:    clock.System(),
		interval: interval,
		batch:    defaultBatch,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 || m.job != nil {
		return
	}
	m.job = listener.Every("ttl-sweep", m.interval, func(time.Time) error {
		now := m.clock.Now()
		m.SweepNow(now)
		m.PurgeNow(ctx, now)
		return nil
	})
	m.job.Start(ctx)
	slog.Info("ttl sweep started", "interval", m.interval)
}

func (m *Manager) Stop() {
	if m.job == nil {
		return
	}
	m.job.Stop()
	slog.Info("ttl sweep stopped")
}

// SweepNow expires keys whose deadline is at or before now and returns how
// many were removed. Each key is handled on its own, so a sweep never holds
// the cache for longer than one removal.
func (m *Manager) SweepNow(now time.Time) int {
	removed := 0
	for _, key := range m.source.ExpiredKeys(now, m.batch) {
		if m.expire(key, now) {
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("ttl sweep", "removed", removed)
	}
	return removed
}

// PurgeNow runs the purge hook, if any, and returns how many durable records
// it dropped.
func (m *Manager) PurgeNow(ctx context.Context, now time.Time) int {
	if m.purge == nil {
		return 0
	}
	purged := m.purge(ctx, now)
	if purged > 0 {
		slog.Debug("ttl purge", "purged", purged)
	}
	return purged
}
