// Package cache holds the last-known-good aggregated metrics snapshot.
package cache

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"
)

// Bucket is the recomputed total for one event type over a trailing window.
type Bucket struct {
	EventType   string        `json:"event_type"`
	Window      time.Duration `json:"-"`
	TotalAmount float64       `json:"total_amount"`
	Count       uint64        `json:"count"`
	AsOf        time.Time     `json:"as_of"`
}

// Snapshot is one published aggregation result. A Snapshot handed out by
// the cache is a private copy.
type Snapshot struct {
	Buckets     map[string]Bucket `json:"buckets"`
	Window      time.Duration     `json:"-"`
	AsOf        time.Time         `json:"as_of"`
	PublishedAt time.Time         `json:"published_at"`
}

func (s Snapshot) clone() Snapshot {
	s.Buckets = maps.Clone(s.Buckets)
	if s.Buckets == nil {
		s.Buckets = map[string]Bucket{}
	}
	return s
}

// Mirror receives every published snapshot, e.g. to share it with other processes.
type Mirror interface {
	Mirror(ctx context.Context, s Snapshot) error
}

// Cache is single-writer, multi-reader. Readers never block and never see
// a partially replaced snapshot.
type Cache struct {
	current atomic.Pointer[Snapshot]
	mirrors []Mirror
}

// New creates an empty Cache.
func New(mirrors ...Mirror) *Cache {
	return &Cache{mirrors: mirrors}
}

// Publish atomically replaces the visible snapshot, stamping PublishedAt
// if unset, then forwards it to the mirrors. Mirror errors are logged only.
func (c *Cache) Publish(ctx context.Context, s Snapshot) Snapshot {
	s = s.clone()
	if s.PublishedAt.IsZero() {
		s.PublishedAt = time.Now().UTC()
	}
	c.current.Store(&s)

	for _, m := range c.mirrors {
		if err := m.Mirror(ctx, s); err != nil {
			slog.Warn("metrics cache: mirror failed", "component", "cache", "err", err)
		}
	}
	return s
}

// Get returns a copy of the latest snapshot; ok is false before the first publish.
func (c *Cache) Get() (Snapshot, bool) {
	p := c.current.Load()
	if p == nil {
		return Snapshot{Buckets: map[string]Bucket{}}, false
	}
	return p.clone(), true
}
