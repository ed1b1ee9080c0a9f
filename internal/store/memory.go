package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
)

// Memory is an in-process Store kept sorted by timestamp. It is meant for
// tests and single-node development runs.
type Memory struct {
	mu     sync.RWMutex
	events []event.Event // ascending by Timestamp, insertion order for ties
	closed bool
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Append implements Store.
func (m *Memory) Append(ctx context.Context, ev event.Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transient("append", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	ev = ev.WithID(uuid.New().String())
	i := sort.Search(len(m.events), func(i int) bool {
		return m.events[i].Timestamp.After(ev.Timestamp)
	})
	m.events = append(m.events, event.Event{})
	copy(m.events[i+1:], m.events[i:])
	m.events[i] = ev
	return ev.ID, nil
}

// RecentEvents implements Store.
func (m *Memory) RecentEvents(ctx context.Context, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient("recent", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]event.Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// SumByTypeSince implements Store.
func (m *Memory) SumByTypeSince(ctx context.Context, cutoff, asOf time.Time) (map[string]Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient("sum", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]Aggregate)
	start := sort.Search(len(m.events), func(i int) bool {
		return !m.events[i].Timestamp.Before(cutoff)
	})
	for _, ev := range m.events[start:] {
		if ev.Timestamp.After(asOf) {
			break
		}
		agg := out[ev.EventType]
		agg.Total += ev.Amount
		agg.Count++
		out[ev.EventType] = agg
	}
	return out, nil
}

// Ping implements Store.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Len returns the number of stored events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
