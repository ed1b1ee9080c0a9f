package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
)

const defaultReadCount = 100

// Memory is an in-process Log. Ids follow the Redis scheme (wall-clock
// milliseconds plus a per-millisecond counter) so cursors are portable
// between implementations.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	maxLen  int
	closed  bool
	done    chan struct{}
	now     func() time.Time
}

type memStream struct {
	entries []Entry
	last    SequenceID
	// wake is closed and replaced on every append.
	wake chan struct{}
}

// NewMemory creates a Memory log. maxLen > 0 bounds each stream by
// discarding the oldest entries; 0 keeps everything.
func NewMemory(maxLen int) *Memory {
	return &Memory{
		streams: make(map[string]*memStream),
		maxLen:  maxLen,
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{wake: make(chan struct{})}
		m.streams[name] = s
	}
	return s
}

// Publish implements Log.
func (m *Memory) Publish(ctx context.Context, stream string, ev event.Event) (SequenceID, error) {
	if err := ctx.Err(); err != nil {
		return SequenceID{}, &PublishError{Stream: stream, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return SequenceID{}, &PublishError{Stream: stream, Err: ErrClosed}
	}

	s := m.stream(stream)
	id := SequenceID{Ms: uint64(m.now().UnixMilli())}
	if !s.last.Less(id) {
		id = s.last.Next()
	}
	s.entries = append(s.entries, Entry{ID: id, Event: ev})
	s.last = id
	if m.maxLen > 0 && len(s.entries) > m.maxLen {
		trimmed := make([]Entry, m.maxLen)
		copy(trimmed, s.entries[len(s.entries)-m.maxLen:])
		s.entries = trimmed
	}
	close(s.wake)
	s.wake = make(chan struct{})
	return id, nil
}

// Read implements Log.
func (m *Memory) Read(ctx context.Context, stream string, from SequenceID, max int, block time.Duration) ([]Entry, SequenceID, error) {
	if max <= 0 {
		max = defaultReadCount
	}
	var timer *time.Timer
	if block > 0 {
		timer = time.NewTimer(block)
		defer timer.Stop()
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, from, &TransientError{Op: "read", Err: ErrClosed}
		}
		s := m.stream(stream)
		i := sort.Search(len(s.entries), func(i int) bool {
			return !s.entries[i].ID.Less(from)
		})
		if i < len(s.entries) {
			n := min(len(s.entries)-i, max)
			out := make([]Entry, n)
			copy(out, s.entries[i:i+n])
			m.mu.Unlock()
			return out, out[n-1].ID.Next(), nil
		}
		wake := s.wake
		m.mu.Unlock()

		if timer == nil {
			return nil, from, nil
		}
		select {
		case <-wake:
		case <-timer.C:
			return nil, from, nil
		case <-ctx.Done():
			return nil, from, ctx.Err()
		case <-m.done:
			return nil, from, &TransientError{Op: "read", Err: ErrClosed}
		}
	}
}

// Tail implements Log.
func (m *Memory) Tail(ctx context.Context, stream string) (SequenceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return SequenceID{}, &TransientError{Op: "tail", Err: ErrClosed}
	}
	return m.stream(stream).last.Next(), nil
}

// Len returns the number of retained entries in stream.
func (m *Memory) Len(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stream(stream).entries)
}

// Close implements Log. Blocked readers return immediately.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
