// Package store is the durable, authoritative persistence layer for normalized events.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
)

// Aggregate is the per-event-type total over a time range.
type Aggregate struct {
	Total float64 `json:"total_amount"`
	Count uint64  `json:"count"`
}

// Store persists events and answers time-range queries over them.
// Implementations must be safe for concurrent use without external locking.
type Store interface {
	// Append persists ev and returns the identifier assigned to it.
	Append(ctx context.Context, ev event.Event) (string, error)
	// RecentEvents returns at most limit events, newest timestamp first.
	RecentEvents(ctx context.Context, limit int) ([]event.Event, error)
	// SumByTypeSince totals events whose timestamp lies in [cutoff, asOf].
	SumByTypeSince(ctx context.Context, cutoff, asOf time.Time) (map[string]Aggregate, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// TransientError wraps a backend I/O failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}
