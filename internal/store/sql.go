package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name   string
	schema []string
	// rebind rewrites '?' placeholders into the backend's syntax.
	rebind func(query string) string
}

// sqlStore implements Store over database/sql. Timestamps are stored as
// unix seconds so both backends share the same queries.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool

	insertQ string
	recentQ string
	sumQ    string
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s schema: %w", d.name, err)
		}
	}
	return &sqlStore{
		db:      db,
		dialect: d,
		insertQ: d.rebind(`INSERT INTO events (id, user_id, event_type, amount, ts) VALUES (?, ?, ?, ?, ?)`),
		recentQ: d.rebind(`SELECT id, user_id, event_type, amount, ts FROM events ORDER BY ts DESC, seq DESC LIMIT ?`),
		sumQ: d.rebind(`SELECT event_type, COALESCE(SUM(amount), 0), COUNT(*) FROM events
			WHERE ts >= ? AND ts <= ? GROUP BY event_type`),
	}, nil
}

// Append implements Store.
func (s *sqlStore) Append(ctx context.Context, ev event.Event) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, s.insertQ, id, ev.UserID, ev.EventType, ev.Amount, ev.Timestamp.Unix())
	if err != nil {
		return "", transient("append", err)
	}
	return id, nil
}

// RecentEvents implements Store.
func (s *sqlStore) RecentEvents(ctx context.Context, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.recentQ, limit)
	if err != nil {
		return nil, transient("recent", err)
	}
	defer rows.Close()

	out := make([]event.Event, 0, limit)
	for rows.Next() {
		var ev event.Event
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.EventType, &ev.Amount, &ts); err != nil {
			return nil, transient("recent scan", err)
		}
		ev.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("recent iterate", err)
	}
	return out, nil
}

// SumByTypeSince implements Store.
func (s *sqlStore) SumByTypeSince(ctx context.Context, cutoff, asOf time.Time) (map[string]Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.sumQ, cutoff.Unix(), asOf.Unix())
	if err != nil {
		return nil, transient("sum", err)
	}
	defer rows.Close()

	out := make(map[string]Aggregate)
	for rows.Next() {
		var typ string
		var agg Aggregate
		var count int64
		if err := rows.Scan(&typ, &agg.Total, &count); err != nil {
			return nil, transient("sum scan", err)
		}
		agg.Count = uint64(count)
		out[typ] = agg
	}
	if err := rows.Err(); err != nil {
		return nil, transient("sum iterate", err)
	}
	return out, nil
}

// Ping implements Store.
func (s *sqlStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.db.PingContext(ctx); err != nil {
		return transient("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// questionMarks leaves '?' placeholders untouched.
func questionMarks(q string) string { return q }

// dollarPlaceholders rewrites '?' into $1, $2, ...
func dollarPlaceholders(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
