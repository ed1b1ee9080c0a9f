package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gyaneshwarpardhi/eventhub/internal/cache"
	"github.com/gyaneshwarpardhi/eventhub/internal/event"
	"github.com/gyaneshwarpardhi/eventhub/internal/eventlog"
	"github.com/gyaneshwarpardhi/eventhub/internal/filter"
	"github.com/gyaneshwarpardhi/eventhub/internal/metrics"
	"github.com/gyaneshwarpardhi/eventhub/internal/store"
)

const (
	DefaultRecentLimit = 5
	MaxRecentLimit     = 1000
)

// Metrics is the answer to an aggregated metrics query.
type Metrics struct {
	Window      string                  `json:"window"`
	Buckets     map[string]cache.Bucket `json:"buckets"`
	AsOf        time.Time               `json:"as_of,omitzero"`
	PublishedAt time.Time               `json:"published_at,omitzero"`
	// Stale is set when no fresh snapshot backs the answer: none has been
	// published yet, the last one is older than two cycles, or an on-demand
	// query failed and the cached snapshot was served instead.
	Stale  bool   `json:"stale"`
	Source string `json:"source"`
}

// RecentEvents returns up to limit stored events, newest first. limit is
// clamped to [1, MaxRecentLimit].
func (e *Engine) RecentEvents(ctx context.Context, limit int) ([]event.Event, error) {
	limit = max(1, min(limit, MaxRecentLimit))
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	evs, err := e.store.RecentEvents(ctx, limit)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("recent").Inc()
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return evs, nil
}

// AggregatedMetrics serves the cached snapshot when window is zero or equals
// the configured window. Any other window is computed on demand from the
// store, falling back to the cached snapshot if the store is unavailable.
func (e *Engine) AggregatedMetrics(ctx context.Context, window time.Duration) (Metrics, error) {
	if window <= 0 || window == e.sched.Window() {
		return e.cached(), nil
	}

	asOf := e.now().UTC().Truncate(time.Second)
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	sums, err := e.store.SumByTypeSince(sctx, asOf.Add(-window), asOf)
	cancel()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("sum").Inc()
		if _, ok := e.cache.Get(); !ok {
			return Metrics{}, fmt.Errorf("aggregated metrics: %w", err)
		}
		slog.Warn("on-demand aggregation failed; serving cached snapshot",
			"component", "engine", "window", window, "err", err)
		m := e.cached()
		m.Stale = true
		return m, nil
	}

	return Metrics{
		Window:  window.String(),
		Buckets: bucketsFrom(sums, window, asOf),
		AsOf:    asOf,
		Source:  "store",
	}, nil
}

func (e *Engine) cached() Metrics {
	snap, ok := e.cache.Get()
	if !ok {
		return Metrics{
			Window:  e.sched.Window().String(),
			Buckets: map[string]cache.Bucket{},
			Stale:   true,
			Source:  "cache",
		}
	}
	return Metrics{
		Window:      snap.Window.String(),
		Buckets:     snap.Buckets,
		AsOf:        snap.AsOf,
		PublishedAt: snap.PublishedAt,
		Stale:       e.now().Sub(snap.PublishedAt) > 2*e.sched.Interval(),
		Source:      "cache",
	}
}

func bucketsFrom(sums map[string]store.Aggregate, window time.Duration, asOf time.Time) map[string]cache.Bucket {
	out := make(map[string]cache.Bucket, len(sums))
	for typ, agg := range sums {
		out[typ] = cache.Bucket{
			EventType:   typ,
			Window:      window,
			TotalAmount: agg.Total,
			Count:       agg.Count,
			AsOf:        asOf,
		}
	}
	return out
}

// StreamTail returns a cursor that yields only events published from now on.
func (e *Engine) StreamTail(ctx context.Context) (eventlog.SequenceID, error) {
	return e.log.Tail(ctx, e.cfg.Stream)
}

// SubscribeEvents returns an unbounded sequence of log entries starting at
// from (inclusive) that satisfy f. A nil filter matches everything. The
// sequence ends when ctx is cancelled or the consumer stops ranging; read
// errors are retried with backoff.
func (e *Engine) SubscribeEvents(ctx context.Context, from eventlog.SequenceID, f *filter.Filter) iter.Seq[eventlog.Entry] {
	return func(yield func(eventlog.Entry) bool) {
		metrics.ActiveSubscriptions.Inc()
		defer metrics.ActiveSubscriptions.Dec()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = e.cfg.MaxBackoff

		cursor := from
		for ctx.Err() == nil {
			entries, next, err := e.log.Read(ctx, e.cfg.Stream, cursor, e.cfg.SubscribeBatch, e.cfg.SubscribeBlock)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				delay := b.NextBackOff()
				if delay == backoff.Stop {
					delay = b.MaxInterval
				}
				slog.Warn("subscription read failed; retrying", "component", "engine",
					"cursor", cursor.String(), "err", err, "retry_in", delay)
				if !sleep(ctx, delay) {
					return
				}
				continue
			}
			b.Reset()
			cursor = next
			for _, entry := range entries {
				if !f.Match(entry.Event) {
					continue
				}
				if !yield(entry) {
					return
				}
			}
		}
	}
}

// sleep waits for d or until ctx is done; it reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
