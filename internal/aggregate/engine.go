// Package aggregate runs the streaming aggregation engine: it consumes the
// event log and periodically recomputes windowed per-type totals from the
// durable store, publishing them to the metrics cache.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gyaneshwarpardhi/eventhub/internal/cache"
	"github.com/gyaneshwarpardhi/eventhub/internal/eventlog"
	"github.com/gyaneshwarpardhi/eventhub/internal/metrics"
	"github.com/gyaneshwarpardhi/eventhub/internal/store"
	"github.com/gyaneshwarpardhi/eventhub/internal/telemetry"
)

// Summer is the slice of the durable store the engine depends on.
type Summer interface {
	SumByTypeSince(ctx context.Context, cutoff, asOf time.Time) (map[string]store.Aggregate, error)
}

// Reader is the slice of the event log the engine depends on.
type Reader interface {
	Read(ctx context.Context, stream string, from eventlog.SequenceID, max int, block time.Duration) ([]eventlog.Entry, eventlog.SequenceID, error)
	Tail(ctx context.Context, stream string) (eventlog.SequenceID, error)
}

// Config holds the engine's tunables.
type Config struct {
	Stream       string
	Window       time.Duration
	Interval     time.Duration
	StartFrom    StartFrom
	ReadCount    int
	BlockTimeout time.Duration
	StoreTimeout time.Duration
	// MaxBackoff caps the delay between failed log reads.
	MaxBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "events"
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.StartFrom == "" {
		c.StartFrom = FromOrigin
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 10
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// schedule is the hot-reloadable part of Config.
type schedule struct {
	window   time.Duration
	interval time.Duration
}

// Status is a point-in-time view of the engine for operators.
type Status struct {
	State         State                      `json:"state"`
	Stream        string                     `json:"stream"`
	Cursor        string                     `json:"cursor"`
	Window        string                     `json:"window"`
	Interval      string                     `json:"interval"`
	Consumed      uint64                     `json:"consumed"`
	StreamTally   map[string]store.Aggregate `json:"stream_tally"`
	LastCycleAt   time.Time                  `json:"last_cycle_at,omitzero"`
	LastSuccessAt time.Time                  `json:"last_success_at,omitzero"`
	LastError     string                     `json:"last_error,omitempty"`
}

// Engine is the single aggregation instance of a deployment.
type Engine struct {
	cfg   Config
	store Summer
	log   Reader
	cache *cache.Cache
	tally *Tally

	sched   atomic.Pointer[schedule]
	resched chan struct{}
	state   atomic.Int32
	running atomic.Bool
	now     func() time.Time

	mu            sync.Mutex
	cursor        eventlog.SequenceID
	cursorSet     bool
	lastCycleAt   time.Time
	lastSuccessAt time.Time
	lastErr       error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used to compute each snapshot's as-of time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine in the Idle state.
func New(cfg Config, st Summer, log Reader, c *cache.Cache, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		store:   st,
		log:     log,
		cache:   c,
		tally:   newTally(),
		now:     time.Now,
		resched: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sched.Store(&schedule{window: cfg.Window, interval: cfg.Interval})
	return e
}

// Reconfigure swaps the window and cadence. A running engine restarts its
// ticker at once; the new window applies from the next cycle. Non-positive
// values keep the current setting.
func (e *Engine) Reconfigure(window, interval time.Duration) {
	cur := e.sched.Load()
	next := *cur
	if window > 0 {
		next.window = window
	}
	if interval > 0 {
		next.interval = interval
	}
	e.sched.Store(&next)
	select {
	case e.resched <- struct{}{}:
	default:
	}
}

// Window returns the current aggregation window.
func (e *Engine) Window() time.Duration {
	return e.sched.Load().window
}

// Interval returns the current aggregation cadence.
func (e *Engine) Interval() time.Duration {
	return e.sched.Load().interval
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Run consumes the log and recomputes on the configured cadence until ctx
// is cancelled. An in-flight cycle is abandoned on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("aggregation engine already running")
	}
	defer e.running.Store(false)

	e.setState(Consuming)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consume(ctx)
	}()

	// Publish something readable right away instead of after a full interval.
	_, _ = e.Recompute(ctx)

	interval := e.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			e.setState(Stopped)
			slog.Info("aggregation engine stopped", "component", "aggregate")
			return nil
		case <-e.resched:
			if next := e.Interval(); next != interval {
				interval = next
				ticker.Reset(interval)
				slog.Info("aggregation cadence changed", "component", "aggregate", "interval", interval)
			}
		case <-ticker.C:
			_, _ = e.Recompute(ctx)
		}
	}
}

// Recompute runs one Aggregating → Publishing cycle against the durable
// store. On failure the previously published snapshot stays visible.
func (e *Engine) Recompute(ctx context.Context) (snap cache.Snapshot, err error) {
	sched := e.sched.Load()
	ctx, span := telemetry.Tracer().Start(ctx, "aggregate.recompute")
	defer func() { telemetry.EndSpan(span, err) }()

	e.setState(Aggregating)
	defer func() {
		if e.running.Load() {
			e.setState(Consuming)
		} else {
			e.setState(Idle)
		}
	}()

	asOf := e.now().UTC().Truncate(time.Second)
	span.SetAttributes(attribute.String("aggregate.window", sched.window.String()))

	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	sums, err := e.store.SumByTypeSince(storeCtx, asOf.Add(-sched.window), asOf)
	cancel()

	e.mu.Lock()
	e.lastCycleAt = asOf
	e.lastErr = err
	e.mu.Unlock()

	if err != nil {
		metrics.AggregationCycles.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			slog.Warn("aggregation cycle failed; keeping previous snapshot",
				"component", "aggregate", "err", err)
		}
		return cache.Snapshot{}, fmt.Errorf("recompute: %w", err)
	}

	e.setState(Publishing)
	buckets := make(map[string]cache.Bucket, len(sums))
	for typ, agg := range sums {
		buckets[typ] = cache.Bucket{
			EventType:   typ,
			Window:      sched.window,
			TotalAmount: agg.Total,
			Count:       agg.Count,
			AsOf:        asOf,
		}
	}
	snap = e.cache.Publish(ctx, cache.Snapshot{
		Buckets: buckets,
		Window:  sched.window,
		AsOf:    asOf,
	})

	e.mu.Lock()
	e.lastSuccessAt = snap.PublishedAt
	e.mu.Unlock()

	metrics.AggregationCycles.WithLabelValues("ok").Inc()
	metrics.SnapshotPublished.Set(float64(snap.PublishedAt.Unix()))
	slog.Debug("aggregated metrics published", "component", "aggregate", "types", len(buckets))
	return snap, nil
}

// consume follows the log with a volatile cursor, feeding the advisory tally.
func (e *Engine) consume(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = e.cfg.MaxBackoff

	cursor, ok := e.resolveStart(ctx, b)
	if !ok {
		return
	}
	b.Reset()
	slog.Info("aggregation consumer started", "component", "aggregate",
		"stream", e.cfg.Stream, "from", cursor.String(), "start_from", string(e.cfg.StartFrom))

	for ctx.Err() == nil {
		entries, next, err := e.log.Read(ctx, e.cfg.Stream, cursor, e.cfg.ReadCount, e.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.LogConsumeErrors.Inc()
			delay := nextDelay(b)
			slog.Warn("event log read failed; retrying", "component", "aggregate", "err", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		b.Reset()
		for _, entry := range entries {
			e.tally.Add(entry.Event)
			metrics.LogEntriesConsumed.Inc()
		}
		if next != cursor {
			cursor = next
			e.setCursor(cursor)
		}
	}
}

func (e *Engine) resolveStart(ctx context.Context, b *backoff.ExponentialBackOff) (eventlog.SequenceID, bool) {
	for {
		cursor := eventlog.Origin
		var err error
		if e.cfg.StartFrom == FromTail {
			cursor, err = e.log.Tail(ctx, e.cfg.Stream)
		}
		if err == nil {
			e.setCursor(cursor)
			return cursor, true
		}
		if ctx.Err() != nil {
			return eventlog.SequenceID{}, false
		}
		metrics.LogConsumeErrors.Inc()
		delay := nextDelay(b)
		slog.Warn("event log tail lookup failed; retrying", "component", "aggregate", "err", err, "retry_in", delay)
		if !sleep(ctx, delay) {
			return eventlog.SequenceID{}, false
		}
	}
}

func (e *Engine) setCursor(c eventlog.SequenceID) {
	e.mu.Lock()
	e.cursor = c
	e.cursorSet = true
	e.mu.Unlock()
}

// Tally exposes the advisory stream tally.
func (e *Engine) Tally() *Tally {
	return e.tally
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	sched := e.sched.Load()
	totals, seen := e.tally.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:         e.State(),
		Stream:        e.cfg.Stream,
		Window:        sched.window.String(),
		Interval:      sched.interval.String(),
		Consumed:      seen,
		StreamTally:   totals,
		LastCycleAt:   e.lastCycleAt,
		LastSuccessAt: e.lastSuccessAt,
	}
	if e.cursorSet {
		st.Cursor = e.cursor.String()
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

func nextDelay(b *backoff.ExponentialBackOff) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop {
		d = b.MaxInterval
	}
	return d
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
