// Package engine is the core service behind every adapter: it ingests raw
// events into the durable store and the event log, and answers queries for
// recent events, aggregated metrics and live subscriptions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gyaneshwarpardhi/eventhub/internal/cache"
	"github.com/gyaneshwarpardhi/eventhub/internal/event"
	"github.com/gyaneshwarpardhi/eventhub/internal/eventlog"
	"github.com/gyaneshwarpardhi/eventhub/internal/metrics"
	"github.com/gyaneshwarpardhi/eventhub/internal/store"
	"github.com/gyaneshwarpardhi/eventhub/internal/telemetry"
)

var (
	// ErrOverloaded is returned when the ingestion queue is full.
	ErrOverloaded = errors.New("ingestion queue full")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("engine is shutting down")
)

// MaxBatchSize bounds IngestBatch.
const MaxBatchSize = 100

// Config holds the engine's tunables. Zero values take defaults.
type Config struct {
	Stream         string
	Workers        int
	QueueDepth     int
	StoreTimeout   time.Duration
	AppendAttempts uint
	PublishTimeout time.Duration
	// Subscription reads.
	SubscribeBatch int
	SubscribeBlock time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "events"
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1000
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.AppendAttempts == 0 {
		c.AppendAttempts = 3
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.SubscribeBatch <= 0 {
		c.SubscribeBatch = 100
	}
	if c.SubscribeBlock <= 0 {
		c.SubscribeBlock = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
}

// Schedule reports the aggregation window and cadence currently in force.
type Schedule interface {
	Window() time.Duration
	Interval() time.Duration
}

// IngestResult is the outcome of one accepted event. StreamVisible is false
// when the event was stored durably but could not be published.
type IngestResult struct {
	EventID       string      `json:"event_id"`
	Sequence      string      `json:"sequence_id,omitempty"`
	StreamVisible bool        `json:"stream_visible"`
	PublishError  string      `json:"publish_error,omitempty"`
	Event         event.Event `json:"event"`
}

// BatchItem is the result for one element of a batch.
type BatchItem struct {
	Index  int           `json:"index"`
	Result *IngestResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
	err    error
}

// Err returns the underlying error of a failed item.
func (b BatchItem) Err() error { return b.err }

// BatchResult is the outcome of IngestBatch.
type BatchResult struct {
	BatchID string      `json:"batch_id"`
	Items   []BatchItem `json:"items"`
}

type ingestWork struct {
	ctx  context.Context
	ev   event.Event
	done chan ingestOutcome
}

type ingestOutcome struct {
	res IngestResult
	err error
}

// Engine is safe for concurrent use by any number of adapters.
type Engine struct {
	cfg   Config
	store store.Store
	log   eventlog.Log
	cache *cache.Cache
	sched Schedule
	pool  *workerPool[*ingestWork]
	now   func() time.Time
}

// New creates an Engine and starts its ingestion workers.
func New(cfg Config, st store.Store, log eventlog.Log, c *cache.Cache, sched Schedule) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:   cfg,
		store: st,
		log:   log,
		cache: c,
		sched: sched,
		now:   time.Now,
	}
	e.pool = newWorkerPool(cfg.Workers, cfg.QueueDepth, func(w *ingestWork) {
		res, err := e.ingest(w.ctx, w.ev)
		w.done <- ingestOutcome{res: res, err: err}
	})
	return e
}

// IngestEvent normalizes raw, stores it durably and publishes it to the
// event log. A *event.ValidationError is returned before anything is written.
// A publish failure does not undo the durable write; it is reported through
// the result instead.
func (e *Engine) IngestEvent(ctx context.Context, raw map[string]any) (res IngestResult, err error) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "engine.ingest")
	defer func() { telemetry.EndSpan(span, err) }()

	ev, err := event.NormalizeAt(raw, e.now())
	if err != nil {
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		return IngestResult{}, err
	}
	span.SetAttributes(telemetry.EventAttrs(ev.EventType, ev.UserID)...)

	// The write continues even if the caller goes away.
	w := &ingestWork{ctx: context.WithoutCancel(ctx), ev: ev, done: make(chan ingestOutcome, 1)}
	if !e.pool.Submit(w) {
		if e.closing() {
			return IngestResult{}, ErrShutdown
		}
		metrics.EventsRejected.WithLabelValues("overloaded").Inc()
		return IngestResult{}, fmt.Errorf("%w (capacity %d)", ErrOverloaded, e.pool.QueueCap())
	}
	metrics.QueueUtilization.Set(e.QueueUtilization())

	select {
	case out := <-w.done:
		metrics.IngestDuration.Observe(float64(time.Since(start).Milliseconds()))
		if out.err == nil {
			span.SetAttributes(
				attribute.String("event.id", out.res.EventID),
				attribute.Bool("event.stream_visible", out.res.StreamVisible),
			)
		}
		return out.res, out.err
	case <-ctx.Done():
		return IngestResult{}, ctx.Err()
	}
}

// IngestBatch ingests up to MaxBatchSize events in order. Failures are
// reported per item; only an oversized batch fails as a whole.
func (e *Engine) IngestBatch(ctx context.Context, raws []map[string]any) (BatchResult, error) {
	if len(raws) > MaxBatchSize {
		return BatchResult{}, &event.ValidationError{
			Field:  "events",
			Reason: fmt.Sprintf("batch of %d exceeds the limit of %d", len(raws), MaxBatchSize),
		}
	}
	out := BatchResult{BatchID: uuid.NewString(), Items: make([]BatchItem, 0, len(raws))}
	for i, raw := range raws {
		res, err := e.IngestEvent(ctx, raw)
		item := BatchItem{Index: i}
		if err != nil {
			item.Error = err.Error()
			item.err = err
		} else {
			item.Result = &res
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (e *Engine) ingest(ctx context.Context, ev event.Event) (IngestResult, error) {
	id, err := e.appendWithRetry(ctx, ev)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("append").Inc()
		slog.Error("durable write failed", "component", "engine", "event_type", ev.EventType, "err", err)
		return IngestResult{}, fmt.Errorf("store event: %w", err)
	}
	ev = ev.WithID(id)
	metrics.EventsIngested.WithLabelValues(metrics.EventTypeLabel(ev.EventType)).Inc()
	res := IngestResult{EventID: id, Event: ev}

	pubCtx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	seq, err := e.log.Publish(pubCtx, e.cfg.Stream, ev)
	cancel()
	if err != nil {
		metrics.PublishFailures.Inc()
		slog.Warn("event stored but not published", "component", "engine",
			"event_id", id, "stream", e.cfg.Stream, "err", err)
		res.PublishError = err.Error()
		return res, nil
	}
	res.Sequence = seq.String()
	res.StreamVisible = true
	return res, nil
}

// appendWithRetry retries transient store failures with exponential backoff.
func (e *Engine) appendWithRetry(ctx context.Context, ev event.Event) (string, error) {
	op := func() (string, error) {
		actx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		defer cancel()
		id, err := e.store.Append(actx, ev)
		if err == nil {
			return id, nil
		}
		var terr *store.TransientError
		if errors.As(err, &terr) {
			slog.Debug("transient append failure", "component", "engine", "err", err)
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.AppendAttempts),
		backoff.WithMaxElapsedTime(time.Duration(e.cfg.AppendAttempts)*e.cfg.StoreTimeout),
	)
}

// Ping checks the durable store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

func (e *Engine) closing() bool {
	e.pool.mu.RLock()
	defer e.pool.mu.RUnlock()
	return e.pool.closed
}

// Shutdown stops accepting events and waits for in-flight ingestion.
func (e *Engine) Shutdown() {
	e.pool.Drain()
	metrics.QueueUtilization.Set(0)
}
