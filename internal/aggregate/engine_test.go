package aggregate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventhub/internal/aggregate"
	"github.com/gyaneshwarpardhi/eventhub/internal/cache"
	"github.com/gyaneshwarpardhi/eventhub/internal/event"
	"github.com/gyaneshwarpardhi/eventhub/internal/eventlog"
	"github.com/gyaneshwarpardhi/eventhub/internal/store"
)

var now = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func evAt(typ string, amount float64, ts time.Time) event.Event {
	return event.Event{UserID: "u1", EventType: typ, Amount: amount, Timestamp: ts}
}

// flakyStore fails SumByTypeSince while fail is set.
type flakyStore struct {
	*store.Memory
	fail atomic.Bool
}

func (f *flakyStore) SumByTypeSince(ctx context.Context, cutoff, asOf time.Time) (map[string]store.Aggregate, error) {
	if f.fail.Load() {
		return nil, &store.TransientError{Op: "sum", Err: errors.New("connection refused")}
	}
	return f.Memory.SumByTypeSince(ctx, cutoff, asOf)
}

func TestRecompute_WindowExcludesOlderEvents(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	_, err := st.Append(ctx, evAt("A", 10, now.Add(-30*time.Second)))
	require.NoError(t, err)
	_, err = st.Append(ctx, evAt("A", 5, now.Add(-90*time.Second)))
	require.NoError(t, err)

	c := cache.New()
	eng := aggregate.New(aggregate.Config{Window: time.Minute}, st, eventlog.NewMemory(0), c, aggregate.WithClock(clock))

	snap, err := eng.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]cache.Bucket{
		"A": {EventType: "A", Window: time.Minute, TotalAmount: 10, Count: 1, AsOf: now},
	}, snap.Buckets)

	got, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, snap, got)
	assert.Equal(t, aggregate.Idle, eng.State())
}

func TestRecompute_FailureKeepsPreviousSnapshot(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory()}
	_, err := st.Append(context.Background(), evAt("purchase", 7, now.Add(-time.Second)))
	require.NoError(t, err)

	c := cache.New()
	eng := aggregate.New(aggregate.Config{}, st, eventlog.NewMemory(0), c, aggregate.WithClock(clock))

	first, err := eng.Recompute(context.Background())
	require.NoError(t, err)

	st.fail.Store(true)
	_, err = eng.Recompute(context.Background())
	require.Error(t, err)
	var terr *store.TransientError
	assert.True(t, errors.As(err, &terr))

	got, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, first, got)
	assert.Contains(t, eng.Status().LastError, "connection refused")

	st.fail.Store(false)
	_, err = eng.Recompute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, eng.Status().LastError)
}

func TestRecompute_UsesReconfiguredWindow(t *testing.T) {
	st := store.NewMemory()
	_, err := st.Append(context.Background(), evAt("A", 5, now.Add(-90*time.Second)))
	require.NoError(t, err)

	eng := aggregate.New(aggregate.Config{Window: time.Minute}, st, eventlog.NewMemory(0), cache.New(), aggregate.WithClock(clock))
	snap, err := eng.Recompute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Buckets)

	eng.Reconfigure(2*time.Minute, 0)
	assert.Equal(t, 2*time.Minute, eng.Window())
	assert.Equal(t, 60*time.Second, eng.Interval())

	snap, err = eng.Recompute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Buckets["A"].Count)
	assert.Equal(t, 2*time.Minute, snap.Window)
}

func TestRun_StreamTallyIsNeverPublished(t *testing.T) {
	st := store.NewMemory()
	log := eventlog.NewMemory(0)
	defer log.Close()
	c := cache.New()

	// Durable store holds one purchase; the stream carries extra events that
	// were never persisted. Only the store is authoritative.
	_, err := st.Append(context.Background(), evAt("purchase", 10, time.Now().Add(-5*time.Second)))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := log.Publish(context.Background(), "events", evAt("purchase", 100, time.Now()))
		require.NoError(t, err)
	}

	eng := aggregate.New(aggregate.Config{
		Interval:     20 * time.Millisecond,
		BlockTimeout: 10 * time.Millisecond,
	}, st, log, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		totals, seen := eng.Tally().Snapshot()
		return seen == 3 && totals["purchase"].Total == 300
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s, ok := c.Get()
		return ok && s.Buckets["purchase"].Count == 1
	}, 2*time.Second, 5*time.Millisecond)
	s, _ := c.Get()
	assert.Equal(t, 10.0, s.Buckets["purchase"].TotalAmount)

	status := eng.Status()
	assert.Equal(t, uint64(3), status.Consumed)
	assert.NotEmpty(t, status.Cursor)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, aggregate.Stopped, eng.State())
}

func TestRun_RejectsSecondConcurrentRun(t *testing.T) {
	eng := aggregate.New(aggregate.Config{BlockTimeout: 10 * time.Millisecond}, store.NewMemory(), eventlog.NewMemory(0), cache.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = eng.Run(ctx) }()
	require.Eventually(t, func() bool { return eng.State() != aggregate.Idle }, time.Second, time.Millisecond)
	assert.Error(t, eng.Run(ctx))
}

func TestRun_StartFromTailSkipsHistory(t *testing.T) {
	log := eventlog.NewMemory(0)
	defer log.Close()
	_, err := log.Publish(context.Background(), "events", evAt("old", 1, now))
	require.NoError(t, err)

	eng := aggregate.New(aggregate.Config{
		StartFrom:    aggregate.FromTail,
		BlockTimeout: 10 * time.Millisecond,
	}, store.NewMemory(), log, cache.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	require.Eventually(t, func() bool { return eng.Status().Cursor != "" }, time.Second, time.Millisecond)
	_, err = log.Publish(context.Background(), "events", evAt("new", 2, now))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		totals, _ := eng.Tally().Snapshot()
		return totals["new"].Count == 1
	}, 2*time.Second, 5*time.Millisecond)
	totals, _ := eng.Tally().Snapshot()
	assert.NotContains(t, totals, "old")
}

// flakyReader fails the first n reads.
type flakyReader struct {
	eventlog.Log
	mu       sync.Mutex
	failures int
}

func (f *flakyReader) Read(ctx context.Context, stream string, from eventlog.SequenceID, max int, block time.Duration) ([]eventlog.Entry, eventlog.SequenceID, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, from, &eventlog.TransientError{Op: "read", Err: errors.New("broken pipe")}
	}
	f.mu.Unlock()
	return f.Log.Read(ctx, stream, from, max, block)
}

func TestRun_ConsumerRetriesTransientReadErrors(t *testing.T) {
	log := eventlog.NewMemory(0)
	defer log.Close()
	_, err := log.Publish(context.Background(), "events", evAt("purchase", 1, now))
	require.NoError(t, err)

	c := cache.New()
	eng := aggregate.New(aggregate.Config{
		Interval:     10 * time.Millisecond,
		BlockTimeout: 10 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
	}, store.NewMemory(), &flakyReader{Log: log, failures: 3}, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, seen := eng.Tally().Snapshot()
		return seen == 1
	}, 3*time.Second, 5*time.Millisecond)

	// The cadence loop kept publishing while the log was failing.
	_, ok := c.Get()
	assert.True(t, ok)
}

// countingReader counts Read calls.
type countingReader struct {
	aggregate.Reader
	reads atomic.Int64
}

func (c *countingReader) Read(ctx context.Context, stream string, from eventlog.SequenceID, max int, block time.Duration) ([]eventlog.Entry, eventlog.SequenceID, error) {
	c.reads.Add(1)
	return c.Reader.Read(ctx, stream, from, max, block)
}

func TestRun_ConsumerStepsOverTrailingForeignEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := eventlog.NewRedis(client, eventlog.RedisConfig{})
	defer log.Close()

	rawID, err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "events",
		Values: map[string]any{"note": "not an event"},
	}).Result()
	require.NoError(t, err)
	foreign, err := eventlog.ParseSequenceID(rawID)
	require.NoError(t, err)

	reader := &countingReader{Reader: log}
	eng := aggregate.New(aggregate.Config{
		Interval:     time.Hour,
		BlockTimeout: time.Second,
	}, store.NewMemory(), reader, cache.New())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return eng.Status().Cursor == foreign.Next().String()
	}, time.Second, 5*time.Millisecond)
	<-done

	// One read returns the foreign entry, the next blocks until shutdown.
	assert.LessOrEqual(t, reader.reads.Load(), int64(3))
	_, seen := eng.Tally().Snapshot()
	assert.Zero(t, seen)
}

// countingStore counts aggregation cycles.
type countingStore struct {
	*store.Memory
	cycles atomic.Int64
}

func (c *countingStore) SumByTypeSince(ctx context.Context, cutoff, asOf time.Time) (map[string]store.Aggregate, error) {
	c.cycles.Add(1)
	return c.Memory.SumByTypeSince(ctx, cutoff, asOf)
}

func TestRun_ReconfigureRestartsTicker(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	log := eventlog.NewMemory(0)
	defer log.Close()
	eng := aggregate.New(aggregate.Config{Interval: time.Hour, BlockTimeout: 10 * time.Millisecond}, st, log, cache.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	require.Eventually(t, func() bool { return st.cycles.Load() == 1 }, time.Second, 5*time.Millisecond)

	eng.Reconfigure(0, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return st.cycles.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, eng.Interval())
}

func TestParseStartFrom(t *testing.T) {
	for in, want := range map[string]aggregate.StartFrom{
		"":       aggregate.FromOrigin,
		"origin": aggregate.FromOrigin,
		"TAIL":   aggregate.FromTail,
	} {
		got, err := aggregate.ParseStartFrom(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := aggregate.ParseStartFrom("middle")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "consuming", aggregate.Consuming.String())
	assert.Equal(t, "publishing", aggregate.Publishing.String())
	assert.Equal(t, "state(42)", aggregate.State(42).String())
}
