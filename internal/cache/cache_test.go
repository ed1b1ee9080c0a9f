package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventhub/internal/cache"
)

func snapshot(gen int, types ...string) cache.Snapshot {
	s := cache.Snapshot{Buckets: map[string]cache.Bucket{}, Window: time.Minute}
	for _, typ := range types {
		s.Buckets[typ] = cache.Bucket{EventType: typ, Window: time.Minute, TotalAmount: float64(gen), Count: uint64(gen)}
	}
	return s
}

func TestCache_EmptyBeforeFirstPublish(t *testing.T) {
	c := cache.New()
	s, ok := c.Get()
	assert.False(t, ok)
	assert.NotNil(t, s.Buckets)
	assert.Empty(t, s.Buckets)
}

func TestCache_PublishStampsAndReturnsCopies(t *testing.T) {
	c := cache.New()
	published := c.Publish(context.Background(), snapshot(1, "purchase"))
	assert.False(t, published.PublishedAt.IsZero())

	got, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, published, got)

	// Mutating a returned copy must not leak into the cache.
	got.Buckets["purchase"] = cache.Bucket{Count: 999}
	again, _ := c.Get()
	assert.Equal(t, uint64(1), again.Buckets["purchase"].Count)
}

func TestCache_ReadersNeverSeeMixedSnapshots(t *testing.T) {
	c := cache.New()
	types := []string{"purchase", "return", "refund", "chargeback"}
	c.Publish(context.Background(), snapshot(0, types...))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				s, _ := c.Get()
				first := s.Buckets[types[0]].Count
				for _, typ := range types[1:] {
					if s.Buckets[typ].Count != first {
						t.Errorf("mixed snapshot: %s=%d vs %d", typ, s.Buckets[typ].Count, first)
						return
					}
				}
			}
		}()
	}
	for gen := 1; gen <= 2000; gen++ {
		c.Publish(context.Background(), snapshot(gen, types...))
	}
	cancel()
	wg.Wait()
}

type failingMirror struct{ calls int }

func (f *failingMirror) Mirror(context.Context, cache.Snapshot) error {
	f.calls++
	return errors.New("boom")
}

func TestCache_MirrorFailureDoesNotBlockPublish(t *testing.T) {
	m := &failingMirror{}
	c := cache.New(m)
	c.Publish(context.Background(), snapshot(3, "purchase"))

	assert.Equal(t, 1, m.calls)
	s, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, 3.0, s.Buckets["purchase"].TotalAmount)
}

func TestRedisMirror_WritesJSONDocument(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := cache.New(cache.NewRedisMirror(client, "", 0))
	at := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	s := snapshot(5, "purchase")
	s.PublishedAt = at
	c.Publish(context.Background(), s)

	raw, err := mr.Get(cache.DefaultMirrorKey)
	require.NoError(t, err)

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, map[string]any{
		"total_amount": 5.0,
		"count":        5.0,
		"timestamp":    at.Format(time.RFC3339),
	}, doc["purchase"])
}

func TestRedisMirror_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m := cache.NewRedisMirror(client, "metrics:snapshot", 2*time.Minute)
	require.NoError(t, m.Mirror(context.Background(), snapshot(1, "a")))
	assert.Equal(t, 2*time.Minute, mr.TTL("metrics:snapshot"))
}

func TestRedisMirror_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer client.Close()

	err := cache.NewRedisMirror(client, "", 0).Mirror(context.Background(), snapshot(1, "a"))
	assert.Error(t, err)
}
