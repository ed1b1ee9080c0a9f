package eventlog_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
	"github.com/gyaneshwarpardhi/eventhub/internal/eventlog"
)

const stream = "events"

func newRedisLog(t *testing.T) (*eventlog.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := eventlog.NewRedis(client, eventlog.RedisConfig{PublishTimeout: time.Second})
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func logs(t *testing.T) map[string]func(t *testing.T) eventlog.Log {
	t.Helper()
	return map[string]func(t *testing.T) eventlog.Log{
		"memory": func(t *testing.T) eventlog.Log {
			l := eventlog.NewMemory(0)
			t.Cleanup(func() { _ = l.Close() })
			return l
		},
		"redis": func(t *testing.T) eventlog.Log {
			l, _ := newRedisLog(t)
			return l
		},
	}
}

func sample(i int) event.Event {
	return event.Event{
		ID:        fmt.Sprintf("id-%d", i),
		UserID:    "u1",
		EventType: "purchase",
		Amount:    float64(i),
		Timestamp: time.Date(2024, 1, 1, 0, 0, i%60, 0, time.UTC),
	}
}

// drain reads everything currently in the stream starting at from.
func drain(t *testing.T, l eventlog.Log, from eventlog.SequenceID, batch int) ([]eventlog.Entry, eventlog.SequenceID) {
	t.Helper()
	var all []eventlog.Entry
	cursor := from
	for {
		entries, next, err := l.Read(context.Background(), stream, cursor, batch, 0)
		require.NoError(t, err)
		all = append(all, entries...)
		if next == cursor {
			return all, cursor
		}
		cursor = next
	}
}

func TestLog_SingleReaderSeesEveryEntryInOrder(t *testing.T) {
	for name, factory := range logs(t) {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			const producers, perProducer = 5, 40

			var wg sync.WaitGroup
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for i := 0; i < perProducer; i++ {
						_, err := l.Publish(context.Background(), stream, sample(p*perProducer+i))
						assert.NoError(t, err)
					}
				}(p)
			}
			wg.Wait()

			entries, _ := drain(t, l, eventlog.Origin, 7)
			require.Len(t, entries, producers*perProducer)
			seen := make(map[string]bool)
			for i := 1; i < len(entries); i++ {
				assert.True(t, entries[i-1].ID.Less(entries[i].ID), "ids must strictly increase at %d", i)
			}
			for _, e := range entries {
				assert.False(t, seen[e.Event.ID], "duplicate %s", e.Event.ID)
				seen[e.Event.ID] = true
			}
		})
	}
}

func TestLog_PublishedEventRoundTrips(t *testing.T) {
	for name, factory := range logs(t) {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			in := sample(7)
			in.Amount = -12.25

			id, err := l.Publish(context.Background(), stream, in)
			require.NoError(t, err)

			entries, _, err := l.Read(context.Background(), stream, id, 10, 0)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, id, entries[0].ID)
			assert.Equal(t, in, entries[0].Event)
		})
	}
}

func TestLog_ReadTimeoutReturnsEmpty(t *testing.T) {
	for name, factory := range logs(t) {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			start := time.Now()
			entries, _, err := l.Read(context.Background(), stream, eventlog.Origin, 10, 50*time.Millisecond)
			require.NoError(t, err)
			assert.Empty(t, entries)
			assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
		})
	}
}

func TestLog_BlockingReadWakesOnPublish(t *testing.T) {
	for name, factory := range logs(t) {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			tail, err := l.Tail(context.Background(), stream)
			require.NoError(t, err)

			got := make(chan []eventlog.Entry, 1)
			go func() {
				entries, _, err := l.Read(context.Background(), stream, tail, 10, 5*time.Second)
				assert.NoError(t, err)
				got <- entries
			}()

			time.Sleep(50 * time.Millisecond)
			_, err = l.Publish(context.Background(), stream, sample(1))
			require.NoError(t, err)

			select {
			case entries := <-got:
				require.Len(t, entries, 1)
				assert.Equal(t, "id-1", entries[0].Event.ID)
			case <-time.After(3 * time.Second):
				t.Fatal("blocked read did not wake up")
			}
		})
	}
}

func TestLog_IndependentReaders(t *testing.T) {
	for name, factory := range logs(t) {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			for i := 0; i < 10; i++ {
				_, err := l.Publish(context.Background(), stream, sample(i))
				require.NoError(t, err)
			}

			a, _ := drain(t, l, eventlog.Origin, 3)
			b, _ := drain(t, l, eventlog.Origin, 4)
			assert.Equal(t, a, b)
			assert.Len(t, a, 10)
		})
	}
}

func TestLog_TailSkipsHistory(t *testing.T) {
	for name, factory := range logs(t) {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			_, err := l.Publish(context.Background(), stream, sample(1))
			require.NoError(t, err)

			tail, err := l.Tail(context.Background(), stream)
			require.NoError(t, err)
			_, err = l.Publish(context.Background(), stream, sample(2))
			require.NoError(t, err)

			entries, _ := drain(t, l, tail, 10)
			require.Len(t, entries, 1)
			assert.Equal(t, "id-2", entries[0].Event.ID)
		})
	}
}

func TestLog_RestartedReaderRedeliversButNeverSkips(t *testing.T) {
	for name, factory := range logs(t) {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			for i := 0; i < 6; i++ {
				_, err := l.Publish(context.Background(), stream, sample(i))
				require.NoError(t, err)
			}

			first, _, err := l.Read(context.Background(), stream, eventlog.Origin, 4, 0)
			require.NoError(t, err)
			require.Len(t, first, 4)

			// The cursor was volatile: a restarted reader starts over.
			for i := 6; i < 8; i++ {
				_, err := l.Publish(context.Background(), stream, sample(i))
				require.NoError(t, err)
			}
			replay, _ := drain(t, l, eventlog.Origin, 5)
			require.Len(t, replay, 8)
			assert.Equal(t, first, replay[:4])
		})
	}
}

func TestLog_ReadHonoursContextCancel(t *testing.T) {
	for name, factory := range logs(t) {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			entries, _, err := l.Read(ctx, stream, eventlog.Origin, 10, 10*time.Second)
			assert.Empty(t, entries)
			assert.Error(t, err)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestMemory_MaxLenTrimsOldest(t *testing.T) {
	l := eventlog.NewMemory(3)
	defer l.Close()
	for i := 0; i < 5; i++ {
		_, err := l.Publish(context.Background(), stream, sample(i))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, l.Len(stream))

	entries, _ := drain(t, l, eventlog.Origin, 10)
	require.Len(t, entries, 3)
	assert.Equal(t, "id-2", entries[0].Event.ID)
}

func TestMemory_ClosedLog(t *testing.T) {
	l := eventlog.NewMemory(0)
	require.NoError(t, l.Close())

	_, err := l.Publish(context.Background(), stream, sample(1))
	var perr *eventlog.PublishError
	require.True(t, errors.As(err, &perr))
	assert.True(t, errors.Is(err, eventlog.ErrClosed))

	_, _, err = l.Read(context.Background(), stream, eventlog.Origin, 1, 0)
	var terr *eventlog.TransientError
	assert.True(t, errors.As(err, &terr))
}

func TestRedis_PublishFailsFastWhenServerDown(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	l := eventlog.NewRedis(client, eventlog.RedisConfig{PublishTimeout: time.Second})
	defer l.Close()

	start := time.Now()
	_, err := l.Publish(context.Background(), stream, sample(1))
	var perr *eventlog.PublishError
	require.True(t, errors.As(err, &perr))
	assert.Less(t, time.Since(start), 5*time.Second)

	_, _, err = l.Read(context.Background(), stream, eventlog.Origin, 1, 0)
	var terr *eventlog.TransientError
	assert.True(t, errors.As(err, &terr))
}

func TestRedis_DecodesForeignProducerEntries(t *testing.T) {
	l, mr := newRedisLog(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{
		"event_id":   "abc",
		"user_id":    "u9",
		"event_type": "refund",
		"amount":     "-4.5",
		"timestamp":  "2024-01-01T00:00:00.123456",
	}}).Err())
	rawID, err := client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{
		"note": "not an event",
	}}).Result()
	require.NoError(t, err)
	foreign, err := eventlog.ParseSequenceID(rawID)
	require.NoError(t, err)

	entries, next, err := l.Read(ctx, stream, eventlog.Origin, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	// The cursor moves past the foreign entry even though it is not returned.
	assert.Equal(t, foreign.Next(), next)
	assert.Equal(t, event.Event{
		ID:        "abc",
		UserID:    "u9",
		EventType: "refund",
		Amount:    -4.5,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}, entries[0].Event)

	entries, after, err := l.Read(ctx, stream, next, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, next, after)
}

func TestRedis_TrailingForeignEntryDoesNotPinReader(t *testing.T) {
	l, mr := newRedisLog(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	_, err := l.Publish(ctx, stream, sample(1))
	require.NoError(t, err)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{
		"note": "not an event",
	}}).Err())

	all, cursor := drain(t, l, eventlog.Origin, 1)
	require.Len(t, all, 1)
	tail, err := l.Tail(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, tail, cursor)
}

func TestRedis_MaxLenTrims(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := eventlog.NewRedis(client, eventlog.RedisConfig{KeyPrefix: "hub:", MaxLen: 2})
	defer l.Close()

	for i := 0; i < 5; i++ {
		_, err := l.Publish(context.Background(), stream, sample(i))
		require.NoError(t, err)
	}
	assert.True(t, mr.Exists("hub:events"))

	entries, _, err := l.Read(context.Background(), stream, eventlog.Origin, 10, 0)
	require.NoError(t, err)
	// Approximate trimming may keep more than MaxLen but never fewer.
	assert.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, "id-4", entries[len(entries)-1].Event.ID)
}

func TestSequenceID(t *testing.T) {
	id, err := eventlog.ParseSequenceID("1700000000000-3")
	require.NoError(t, err)
	assert.Equal(t, eventlog.SequenceID{Ms: 1700000000000, Seq: 3}, id)
	assert.Equal(t, "1700000000000-3", id.String())

	bare, err := eventlog.ParseSequenceID("42")
	require.NoError(t, err)
	assert.Equal(t, eventlog.SequenceID{Ms: 42}, bare)

	for _, bad := range []string{"", "x-1", "1-y", "-1"} {
		_, err := eventlog.ParseSequenceID(bad)
		assert.Error(t, err, bad)
	}

	assert.True(t, id.Less(id.Next()))
	assert.Equal(t, id, id.Next().Prev())
	assert.Equal(t, id, id.Prev().Next())
	assert.Equal(t, eventlog.Origin, eventlog.Origin.Prev())
	assert.True(t, eventlog.SequenceID{Ms: 5}.Prev().Less(eventlog.SequenceID{Ms: 5}))

	text, err := id.MarshalText()
	require.NoError(t, err)
	var back eventlog.SequenceID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)
}
