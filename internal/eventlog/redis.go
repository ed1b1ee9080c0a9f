package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
)

// RedisConfig configures the Redis Streams log.
type RedisConfig struct {
	// KeyPrefix is prepended to stream names to build Redis keys.
	KeyPrefix string
	// MaxLen caps each stream with approximate trimming; 0 disables trimming.
	MaxLen int64
	// PublishTimeout bounds every XADD.
	PublishTimeout time.Duration
}

// Redis is a Log backed by Redis Streams (XADD / XREAD).
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedis wraps an existing client. The caller keeps ownership of the
// client unless Close is called.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) key(stream string) string {
	return r.cfg.KeyPrefix + stream
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Publish implements Log.
func (r *Redis) Publish(ctx context.Context, stream string, ev event.Event) (SequenceID, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: r.key(stream),
		Values: encodeEvent(ev),
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}
	raw, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return SequenceID{}, &PublishError{Stream: stream, Err: err}
	}
	id, err := ParseSequenceID(raw)
	if err != nil {
		return SequenceID{}, &PublishError{Stream: stream, Err: err}
	}
	return id, nil
}

// Read implements Log. Entries that are not events (another producer
// sharing the key, a corrupt body) are logged and stepped over; next still
// advances past them so a foreign entry at the tail cannot pin a reader.
//
// go-redis does not interrupt a blocked XREAD when ctx is cancelled, so a
// cancelled reader keeps its pooled connection for up to block.
func (r *Redis) Read(ctx context.Context, stream string, from SequenceID, max int, block time.Duration) ([]Entry, SequenceID, error) {
	if max <= 0 {
		max = defaultReadCount
	}
	// XREAD is exclusive of the id it is given; step back one to include from.
	args := &redis.XReadArgs{
		Streams: []string{r.key(stream), from.Prev().String()},
		Count:   int64(max),
		Block:   -1,
	}
	if block > 0 {
		args.Block = block
	}

	res, err := r.client.XRead(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, from, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, from, ctxErr
		}
		return nil, from, &TransientError{Op: "read", Err: err}
	}

	var out []Entry
	next := from
	for _, xs := range res {
		for _, msg := range xs.Messages {
			id, err := ParseSequenceID(msg.ID)
			if err != nil {
				// Without a position there is no way past it.
				return out, next, &TransientError{Op: "read", Err: err}
			}
			next = id.Next()
			ev, err := decodeEvent(msg.Values)
			if err != nil {
				slog.Warn("event log: skipping undecodable entry", "stream", stream, "id", msg.ID, "err", err)
				continue
			}
			out = append(out, Entry{ID: id, Event: ev})
		}
	}
	return out, next, nil
}

// Tail implements Log.
func (r *Redis) Tail(ctx context.Context, stream string) (SequenceID, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.key(stream), "+", "-", 1).Result()
	if err != nil {
		return SequenceID{}, &TransientError{Op: "tail", Err: err}
	}
	if len(msgs) == 0 {
		return Origin, nil
	}
	last, err := ParseSequenceID(msgs[0].ID)
	if err != nil {
		return SequenceID{}, &TransientError{Op: "tail", Err: err}
	}
	return last.Next(), nil
}

// Close implements Log and closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
