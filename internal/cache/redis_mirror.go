package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultMirrorKey is where other processes expect the aggregated snapshot.
const DefaultMirrorKey = "aggregated_metrics"

// RedisMirror stores each published snapshot as a JSON document under a
// single Redis key, keyed by event type.
type RedisMirror struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisMirror returns a mirror writing to key; ttl 0 means no expiry.
func NewRedisMirror(client redis.UniversalClient, key string, ttl time.Duration) *RedisMirror {
	if key == "" {
		key = DefaultMirrorKey
	}
	return &RedisMirror{client: client, key: key, ttl: ttl}
}

type mirroredBucket struct {
	TotalAmount float64 `json:"total_amount"`
	Count       uint64  `json:"count"`
	Timestamp   string  `json:"timestamp"`
}

// Mirror implements Mirror.
func (m *RedisMirror) Mirror(ctx context.Context, s Snapshot) error {
	doc := make(map[string]mirroredBucket, len(s.Buckets))
	for typ, b := range s.Buckets {
		doc[typ] = mirroredBucket{
			TotalAmount: b.TotalAmount,
			Count:       b.Count,
			Timestamp:   s.PublishedAt.UTC().Format(time.RFC3339),
		}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := m.client.Set(ctx, m.key, payload, m.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", m.key, err)
	}
	return nil
}
