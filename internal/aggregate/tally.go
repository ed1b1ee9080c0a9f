package aggregate

import (
	"maps"
	"sync"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
	"github.com/gyaneshwarpardhi/eventhub/internal/metrics"
	"github.com/gyaneshwarpardhi/eventhub/internal/store"
)

// Tally is the running per-type total of events seen on the stream since
// the consumer started. It is a liveness signal only: it never feeds the
// published snapshot, which is recomputed from the durable store.
type Tally struct {
	mu     sync.Mutex
	totals map[string]store.Aggregate
	seen   uint64
}

func newTally() *Tally {
	return &Tally{totals: make(map[string]store.Aggregate)}
}

// Add counts ev.
func (t *Tally) Add(ev event.Event) {
	t.mu.Lock()
	agg := t.totals[ev.EventType]
	agg.Total += ev.Amount
	agg.Count++
	t.totals[ev.EventType] = agg
	t.seen++
	t.mu.Unlock()

	if label := metrics.EventTypeLabel(ev.EventType); label == metrics.OtherEventType {
		metrics.StreamTally.WithLabelValues(label).Add(ev.Amount)
	} else {
		metrics.StreamTally.WithLabelValues(label).Set(agg.Total)
	}
}

// Snapshot returns a copy of the totals and the number of entries seen.
func (t *Tally) Snapshot() (map[string]store.Aggregate, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.totals), t.seen
}
