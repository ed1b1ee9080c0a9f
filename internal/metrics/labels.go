package metrics

import "sync"

// event_type is chosen by producers, so its label values are capped per
// process. Types first seen after the cap are reported as OtherEventType.
const (
	MaxEventTypeLabels = 100
	OtherEventType     = "_other"
)

var eventTypes = newLabelSet(MaxEventTypeLabels)

// EventTypeLabel returns the label value to use for typ.
func EventTypeLabel(typ string) string {
	return eventTypes.label(typ)
}

type labelSet struct {
	mu   sync.Mutex
	max  int
	seen map[string]struct{}
}

func newLabelSet(max int) *labelSet {
	return &labelSet{max: max, seen: make(map[string]struct{})}
}

func (l *labelSet) label(v string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[v]; ok {
		return v
	}
	if len(l.seen) >= l.max {
		return OtherEventType
	}
	l.seen[v] = struct{}{}
	return v
}
