package event

import (
	"fmt"
	"time"
)

// Event is the canonical, normalized business event.
// It is immutable once returned by Normalize; ID is assigned by the durable store.
type Event struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	EventType string    `json:"event_type"` // "purchase", "return", "refund", ...
	Amount    float64   `json:"amount"`     // negative for refunds
	Timestamp time.Time `json:"timestamp"`  // UTC, whole seconds
}

// WithID returns a copy of e carrying the given id.
func (e Event) WithID(id string) Event {
	e.ID = id
	return e
}

// ValidationError reports a missing or malformed required field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}
