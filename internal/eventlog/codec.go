package eventlog

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
)

// Field names of a stream entry; shared with non-Go producers of the stream.
const (
	fieldEventID   = "event_id"
	fieldUserID    = "user_id"
	fieldEventType = "event_type"
	fieldAmount    = "amount"
	fieldTimestamp = "timestamp"
)

func encodeEvent(ev event.Event) map[string]any {
	return map[string]any{
		fieldEventID:   ev.ID,
		fieldUserID:    ev.UserID,
		fieldEventType: ev.EventType,
		fieldAmount:    strconv.FormatFloat(ev.Amount, 'f', -1, 64),
		fieldTimestamp: ev.Timestamp.UTC().Format(time.RFC3339),
	}
}

func decodeEvent(values map[string]any) (event.Event, error) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	ev := event.Event{
		ID:        str(fieldEventID),
		UserID:    str(fieldUserID),
		EventType: str(fieldEventType),
	}
	if ev.EventType == "" {
		return event.Event{}, fmt.Errorf("entry has no %s", fieldEventType)
	}
	amount, err := strconv.ParseFloat(str(fieldAmount), 64)
	if err != nil {
		return event.Event{}, fmt.Errorf("entry %s: %w", fieldAmount, err)
	}
	ev.Amount = amount
	// Producers may write fractional or offset timestamps; repair them the
	// same way ingestion does, falling back to the zero time.
	ev.Timestamp = event.ParseTimestamp(str(fieldTimestamp), time.Unix(0, 0))
	return ev, nil
}
