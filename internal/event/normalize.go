package event

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"
)

// fractionRe matches the fractional-second part that follows a HH:MM:SS clock.
var fractionRe = regexp.MustCompile(`(\d{2}:\d{2}:\d{2})\.\d+`)

// timestampLayouts are tried in order after the fraction has been trimmed.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Normalize validates raw and returns the canonical Event using the current clock.
func Normalize(raw map[string]any) (Event, error) {
	return NormalizeAt(raw, time.Now())
}

// NormalizeAt is Normalize with an explicit normalization instant.
//
// user_id, event_type and amount are mandatory and fail with *ValidationError.
// timestamp never fails: a missing or unparseable value is replaced with now.
func NormalizeAt(raw map[string]any, now time.Time) (Event, error) {
	userID, err := requiredString(raw, "user_id")
	if err != nil {
		return Event{}, err
	}
	eventType, err := requiredString(raw, "event_type")
	if err != nil {
		return Event{}, err
	}
	amount, err := requiredAmount(raw)
	if err != nil {
		return Event{}, err
	}
	return Event{
		UserID:    userID,
		EventType: eventType,
		Amount:    amount,
		Timestamp: ParseTimestamp(raw["timestamp"], now),
	}, nil
}

func requiredString(raw map[string]any, field string) (string, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return "", &ValidationError{Field: field, Reason: "is required"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Field: field, Reason: "must be a string"}
	}
	if strings.TrimSpace(s) == "" {
		return "", &ValidationError{Field: field, Reason: "must not be empty"}
	}
	return s, nil
}

func requiredAmount(raw map[string]any) (float64, error) {
	v, ok := raw["amount"]
	if !ok || v == nil {
		return 0, &ValidationError{Field: "amount", Reason: "is required"}
	}
	f, ok := toFloat64(v)
	if !ok {
		return 0, &ValidationError{Field: "amount", Reason: "must be a number"}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ValidationError{Field: "amount", Reason: "must be finite"}
	}
	return f, nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ParseTimestamp converts an inbound timestamp value into a UTC instant
// truncated to whole seconds. It falls back to now for anything it cannot read.
func ParseTimestamp(v any, now time.Time) time.Time {
	fallback := now.UTC().Truncate(time.Second)
	switch ts := v.(type) {
	case time.Time:
		if ts.IsZero() {
			return fallback
		}
		return ts.UTC().Truncate(time.Second)
	case string:
		if t, ok := parseTimestampString(ts); ok {
			return t
		}
		return fallback
	default:
		secs, ok := toFloat64(v)
		if !ok || math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
			return fallback
		}
		return time.Unix(int64(secs), 0).UTC()
	}
}

func parseTimestampString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	// "2024-01-01 00:00:00" is common from SQL clients.
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	s = fractionRe.ReplaceAllString(s, "$1")
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second), true
		}
	}
	return time.Time{}, false
}
