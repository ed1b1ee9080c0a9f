package event_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

func raw(kv ...any) map[string]any {
	m := map[string]any{
		"user_id":    "u1",
		"event_type": "purchase",
		"amount":     100.5,
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key := kv[i].(string)
		if kv[i+1] == nil {
			delete(m, key)
			continue
		}
		m[key] = kv[i+1]
	}
	return m
}

func TestNormalize_TruncatesFractionalSeconds(t *testing.T) {
	ev, err := event.NormalizeAt(raw("timestamp", "2024-01-01T00:00:00.123456Z"), fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "purchase", ev.EventType)
	assert.Equal(t, 100.5, ev.Amount)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Empty(t, ev.ID)
}

func TestNormalize_TimestampForms(t *testing.T) {
	want := time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC)
	cases := []struct {
		name string
		ts   any
		want time.Time
	}{
		{"rfc3339", "2024-06-01T12:30:45Z", want},
		{"no zone", "2024-06-01T12:30:45", want},
		{"nano digits", "2024-06-01T12:30:45.123456789Z", want},
		{"too many digits", "2024-06-01T12:30:45.1234567890123Z", want},
		{"offset", "2024-06-01T15:30:45+03:00", want},
		{"offset with fraction", "2024-06-01T15:30:45.5+03:00", want},
		{"compact offset", "2024-06-01T15:30:45+0300", want},
		{"truncated offset", "2024-06-01T15:30:45+03", want},
		{"space separator", "2024-06-01 12:30:45", want},
		{"missing seconds", "2024-06-01T12:30", want.Truncate(time.Minute)},
		{"date only", "2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{"time.Time", want.Add(250 * time.Millisecond), want},
		{"unix seconds", float64(want.Unix()), want},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := event.NormalizeAt(raw("timestamp", tc.ts), fixedNow)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Timestamp)
		})
	}
}

func TestNormalize_MalformedTimestampFallsBackToNow(t *testing.T) {
	cases := []struct {
		name string
		ts   any
	}{
		{"missing", nil},
		{"empty", ""},
		{"garbage", "yesterday-ish"},
		{"bad month", "2024-13-01T00:00:00Z"},
		{"wrong type", true},
		{"negative unix", float64(-5)},
		{"nested", map[string]any{"at": "2024-01-01"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := event.NormalizeAt(raw("timestamp", tc.ts), fixedNow)
			require.NoError(t, err)
			assert.Equal(t, fixedNow.Truncate(time.Second), ev.Timestamp)
		})
	}
}

func TestNormalize_WallClockFallback(t *testing.T) {
	before := time.Now().UTC().Truncate(time.Second)
	ev, err := event.Normalize(raw("timestamp", "not-a-time"))
	require.NoError(t, err)
	after := time.Now().UTC()

	assert.False(t, ev.Timestamp.Before(before))
	assert.False(t, ev.Timestamp.After(after))
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
}

func TestNormalize_RequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		in    map[string]any
		field string
	}{
		{"missing event_type", raw("event_type", nil), "event_type"},
		{"empty event_type", raw("event_type", "  "), "event_type"},
		{"numeric event_type", raw("event_type", 42.0), "event_type"},
		{"missing user_id", raw("user_id", nil), "user_id"},
		{"missing amount", raw("amount", nil), "amount"},
		{"string amount", raw("amount", "100"), "amount"},
		{"bool amount", raw("amount", true), "amount"},
		{"nan amount", raw("amount", math.NaN()), "amount"},
		{"inf amount", raw("amount", math.Inf(1)), "amount"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := event.NormalizeAt(tc.in, fixedNow)
			require.Error(t, err)

			var verr *event.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestNormalize_AmountKinds(t *testing.T) {
	cases := []struct {
		name   string
		amount any
		want   float64
	}{
		{"negative refund", -25.0, -25},
		{"int", 7, 7},
		{"int64", int64(9), 9},
		{"json number", json.Number("12.75"), 12.75},
		{"zero", 0.0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := event.NormalizeAt(raw("amount", tc.amount), fixedNow)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Amount)
		})
	}
}

func TestNormalize_OpenEventTypes(t *testing.T) {
	ev, err := event.NormalizeAt(raw("event_type", "subscription_renewal"), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "subscription_renewal", ev.EventType)
}
