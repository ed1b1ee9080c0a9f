package aggregate

import (
	"fmt"
	"strings"
)

// State is the aggregation engine's lifecycle phase.
type State int32

const (
	Idle State = iota
	Consuming
	Aggregating
	Publishing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Consuming:
		return "consuming"
	case Aggregating:
		return "aggregating"
	case Publishing:
		return "publishing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StartFrom selects where a freshly started consumer positions its cursor.
type StartFrom string

const (
	FromOrigin StartFrom = "origin"
	FromTail   StartFrom = "tail"
)

// ParseStartFrom accepts "origin" or "tail" (case-insensitive); empty means origin.
func ParseStartFrom(s string) (StartFrom, error) {
	switch StartFrom(strings.ToLower(strings.TrimSpace(s))) {
	case FromOrigin, "":
		return FromOrigin, nil
	case FromTail:
		return FromTail, nil
	}
	return "", fmt.Errorf("start_from must be %q or %q, got %q", FromOrigin, FromTail, s)
}
