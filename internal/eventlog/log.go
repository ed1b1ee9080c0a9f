// Package eventlog is the ordered, replayable, append-only stream of
// normalized events. Readers own their cursors; the log keeps no reader state.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
)

// SequenceID orders entries within a stream. Its text form "<ms>-<seq>"
// matches Redis stream ids.
type SequenceID struct {
	Ms  uint64
	Seq uint64
}

// Origin is the position before the first entry of any stream.
var Origin = SequenceID{}

// ParseSequenceID parses "<ms>-<seq>" or a bare "<ms>" (seq 0).
func ParseSequenceID(s string) (SequenceID, error) {
	msPart, seqPart, hasSeq := strings.Cut(strings.TrimSpace(s), "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return SequenceID{}, fmt.Errorf("invalid sequence id %q", s)
	}
	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return SequenceID{}, fmt.Errorf("invalid sequence id %q", s)
		}
	}
	return SequenceID{Ms: ms, Seq: seq}, nil
}

func (id SequenceID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Less reports whether id sorts before other.
func (id SequenceID) Less(other SequenceID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// Next returns the smallest id strictly greater than id.
func (id SequenceID) Next() SequenceID {
	if id.Seq == math.MaxUint64 {
		return SequenceID{Ms: id.Ms + 1}
	}
	return SequenceID{Ms: id.Ms, Seq: id.Seq + 1}
}

// Prev returns the greatest id strictly smaller than id. Origin has no
// predecessor and is returned unchanged.
func (id SequenceID) Prev() SequenceID {
	switch {
	case id.Seq > 0:
		return SequenceID{Ms: id.Ms, Seq: id.Seq - 1}
	case id.Ms > 0:
		return SequenceID{Ms: id.Ms - 1, Seq: math.MaxUint64}
	default:
		return id
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id SequenceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *SequenceID) UnmarshalText(b []byte) error {
	parsed, err := ParseSequenceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Entry is one accepted event at its position in a stream.
type Entry struct {
	ID    SequenceID  `json:"sequence_id"`
	Event event.Event `json:"event"`
}

// Log is an append-only, multi-reader event stream.
// Implementations must be safe for concurrent publishers and readers.
type Log interface {
	// Publish appends ev at the tail of stream. It fails fast with
	// *PublishError and never leaves a partial entry behind.
	Publish(ctx context.Context, stream string, ev event.Event) (SequenceID, error)
	// Read returns up to max entries with id >= from, waiting up to block
	// for the first one. A timeout yields an empty slice and nil error.
	// next is the cursor for the following Read: it moves past every raw
	// entry seen, including foreign ones that were not returned, and equals
	// from when nothing was read.
	Read(ctx context.Context, stream string, from SequenceID, max int, block time.Duration) (entries []Entry, next SequenceID, err error)
	// Tail returns a cursor that delivers only entries published after the call.
	Tail(ctx context.Context, stream string) (SequenceID, error)
	Close() error
}

// PublishError reports a failed append.
type PublishError struct {
	Stream string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to stream %s: %v", e.Stream, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// TransientError reports a read-side transport failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("event log %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("event log is closed")
