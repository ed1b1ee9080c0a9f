package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gyaneshwarpardhi/eventhub/internal/eventlog"
	"github.com/gyaneshwarpardhi/eventhub/internal/filter"
)

// GET /v1/events/stream?from=origin|tail|<id>&filter=<expr>
//
// Streams matching events as Server-Sent Events. Each message id is the
// entry's sequence id, so a reconnecting client sending Last-Event-ID
// resumes right after the last event it saw.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := filter.Parse(q.Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	from, status, err := h.resolveCursor(r, q.Get("from"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	// Comment line so clients see the stream open before the first event.
	if _, err := fmt.Fprintf(w, ": subscribed from %s\n\n", from); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.Warn("streaming unsupported by response writer", "component", "api", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.streams, cancel)
	defer stop()

	slog.Info("subscription opened", "component", "api", "from", from.String(), "filter", f.String())
	sent := 0
	for entry := range h.eng.SubscribeEvents(ctx, from, f) {
		data, err := json.Marshal(entry.Event)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: event\ndata: %s\n\n", entry.ID, data); err != nil {
			break
		}
		if err := rc.Flush(); err != nil {
			break
		}
		sent++
	}
	slog.Info("subscription closed", "component", "api", "sent", sent)
}

// resolveCursor picks the starting position. Last-Event-ID wins over the
// from parameter; an empty from means tail.
func (h *Handler) resolveCursor(r *http.Request, from string) (eventlog.SequenceID, int, error) {
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		id, err := eventlog.ParseSequenceID(last)
		if err != nil {
			return eventlog.SequenceID{}, http.StatusBadRequest, fmt.Errorf("invalid Last-Event-ID: %w", err)
		}
		return id.Next(), 0, nil
	}
	switch strings.ToLower(from) {
	case "", "tail":
		id, err := h.eng.StreamTail(r.Context())
		if err != nil {
			return eventlog.SequenceID{}, http.StatusServiceUnavailable, fmt.Errorf("event stream unavailable: %w", err)
		}
		return id, 0, nil
	case "origin":
		return eventlog.Origin, 0, nil
	default:
		id, err := eventlog.ParseSequenceID(from)
		if err != nil {
			return eventlog.SequenceID{}, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err)
		}
		return id, 0, nil
	}
}
