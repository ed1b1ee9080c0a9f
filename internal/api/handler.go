// Package api is the REST adapter over the engine.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gyaneshwarpardhi/eventhub/internal/aggregate"
	"github.com/gyaneshwarpardhi/eventhub/internal/auth"
	"github.com/gyaneshwarpardhi/eventhub/internal/config"
	"github.com/gyaneshwarpardhi/eventhub/internal/engine"
	"github.com/gyaneshwarpardhi/eventhub/internal/metrics"
)

const maxBodyBytes = 1 << 20

// StatusReporter exposes the aggregation engine's state.
type StatusReporter interface {
	Status() aggregate.Status
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	agg    StatusReporter
	loader *config.Loader
	authz  auth.Authorizer
	mux    *http.ServeMux
	root   http.Handler

	// streams is cancelled by CloseStreams to end open subscriptions.
	streams      context.Context
	closeStreams context.CancelFunc
}

// New creates an HTTP handler and registers all routes.
func New(eng *engine.Engine, agg StatusReporter, loader *config.Loader, authz auth.Authorizer) *Handler {
	if authz == nil {
		authz = auth.Disabled{}
	}
	h := &Handler{eng: eng, agg: agg, loader: loader, authz: authz, mux: http.NewServeMux()}
	h.streams, h.closeStreams = context.WithCancel(context.Background())

	h.mux.Handle("POST /v1/events", h.require(auth.RoleWriter, h.ingestEvent))
	h.mux.Handle("POST /v1/events/batch", h.require(auth.RoleWriter, h.ingestBatch))
	h.mux.Handle("GET /v1/events", h.require(auth.RoleReader, h.recentEvents))
	h.mux.Handle("GET /v1/events/stream", h.require(auth.RoleReader, h.streamEvents))
	h.mux.Handle("GET /v1/metrics/aggregated", h.require(auth.RoleReader, h.aggregatedMetrics))
	h.mux.Handle("GET /v1/aggregator", h.require(auth.RoleReader, h.aggregatorStatus))
	h.mux.Handle("POST /v1/config/reload", h.require(auth.RoleWriter, h.reloadConfig))
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	h.root = otelhttp.NewHandler(loggingMiddleware(h.mux), "eventhub.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// CloseStreams ends every open event subscription. http.Server.Shutdown
// does not interrupt long-lived responses on its own.
func (h *Handler) CloseStreams() {
	h.closeStreams()
}

type ingestResponse struct {
	Status string `json:"status"`
	engine.IngestResult
}

func ingestStatus(res engine.IngestResult) string {
	if res.StreamVisible {
		return "ok"
	}
	return "partial"
}

// POST /v1/events: 201 when stored and published, 202 when only stored.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.eng.IngestEvent(r.Context(), raw)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if !res.StreamVisible {
		status = http.StatusAccepted
	}
	writeJSON(w, status, ingestResponse{Status: ingestStatus(res), IngestResult: res})
}

type batchItem struct {
	Index  int                  `json:"index"`
	Status string               `json:"status"`
	Result *engine.IngestResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// POST /v1/events/batch: up to engine.MaxBatchSize events, results per item.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var raws []map[string]any
	if err := decodeJSON(r, &raws); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(raws) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}

	res, err := h.eng.IngestBatch(r.Context(), raws)
	if err != nil {
		writeErr(w, err)
		return
	}

	items := make([]batchItem, 0, len(res.Items))
	counts := map[string]int{"ok": 0, "partial": 0, "error": 0}
	for _, it := range res.Items {
		bi := batchItem{Index: it.Index, Result: it.Result, Error: it.Error}
		if it.Result != nil {
			bi.Status = ingestStatus(*it.Result)
		} else {
			bi.Status = "error"
		}
		counts[bi.Status]++
		items = append(items, bi)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": res.BatchID,
		"total":    len(items),
		"stored":   counts["ok"] + counts["partial"],
		"partial":  counts["partial"],
		"failed":   counts["error"],
		"items":    items,
	})
}

// GET /v1/events?limit=N: most recent stored events.
func (h *Handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit := engine.DefaultRecentLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	evs, err := h.eng.RecentEvents(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": evs,
		"count":  len(evs),
	})
}

// GET /v1/metrics/aggregated?window=60s
func (h *Handler) aggregatedMetrics(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := parseWindow(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		window = d
	}
	m, err := h.eng.AggregatedMetrics(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// parseWindow accepts a Go duration ("5m") or whole seconds ("300").
func parseWindow(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 {
			return 0, errors.New("window must be at least 1s")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	if d < time.Second {
		return 0, errors.New("window must be at least 1s")
	}
	return d.Truncate(time.Second), nil
}

// GET /v1/aggregator
func (h *Handler) aggregatorStatus(w http.ResponseWriter, r *http.Request) {
	if h.agg == nil {
		writeError(w, http.StatusNotFound, "aggregation engine not running")
		return
	}
	writeJSON(w, http.StatusOK, h.agg.Status())
}

// POST /v1/config/reload: re-read the config file and apply what can change live.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"window":   cfg.Aggregation.Window.String(),
		"interval": cfg.Aggregation.Interval.String(),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the ingestion queue is >80% full or the store is down.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.eng.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "store unavailable",
			"error":             err.Error(),
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"queue_utilization": util,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeObject reads a single JSON object, keeping numbers exact.
func decodeObject(r *http.Request) (map[string]any, error) {
	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err)
	}
	if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] != '{' {
		return nil, errors.New("request body must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err)
	}
	return m, nil
}
