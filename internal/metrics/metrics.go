package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_events_ingested_total",
		Help: "Total number of events durably stored, labelled by event type.",
	}, []string{"event_type"}) // values via EventTypeLabel

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_events_rejected_total",
		Help: "Total number of inbound events rejected, labelled by reason.",
	}, []string{"reason"})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventhub_stream_publish_failures_total",
		Help: "Events durably stored but not published to the event stream.",
	})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_store_errors_total",
		Help: "Durable store operation failures, labelled by operation.",
	}, []string{"op"})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventhub_ingest_duration_ms",
		Help:    "End-to-end ingestion latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventhub_ingest_queue_utilization_ratio",
		Help: "Current ingestion queue utilization (0–1).",
	})

	AggregationCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_aggregation_cycles_total",
		Help: "Aggregation recompute cycles, labelled by status.",
	}, []string{"status"})

	SnapshotPublished = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventhub_snapshot_published_timestamp_seconds",
		Help: "Unix time of the last successfully published metrics snapshot.",
	})

	LogEntriesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventhub_log_entries_consumed_total",
		Help: "Entries read from the event stream by the aggregation consumer.",
	})

	LogConsumeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventhub_log_consume_errors_total",
		Help: "Transient errors while reading the event stream.",
	})

	StreamTally = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventhub_stream_tally_amount",
		Help: "Advisory running amount per event type as seen on the stream since start.",
	}, []string{"event_type"}) // values via EventTypeLabel

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventhub_active_subscriptions",
		Help: "Open live event subscriptions.",
	})
)
