package config

import "time"

// Defaults returns a config that runs a single in-memory node.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConf{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Ingest: IngestConf{
			Workers:        8,
			QueueDepth:     1000,
			StoreTimeout:   5 * time.Second,
			AppendAttempts: 3,
			PublishTimeout: 2 * time.Second,
		},
		Store: StoreConf{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Log: LogConf{
			Driver:       "memory",
			Stream:       "events",
			MaxLen:       100_000,
			ReadCount:    10,
			BlockTimeout: time.Second,
			Redis: RedisConf{
				Addr:        "localhost:6379",
				DialTimeout: 5 * time.Second,
			},
		},
		Aggregation: AggregationConf{
			Window:       60 * time.Second,
			Interval:     60 * time.Second,
			StartFrom:    "origin",
			StoreTimeout: 10 * time.Second,
		},
		Cache: CacheConf{
			MirrorKey: "aggregated_metrics",
		},
		Auth: AuthConf{
			Issuer: "event_hub",
		},
		Telemetry: TelemetryConf{
			ServiceName: "eventhub",
		},
	}
}
