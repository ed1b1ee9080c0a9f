package config

import "time"

// Config is the top-level YAML structure. Every field can be overridden by
// an EVENTHUB_* environment variable, e.g. EVENTHUB_STORE_DRIVER.
type Config struct {
	LogLevel    string          `yaml:"log_level" env:"LOG_LEVEL"`
	Server      ServerConf      `yaml:"server" envPrefix:"SERVER_"`
	Ingest      IngestConf      `yaml:"ingest" envPrefix:"INGEST_"`
	Store       StoreConf       `yaml:"store" envPrefix:"STORE_"`
	Log         LogConf         `yaml:"log" envPrefix:"LOG_"`
	Aggregation AggregationConf `yaml:"aggregation" envPrefix:"AGGREGATION_"`
	Cache       CacheConf       `yaml:"cache" envPrefix:"CACHE_"`
	Auth        AuthConf        `yaml:"auth" envPrefix:"AUTH_"`
	Telemetry   TelemetryConf   `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConf configures the HTTP listener.
type ServerConf struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// IngestConf holds the ingestion pool and its deadlines.
type IngestConf struct {
	Workers        int           `yaml:"workers" env:"WORKERS"`
	QueueDepth     int           `yaml:"queue_depth" env:"QUEUE_DEPTH"`
	StoreTimeout   time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	AppendAttempts uint          `yaml:"append_attempts" env:"APPEND_ATTEMPTS"`
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"PUBLISH_TIMEOUT"`
}

// StoreConf selects the durable store.
type StoreConf struct {
	Driver          string        `yaml:"driver" env:"DRIVER"` // memory | sqlite | postgres
	Path            string        `yaml:"path" env:"PATH"`     // sqlite
	DSN             string        `yaml:"dsn" env:"DSN"`       // postgres
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConf selects the event log.
type LogConf struct {
	Driver       string        `yaml:"driver" env:"DRIVER"` // memory | redis
	Stream       string        `yaml:"stream" env:"STREAM"`
	MaxLen       int64         `yaml:"max_len" env:"MAX_LEN"`
	ReadCount    int           `yaml:"read_count" env:"READ_COUNT"`
	BlockTimeout time.Duration `yaml:"block_timeout" env:"BLOCK_TIMEOUT"`
	Redis        RedisConf     `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConf is shared by the Redis event log and the snapshot mirror.
type RedisConf struct {
	Addr        string        `yaml:"addr" env:"ADDR"`
	Password    string        `yaml:"password" env:"PASSWORD"`
	DB          int           `yaml:"db" env:"DB"`
	KeyPrefix   string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// AggregationConf drives the aggregation engine. Window and Interval are
// hot-reloadable.
type AggregationConf struct {
	Window       time.Duration `yaml:"window" env:"WINDOW"`
	Interval     time.Duration `yaml:"interval" env:"INTERVAL"`
	StartFrom    string        `yaml:"start_from" env:"START_FROM"` // origin | tail
	StoreTimeout time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
}

// CacheConf configures the optional Redis mirror of published snapshots.
type CacheConf struct {
	RedisMirror bool          `yaml:"redis_mirror" env:"REDIS_MIRROR"`
	MirrorKey   string        `yaml:"mirror_key" env:"MIRROR_KEY"`
	TTL         time.Duration `yaml:"ttl" env:"TTL"`
}

// AuthConf configures token verification. With Enabled=false every caller
// is treated as a writer.
type AuthConf struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	PublicKeyFile string        `yaml:"public_key_file" env:"PUBLIC_KEY_FILE"`
	HMACSecret    string        `yaml:"hmac_secret" env:"HMAC_SECRET"`
	Issuer        string        `yaml:"issuer" env:"ISSUER"`
	Leeway        time.Duration `yaml:"leeway" env:"LEEWAY"`
}

// TelemetryConf configures tracing export.
type TelemetryConf struct {
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure     bool   `yaml:"insecure" env:"INSECURE"`
}
