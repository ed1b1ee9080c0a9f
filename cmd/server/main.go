package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gyaneshwarpardhi/eventhub/internal/aggregate"
	"github.com/gyaneshwarpardhi/eventhub/internal/api"
	"github.com/gyaneshwarpardhi/eventhub/internal/auth"
	"github.com/gyaneshwarpardhi/eventhub/internal/cache"
	"github.com/gyaneshwarpardhi/eventhub/internal/config"
	"github.com/gyaneshwarpardhi/eventhub/internal/engine"
	"github.com/gyaneshwarpardhi/eventhub/internal/eventlog"
	"github.com/gyaneshwarpardhi/eventhub/internal/store"
	"github.com/gyaneshwarpardhi/eventhub/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("EVENTHUB_CONFIG"), "Path to YAML config (optional)")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	lvl, _ := config.ParseLevel(cfg.LogLevel)
	level.Set(lvl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Tracing ───────────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		slog.Error("failed to set up tracing", "err", config.Wrap(err))
		os.Exit(1)
	}

	// ── Durable store ─────────────────────────────────────────────────────────
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "err", config.Wrap(err))
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("store ready", "driver", cfg.Store.Driver)

	// ── Event log and snapshot cache ──────────────────────────────────────────
	log, mirrors, closeLog, err := openLog(ctx, cfg)
	if err != nil {
		slog.Error("failed to open event log", "driver", cfg.Log.Driver, "err", config.Wrap(err))
		os.Exit(1)
	}
	defer closeLog()
	slog.Info("event log ready", "driver", cfg.Log.Driver, "stream", cfg.Log.Stream)

	metricsCache := cache.New(mirrors...)

	// ── Aggregation engine ────────────────────────────────────────────────────
	startFrom, _ := aggregate.ParseStartFrom(cfg.Aggregation.StartFrom)
	agg := aggregate.New(aggregate.Config{
		Stream:       cfg.Log.Stream,
		Window:       cfg.Aggregation.Window,
		Interval:     cfg.Aggregation.Interval,
		StartFrom:    startFrom,
		ReadCount:    cfg.Log.ReadCount,
		BlockTimeout: cfg.Log.BlockTimeout,
		StoreTimeout: cfg.Aggregation.StoreTimeout,
	}, st, log, metricsCache)

	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		if err := agg.Run(ctx); err != nil {
			slog.Error("aggregation engine failed", "err", err)
		}
	}()

	// ── Ingestion engine ──────────────────────────────────────────────────────
	eng := engine.New(engine.Config{
		Stream:         cfg.Log.Stream,
		Workers:        cfg.Ingest.Workers,
		QueueDepth:     cfg.Ingest.QueueDepth,
		StoreTimeout:   cfg.Ingest.StoreTimeout,
		AppendAttempts: cfg.Ingest.AppendAttempts,
		PublishTimeout: cfg.Ingest.PublishTimeout,
		SubscribeBlock: cfg.Log.BlockTimeout,
	}, st, log, metricsCache, agg)

	// ── Authorization ─────────────────────────────────────────────────────────
	authz, err := newAuthorizer(cfg.Auth)
	if err != nil {
		slog.Error("failed to configure auth", "err", config.Wrap(err))
		os.Exit(1)
	}
	if !cfg.Auth.Enabled {
		slog.Warn("authorization disabled; every caller is a writer")
	}

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		agg.Reconfigure(newCfg.Aggregation.Window, newCfg.Aggregation.Interval)
		if l, err := config.ParseLevel(newCfg.LogLevel); err == nil {
			level.Set(l)
		}
		slog.Info("aggregation settings applied",
			"window", newCfg.Aggregation.Window, "interval", newCfg.Aggregation.Interval)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(eng, agg, loader, authz)
	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No write timeout: /v1/events/stream holds responses open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutCancel()
	srv.RegisterOnShutdown(handler.CloseStreams)
	_ = srv.Shutdown(shutCtx)
	eng.Shutdown()
	cancel()
	<-aggDone
	if err := shutdownTracing(shutCtx); err != nil {
		slog.Warn("tracing shutdown", "err", err)
	}
	slog.Info("goodbye")
}

func openStore(ctx context.Context, c config.StoreConf) (store.Store, error) {
	switch c.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(ctx, c.Path)
	case "postgres":
		return store.NewPostgres(ctx, store.PostgresConfig{
			DSN:             c.DSN,
			MaxOpenConns:    c.MaxOpenConns,
			MaxIdleConns:    c.MaxIdleConns,
			ConnMaxLifetime: c.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

// openLog builds the event log and, when configured, the Redis snapshot
// mirror sharing its connection. The returned func releases both.
func openLog(ctx context.Context, cfg *config.Config) (eventlog.Log, []cache.Mirror, func(), error) {
	var client redis.UniversalClient
	if cfg.Log.Driver == "redis" || cfg.Cache.RedisMirror {
		client = redis.NewClient(&redis.Options{
			Addr:        cfg.Log.Redis.Addr,
			Password:    cfg.Log.Redis.Password,
			DB:          cfg.Log.Redis.DB,
			DialTimeout: cfg.Log.Redis.DialTimeout,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Log.Redis.DialTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("redis %s unreachable: %w", cfg.Log.Redis.Addr, err)
		}
	}

	var mirrors []cache.Mirror
	if cfg.Cache.RedisMirror {
		mirrors = append(mirrors, cache.NewRedisMirror(client, cfg.Cache.MirrorKey, cfg.Cache.TTL))
	}

	switch cfg.Log.Driver {
	case "redis":
		l := eventlog.NewRedis(client, eventlog.RedisConfig{
			KeyPrefix:      cfg.Log.Redis.KeyPrefix,
			MaxLen:         cfg.Log.MaxLen,
			PublishTimeout: cfg.Ingest.PublishTimeout,
		})
		return l, mirrors, func() { _ = l.Close() }, nil
	case "memory":
		l := eventlog.NewMemory(int(cfg.Log.MaxLen))
		return l, mirrors, func() {
			_ = l.Close()
			if client != nil {
				_ = client.Close()
			}
		}, nil
	default:
		if client != nil {
			client.Close()
		}
		return nil, nil, nil, fmt.Errorf("unknown log driver %q", cfg.Log.Driver)
	}
}

func newAuthorizer(c config.AuthConf) (auth.Authorizer, error) {
	if !c.Enabled {
		return auth.Disabled{}, nil
	}
	jc := auth.JWTConfig{HMACSecret: c.HMACSecret, Issuer: c.Issuer, Leeway: c.Leeway}
	if c.PublicKeyFile != "" {
		pem, err := os.ReadFile(c.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		jc.PublicKeyPEM = string(pem)
	}
	return auth.NewJWTAuthorizer(jc)
}
