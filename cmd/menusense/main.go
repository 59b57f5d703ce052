// Command menusense runs the menu enrichment pipeline service: HTTP API,
// stage worker pools, reconciliation sweep and the progress event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/api"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/config"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/database"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/metrics"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/pipeline"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/sink"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	_ = godotenv.Load()
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Database (migrations run on connect).
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Store, with the optional Redis snapshot cache.
	st := store.NewSessionStore(dbClient.DB())
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		st.WithCache(store.NewSnapshotCache(rdb,
			time.Duration(cfg.Redis.SnapshotTTLSeconds)*time.Second))
		slog.Info("Snapshot cache enabled", "addr", cfg.Redis.Addr)
	}

	// Event bus: transactional publisher, NOTIFY listener, WebSocket fan-out.
	publisher := events.NewPublisher(dbClient.DB())
	manager := events.NewConnectionManager(st, 10*time.Second,
		time.Duration(cfg.Events.HeartbeatSeconds)*time.Second)
	listener := events.NewNotifyListener(dbClient.DSN(), manager)
	manager.SetListener(listener)
	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start NOTIFY listener: %w", err)
	}
	defer listener.Stop(context.Background())

	// Provider chains behind the adapter.
	var imageStore providers.ImageStore
	if cfg.S3.Enabled {
		s3Store, err := providers.NewS3ImageStore(ctx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.PublicBaseURL)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 image store: %w", err)
		}
		imageStore = s3Store
	}
	chains, err := providers.BuildChains(ctx, cfg.Providers.ProviderSettings(), imageStore)
	if err != nil {
		return fmt.Errorf("failed to build provider chains: %w", err)
	}
	adapter := providers.NewAdapter(chains, providers.AdapterConfig{
		StageTimeouts:  cfg.Pipeline.StageTimeouts(),
		MaxRetries:     uint64(cfg.Pipeline.AdapterMaxRetries),
		InitialBackoff: time.Duration(cfg.Pipeline.AdapterInitialBackoffMS) * time.Millisecond,
	})

	// Sink, orchestrator, pools. The orchestrator is the sink's gate
	// notifier for translation-dependent stages.
	resultSink := sink.New(st, publisher, m)
	orch := pipeline.New(pipeline.Config{
		MaxItemsPerSession: cfg.Pipeline.MaxItemsPerSession,
		MaxItemTextLength:  cfg.Pipeline.MaxItemTextLength,
		SessionBudget:      time.Duration(cfg.Pipeline.SessionBudgetSeconds) * time.Second,
		GateOnTranslation:  cfg.Pipeline.Gated(),
		Workers:            cfg.Pipeline.Workers(),
		QueueSize:          cfg.Pipeline.QueueSizes(),
		StageTimeouts:      cfg.Pipeline.StageTimeouts(),
		WorkerRetryDelay:   time.Duration(cfg.Pipeline.WorkerRetryDelayMS) * time.Millisecond,
	}, st, resultSink, adapter, m)
	resultSink.WithGate(orch)
	orch.Start(ctx)
	defer orch.Stop()

	// Resolve work orphaned by the previous shutdown before serving.
	reconciler := pipeline.NewReconciler(st, resultSink,
		time.Duration(cfg.Pipeline.ReconcileIntervalSeconds)*time.Second,
		cfg.Pipeline.StageTimeouts())
	if err := reconciler.RunStartupRecovery(ctx, orch); err != nil {
		slog.Error("Startup recovery failed", "error", err)
	}
	go reconciler.Run(ctx)
	go reconciler.RunEventCleanup(ctx, time.Duration(cfg.Events.TTLSeconds)*time.Second)

	server := api.NewServer(cfg.Server.Host, cfg.Server.Port, cfg.Server.AllowedOrigins,
		st, orch, manager, dbClient.DB(), registry)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	return nil
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
