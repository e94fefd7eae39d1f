// server runs the regulatory conflict engine: the detection-resolution
// pipeline, the escalation SLA loop, and the HTTP query and review API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lerian-regulatory-engine/internal/analytics"
	"lerian-regulatory-engine/internal/api"
	"lerian-regulatory-engine/internal/config"
	"lerian-regulatory-engine/internal/detection"
	"lerian-regulatory-engine/internal/engine"
	"lerian-regulatory-engine/internal/escalation"
	"lerian-regulatory-engine/internal/events"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/notify"
	"lerian-regulatory-engine/internal/resolution"
	"lerian-regulatory-engine/internal/similarity"
	"lerian-regulatory-engine/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional)")
	flag.Parse()

	if *configPath != "" {
		if err := os.Setenv("CONFIG_FILE", *configPath); err != nil {
			log.Fatalf("Failed to set config path: %v", err)
		}
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level))

	conflictStore, closeStore, err := buildConflictStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open conflict store: %v", err)
	}
	defer closeStore()

	statsStore, closeStats, err := buildStatsStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open stats store: %v", err)
	}
	defer closeStats()

	scorer, closeScorer, err := buildScorer(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to configure similarity scorer: %v", err)
	}
	defer closeScorer()

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify, logger)
	}

	bus := events.NewBus(256, logger)
	defer bus.Stop()

	detector := detection.NewDetector(cfg.Detection, scorer, conflictStore, logger)
	manager := escalation.NewManager(cfg.Escalation, conflictStore, notifier, bus, logger)
	resolver := resolution.NewResolver(cfg.Resolution, conflictStore, conflictStore, manager, bus, logger)
	recorder := analytics.NewRecorder(statsStore, logger)
	eng := engine.New(detector, resolver, recorder, manager, bus, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Background loops: strategy outcome recording and SLA enforcement.
	if err := recorder.Run(ctx, bus); err != nil {
		log.Fatalf("Failed to start analytics recorder: %v", err)
	}
	go manager.Run(ctx)

	server := api.NewServer(cfg.Server, eng, conflictStore, conflictStore, conflictStore, manager, recorder, bus, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown did not complete cleanly", "error", err)
	}
}

// fullStore is what the engine needs from one storage backend.
type fullStore interface {
	storage.ConflictStore
	storage.ResolutionStore
	storage.EscalationStore
}

func buildConflictStore(cfg *config.Config, logger logging.Logger) (fullStore, func(), error) {
	switch cfg.Storage.Provider {
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

func buildStatsStore(cfg *config.Config) (storage.StatsStore, func(), error) {
	switch cfg.Storage.Stats.Provider {
	case "postgres":
		store, err := storage.NewPostgresStatsStore(cfg.Storage.Stats.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "redis":
		store, err := storage.NewRedisStatsStore(cfg.Storage.Stats.RedisAddr, cfg.Storage.Stats.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

func buildScorer(cfg *config.Config, logger logging.Logger) (similarity.Scorer, func(), error) {
	if cfg.Similarity.Provider != "qdrant" {
		return similarity.NewDisabledScorer(), func() {}, nil
	}
	scorer, err := similarity.NewQdrantScorer(similarity.QdrantScorerConfig{
		Host:       cfg.Similarity.Host,
		Port:       cfg.Similarity.Port,
		APIKey:     cfg.Similarity.APIKey,
		UseTLS:     cfg.Similarity.UseTLS,
		Collection: cfg.Similarity.Collection,
		Timeout:    time.Duration(cfg.Similarity.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return scorer, func() { _ = scorer.Close() }, nil
}
