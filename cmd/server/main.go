package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/S-Corkum/fitcoach-server/internal/api"
	"github.com/S-Corkum/fitcoach-server/internal/cache"
	"github.com/S-Corkum/fitcoach-server/internal/catalog"
	"github.com/S-Corkum/fitcoach-server/internal/chat"
	"github.com/S-Corkum/fitcoach-server/internal/clock"
	"github.com/S-Corkum/fitcoach-server/internal/config"
	"github.com/S-Corkum/fitcoach-server/internal/flight"
	"github.com/S-Corkum/fitcoach-server/internal/leaderboard"
	"github.com/S-Corkum/fitcoach-server/internal/observability"
	"github.com/S-Corkum/fitcoach-server/internal/orchestrator"
	"github.com/S-Corkum/fitcoach-server/internal/persistence"
	"github.com/S-Corkum/fitcoach-server/internal/quota"
	"github.com/S-Corkum/fitcoach-server/internal/resilience"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := observability.NewLogger("server")
	metrics := observability.NewMetricsClient()
	defer func() { _ = metrics.Close() }()

	clk := clock.NewReal()

	// Persistence.
	store, err := persistence.NewPostgresStore(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() { _ = store.Close() }()

	// Two-tier cache. A Redis outage at startup is fatal; at runtime the
	// facade degrades to its in-process tier instead.
	kv, err := cache.NewRedisKVStore(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer func() { _ = kv.Close() }()

	facade, err := cache.NewFacade(kv, cfg.Cache, clk, logger.WithPrefix("cache"), metrics)
	if err != nil {
		log.Fatalf("Failed to initialize cache facade: %v", err)
	}
	defer facade.Close()

	quotas := quota.NewEngine(kv, cfg.Quota, clk, logger.WithPrefix("quota"), metrics)
	coordinator := flight.NewCoordinator(cfg.FlightTimeout, logger.WithPrefix("flight"), metrics)
	breakers := resilience.NewRegistry(cfg.Breakers, logger.WithPrefix("resilience"))

	model, err := chat.NewBedrockModel(ctx, cfg.Bedrock, logger.WithPrefix("chat"))
	if err != nil {
		log.Fatalf("Failed to initialize chat model: %v", err)
	}
	cat := catalog.NewHTTPCatalog(cfg.Catalog, logger.WithPrefix("catalog"))

	ops := orchestrator.NewOperations(facade, model, cat, breakers, cfg.Operations, logger.WithPrefix("operations"))
	orch := orchestrator.New(store, quotas, coordinator, clk, cfg.Orchestrator, logger.WithPrefix("orchestrator"), metrics)
	boards := leaderboard.New(store, facade, coordinator, clk, cfg.Leaderboard, logger.WithPrefix("leaderboard"), metrics)

	server := api.NewServer(orch, ops, quotas, boards, facade, kv, cfg.API, logger.WithPrefix("api"), metrics)

	go func() {
		logger.Info("Starting server", map[string]interface{}{
			"address": cfg.API.ListenAddress,
		})
		if err := server.Start(); err != nil {
			logger.Error("Server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("Server stopped gracefully", nil)
}
