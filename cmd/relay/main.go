package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/travel-agent-relay/internal/pkg/config"
	"github.com/tjfontaine/travel-agent-relay/internal/telemetry"
	"github.com/tjfontaine/travel-agent-relay/pkg/relay"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Initialize structured logger; log.level in config adjusts it on reload.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	// Storage, auth and the engine come from configuration:
	// - storage.type selects sqlite, postgres, mysql or memory
	// - auth.mode selects apikey, header or none
	// - an empty engine.base_url runs the built-in echo engine
	r, err := relay.New(
		relay.WithLogger(logger),
		relay.WithLogLevel(level),
		relay.WithFileConfig(configPath),
	)
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		log.Fatalf("Failed to start relay: %v", err)
	}

	// Wait for shutdown signal or a fatal server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	served := make(chan error, 1)
	go func() { served <- r.Wait() }()

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, stopping relay...")
	case err := <-served:
		if err != nil {
			logger.Error("server stopped", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
