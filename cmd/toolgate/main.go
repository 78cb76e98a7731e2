// Package main is the entry point for the ToolGate server.
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

	"toolgate/internal/audit"
	"toolgate/internal/config"
	"toolgate/internal/crypto"
	"toolgate/internal/domain"
	"toolgate/internal/egress"
	"toolgate/internal/gateway"
	httpserver "toolgate/internal/http"
	"toolgate/internal/policy"
	"toolgate/internal/servicenow"
	"toolgate/internal/storage"
	"toolgate/internal/storage/postgres"
	"toolgate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	telemetry.InitLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	metrics := telemetry.NewMetrics(nil)

	slog.Info("Starting ToolGate",
		"version", "0.1.0",
		"http_port", cfg.Server.HTTPPort,
		"database_driver", cfg.Database.Driver,
	)

	// Storage
	var store domain.Store
	var ready func(ctx context.Context) error

	switch cfg.Database.Driver {
	case "postgres":
		slog.Info("Initializing PostgreSQL storage",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Database,
		)
		pgStore, err := postgres.NewStore(&cfg.Database)
		if err != nil {
			slog.Error("Failed to initialize PostgreSQL storage", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
		ready = pgStore.Ping
	case "memory":
		slog.Warn("Using in-memory storage; all data is lost on shutdown")
		store = storage.NewMemoryStore()
	default:
		slog.Error("Unknown database driver", "driver", cfg.Database.Driver)
		os.Exit(1)
	}

	// Secret cipher
	key, err := crypto.KeyFromConfig(cfg.Security)
	if err != nil {
		slog.Error("Failed to derive encryption key", "error", err)
		os.Exit(1)
	}
	cipher, err := crypto.NewEncryptionService(key)
	if err != nil {
		slog.Error("Failed to initialize encryption service", "error", err)
		os.Exit(1)
	}
	slog.Info("Secret cipher ready", "key_id", cipher.KeyID())

	// Core services
	guard := egress.NewGuard()
	recorder := audit.NewRecorder(store)
	recorder.WriteFailures = metrics.AuditWriteFailures
	gate := policy.NewGate(store)
	snProvider := servicenow.NewProvider(cipher, guard, cfg.Gateway)

	admin := gateway.NewAdminService(store, cipher, guard, recorder)
	tools := gateway.NewToolGatewayService(store, cipher, guard, gate, snProvider, recorder, metrics)

	server := httpserver.NewServer(cfg, admin, tools, metrics, ready)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	if err := server.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("ToolGate stopped")
}
