// Quorum server — runs the three-stage council deliberation pipeline
// behind an HTTP/SSE API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quorumlabs/quorum/pkg/api"
	"github.com/quorumlabs/quorum/pkg/breaker"
	"github.com/quorumlabs/quorum/pkg/composer"
	"github.com/quorumlabs/quorum/pkg/config"
	"github.com/quorumlabs/quorum/pkg/council"
	"github.com/quorumlabs/quorum/pkg/database"
	"github.com/quorumlabs/quorum/pkg/llm"
	"github.com/quorumlabs/quorum/pkg/registry"
	"github.com/quorumlabs/quorum/pkg/safety"
	"github.com/quorumlabs/quorum/pkg/telemetry"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_FILE", "./quorum.yaml"),
		"Path to the YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// 2. Database (optional). Without a DSN the registry serves its
	// fallbacks, telemetry goes to the log, and context composition is
	// disabled.
	var dbClient *database.Client
	if cfg.Database.DSN != "" {
		dbClient, err = database.NewClient(ctx, database.Config{DSN: cfg.Database.DSN})
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database", "error", err)
			}
		}()
		slog.Info("Connected to PostgreSQL database")
	} else {
		slog.Warn("No database configured, running without persistence")
	}

	// 3. Model registry
	var store registry.Store
	switch {
	case dbClient != nil:
		store = registry.NewSQLStore(dbClient.DB())
	case len(cfg.Roles) > 0:
		store = registry.StaticStore(cfg.Roles)
	}

	capabilities := make(map[string]registry.Capabilities, len(cfg.ModelCapabilities))
	for model, caps := range cfg.ModelCapabilities {
		capabilities[model] = registry.Capabilities{ReasoningExclude: caps.ReasoningExclude}
	}

	reg := registry.New(store, capabilities, slog.Default())
	if err := reg.Load(ctx); err != nil {
		slog.Warn("Initial registry load failed, serving fallbacks", "error", err)
	}
	reg.StartRefresh(ctx, cfg.RegistryRefreshInterval)
	defer reg.Stop()

	// 4. Telemetry sink
	var inner telemetry.Sink = &telemetry.LogSink{}
	if dbClient != nil {
		inner = telemetry.NewDBSink(dbClient.DB(), slog.Default())
	}
	sink := telemetry.NewAsyncSink(inner, 256)
	defer sink.Stop()

	// 5. Model client with per-model circuit breakers
	breakers := breaker.NewRegistry(cfg.BreakerFailures, cfg.BreakerWindow, cfg.BreakerCooldown)
	client := llm.NewClient(llm.ClientConfig{
		BaseURL:                  cfg.LLM.BaseURL,
		APIKey:                   cfg.APIKey(),
		MaxRetries:               cfg.MaxRetries,
		HTTPClient:               &http.Client{Timeout: cfg.LLM.RequestTimeout},
		Breakers:                 breakers,
		Telemetry:                sink,
		SupportsReasoningExclude: reg.SupportsReasoningExclude,
	})

	// 6. Council pipeline. With a database, department presets resolve
	// from the departments table before any config fallback.
	var source *composer.SQLSource
	var presetLookup config.PresetLookup
	if dbClient != nil {
		source = composer.NewSQLSource(dbClient.DB())
		presetLookup = func(ctx context.Context, department string) (config.Preset, bool) {
			preset, err := source.DepartmentPreset(ctx, department)
			if err != nil {
				slog.Warn("Department preset lookup failed", "department", department, "error", err)
				return "", false
			}
			if preset == "" {
				return "", false
			}
			return config.Preset(preset), true
		}
	}

	quorum := council.New(council.Deps{
		Config:    cfg,
		Streamer:  client,
		Registry:  reg,
		Resolver:  config.NewResolver(cfg, presetLookup),
		Safety:    safety.NewService(cfg.MaxQueryChars, 0),
		Telemetry: sink,
		Logger:    slog.Default(),
	})

	var comp *composer.Composer
	if source != nil {
		comp = composer.New(source, slog.Default())
	}
	pipeline := council.NewPipeline(quorum, comp)

	// 7. HTTP server
	var pool *sql.DB
	if dbClient != nil {
		pool = dbClient.DB()
	}
	server := api.NewServer(pipeline, quorum, pool, slog.Default())
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
