// Manager service: accepts subtitle requests over HTTP, reserves dedup
// fingerprints, creates job records, and enqueues work for the pipeline.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sublate/sublate/pkg/api"
	"github.com/sublate/sublate/pkg/broker"
	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/dedup"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/manager"
	"github.com/sublate/sublate/pkg/metrics"
	"github.com/sublate/sublate/pkg/store"
	"github.com/sublate/sublate/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file loaded, continuing with process environment", "error", err)
	}

	ctx := context.Background()

	// 1. Configuration and logging
	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	logger.Info("Starting manager", "version", version.Full(), "addr", cfg.HTTPAddr)

	// 2. Store
	st, err := store.Connect(ctx, store.Options{
		URL:             cfg.StoreURL,
		AuditMaxEntries: cfg.AuditMaxEntries,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("Failed to connect to store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	// 3. Broker and topology
	b, err := broker.Connect(ctx, cfg.BrokerURL, logger)
	if err != nil {
		logger.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()
	if err := b.DeclareTopology(); err != nil {
		logger.Error("Failed to declare broker topology", "error", err)
		os.Exit(1)
	}

	// 4. Metrics
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	// 5. Manager service and HTTP server
	svc := manager.New(manager.Options{
		Store:     st,
		Broker:    b,
		Dedup:     dedup.New(st.Redis(), cfg.DedupTTL, logger),
		Publisher: events.NewPublisher(b, "manager"),
		Config:    cfg,
		Logger:    logger,
	})
	srv := api.NewServer(api.Options{
		Addr:     cfg.HTTPAddr,
		Service:  svc,
		Registry: registry,
		Logger:   logger,
	})

	// 6. Serve until signalled or failed
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("HTTP server failed", "error", err)
	}

	// 7. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}
