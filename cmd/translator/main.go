// Translator worker: consumes subtitle.translate tasks and runs the
// checkpointed chunk-by-chunk translation engine against the configured
// LLM endpoint.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sublate/sublate/pkg/api"
	"github.com/sublate/sublate/pkg/broker"
	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/dedup"
	"github.com/sublate/sublate/pkg/metrics"
	"github.com/sublate/sublate/pkg/store"
	"github.com/sublate/sublate/pkg/translate"
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
	logger.Info("Starting translator",
		"version", version.Full(),
		"model", cfg.Translation.Model,
		"workers", cfg.WorkerCount)

	// 2. Store connection, for checkpoints and the dedup index.
	st, err := store.Connect(ctx, store.Options{URL: cfg.StoreURL, Logger: logger})
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

	// 5. Worker pool
	idx := dedup.New(st.Redis(), cfg.DedupTTL, logger)
	llm := translate.NewOpenAIClient(cfg.OpenAI, cfg.Translation.Model, logger)
	svc := translate.NewService(b, llm, st, idx, cfg, logger)
	if err := svc.Start(ctx); err != nil {
		logger.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 6. Ops listener
	ops := api.NewOpsServer(api.OpsOptions{
		Addr:     cfg.HTTPAddr,
		Service:  "translator",
		Registry: registry,
		Ready: func(ctx context.Context) error {
			if err := b.Ping(ctx); err != nil {
				return err
			}
			return st.Ping(ctx)
		},
		Logger: logger,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := ops.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Ops server failed", "error", err)
	}

	// 8. Graceful shutdown. Redelivered tasks resume from their checkpoint,
	// so a hard timeout here wastes no completed chunks.
	logger.Info("Worker pool snapshot", "health", svc.Health())

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, unacked tasks will be redelivered")
	}

	opsCtx, opsCancel := context.WithTimeout(ctx, 5*time.Second)
	defer opsCancel()
	if err := ops.Shutdown(opsCtx); err != nil {
		logger.Error("Ops server shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}
