// Scanner service: notices new media through filesystem watching,
// media-server webhooks and WebSocket pushes, plus a periodic library
// resync, and submits download jobs to the manager.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sublate/sublate/pkg/broker"
	"github.com/sublate/sublate/pkg/config"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/metrics"
	"github.com/sublate/sublate/pkg/scanner"
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
	logger.Info("Starting scanner",
		"version", version.Full(),
		"addr", cfg.Scanner.HTTPAddr,
		"manager_url", cfg.Scanner.ManagerURL)

	// 2. Broker, used only for audit events
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

	// 3. Metrics
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	// 4. Submission funnel shared by every trigger
	submitter := scanner.NewSubmitter(scanner.SubmitterOptions{
		ManagerURL: cfg.Scanner.ManagerURL,
		Language:   cfg.TargetLangDefault,
		Publisher:  events.NewPublisher(b, "scanner"),
		Logger:     logger,
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	var wg sync.WaitGroup

	// 5. Filesystem watcher
	var watcher *scanner.Watcher
	if len(cfg.Scanner.MediaDirs) > 0 {
		watcher = scanner.NewWatcher(cfg.Scanner, submitter, logger)
		if err := watcher.Start(runCtx); err != nil {
			logger.Error("Failed to start filesystem watcher", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("No media directories configured, filesystem watching disabled")
	}

	// 6. Media-server push session and fallback resync
	var media *scanner.MediaServerClient
	if cfg.Scanner.MediaServerURL != "" {
		media = scanner.NewMediaServerClient(
			cfg.Scanner.MediaServerURL, cfg.Scanner.MediaServerAPIKey, logger)

		socket, err := scanner.NewSocketClient(cfg.Scanner, media, submitter, logger)
		if err != nil {
			logger.Error("Failed to build media server socket client", "error", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			socket.Run(runCtx)
		}()

		resync := scanner.NewResync(media, submitter,
			time.Duration(cfg.Scanner.FallbackSyncHours)*time.Hour, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resync.Run(runCtx)
		}()
	} else {
		logger.Info("No media server configured, push session and resync disabled")
	}

	// 7. Webhook listener
	srv := scanner.NewWebhookServer(scanner.WebhookOptions{
		Addr:      cfg.Scanner.HTTPAddr,
		Submitter: submitter,
		Media:     media,
		Registry:  registry,
		Logger:    logger,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Webhook listener failed", "error", err)
	}

	// 9. Graceful shutdown: stop the triggers, then drain the listener
	stop()
	if watcher != nil {
		watcher.Stop()
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Webhook listener shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}
