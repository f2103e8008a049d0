package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opentransit/gridbroker/internal/broker/api/rest"
	"github.com/opentransit/gridbroker/internal/broker/core"
	"github.com/opentransit/gridbroker/internal/broker/events"
	"github.com/opentransit/gridbroker/internal/broker/launch"
	"github.com/opentransit/gridbroker/internal/broker/results"
	"github.com/opentransit/gridbroker/internal/broker/storage"
	"github.com/opentransit/gridbroker/internal/shared/config"
	"github.com/opentransit/gridbroker/internal/shared/logging"
)

func main() {
	configPath := flag.String("config", "", "path to broker config file")
	flag.Parse()

	cfg, err := config.LoadBroker(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	blobs, err := storage.NewLocal(cfg.Storage.BundleDir)
	if err != nil {
		logger.Fatal("Failed to open blob storage", "error", err)
	}
	// Scheduler state does not survive restarts and in-flight jobs must be
	// resubmitted, so payloads from a previous run are dead weight.
	if err := blobs.RemoveMatching("*.json"); err != nil {
		logger.Warn("Failed to sweep stale payloads", "error", err)
	}

	mode := core.ModeCloud
	if cfg.Scheduler.Offline {
		mode = core.ModeOffline
	}

	catalog := core.NewWorkerCatalog(cfg.Catalog.StaleTimeout)
	broker := core.NewBroker(
		core.BrokerOptions{
			Mode:               mode,
			MaxWorkers:         cfg.Scheduler.MaxWorkers,
			TestTaskRedelivery: cfg.Scheduler.TestTaskRedelivery,
			RedeliverAfter:     cfg.Scheduler.RedeliverAfter,
		},
		catalog,
		blobs,
		launch.NewLogLauncher(logger),
		events.NewLogSink(logger),
		results.Factory(cfg.Storage.ResultsDir),
		logger,
	)

	api := rest.NewAPI(broker, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := rest.ChainMiddleware(mux,
		rest.RecoveryMiddleware(logger),
		rest.LoggingMiddleware(logger),
	)

	server := &http.Server{
		Addr:         cfg.REST.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.REST.ReadTimeout,
		WriteTimeout: cfg.REST.WriteTimeout,
		IdleTimeout:  cfg.REST.IdleTimeout,
	}

	go func() {
		logger.Info("Starting broker API server", "addr", cfg.REST.Addr, "mode", string(mode))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	// Give the server 30 seconds to finish serving ongoing requests.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped")
}
