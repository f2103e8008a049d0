package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	brokercore "github.com/opentransit/gridbroker/internal/broker/core"
	"github.com/opentransit/gridbroker/internal/shared/config"
	"github.com/opentransit/gridbroker/internal/shared/logging"
	"github.com/opentransit/gridbroker/internal/worker/api/rest"
	"github.com/opentransit/gridbroker/internal/worker/service"
)

func main() {
	configPath := flag.String("config", "", "path to worker config file")
	flag.Parse()

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	workerID := uuid.New().String()
	report := brokercore.WorkerStatusReport{
		WorkerID:      workerID,
		Address:       cfg.Identity.Address,
		DatasetID:     cfg.Identity.DatasetID,
		WorkerVersion: cfg.Identity.WorkerVersion,
		Role:          brokercore.RoleRegional,
	}
	if cfg.Identity.Role == "single-point" {
		report.Role = brokercore.RoleSinglePoint
	}

	client := rest.NewClient(cfg.BrokerURL, report, cfg.Poll.RequestTimeout)
	worker := service.NewWorkerService(
		client,
		&service.StubExecutor{},
		cfg.Poll.MinBackoff,
		cfg.Poll.MaxBackoff,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting worker",
		"worker_id", workerID,
		"broker_url", cfg.BrokerURL,
		"dataset_id", cfg.Identity.DatasetID,
		"worker_version", cfg.Identity.WorkerVersion,
		"role", string(report.Role),
	)

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Worker stopped with error", "error", err)
	}
	logger.Info("Worker stopped")
}
