package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	brokercore "github.com/opentransit/gridbroker/internal/broker/core"
	"github.com/opentransit/gridbroker/internal/shared/logging"
	"github.com/opentransit/gridbroker/internal/worker/core"
)

type workerService struct {
	client     core.BrokerClient
	executor   core.TaskExecutor
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     logging.Logger
}

func NewWorkerService(
	client core.BrokerClient,
	executor core.TaskExecutor,
	minBackoff time.Duration,
	maxBackoff time.Duration,
	logger logging.Logger,
) core.WorkerService {
	return &workerService{
		client:     client,
		executor:   executor,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     logger,
	}
}

// Run polls the broker until the context is canceled. The worker re-polls
// immediately while tasks flow; when a poll comes back empty or fails, it
// sleeps with exponential backoff. Each poll doubles as the worker's
// liveness signal, so the backoff ceiling stays well below the broker's
// stale-worker timeout.
func (w *workerService) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.minBackoff
	policy.MaxInterval = w.maxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		select {
		case <-ctx.Done():
			if err := w.client.Unregister(context.Background()); err != nil {
				w.logger.Warn("Failed to unregister from broker", "error", err)
			}
			return ctx.Err()
		default:
		}

		tasks, err := w.client.Poll(ctx)
		if err != nil {
			w.logger.Error("Poll failed", "error", err)
			w.sleep(ctx, policy.NextBackOff())
			continue
		}
		if len(tasks) == 0 {
			w.sleep(ctx, policy.NextBackOff())
			continue
		}
		policy.Reset()

		w.logger.Info("Received tasks", "count", len(tasks), "job_id", tasks[0].JobID)
		for _, task := range tasks {
			w.runTask(ctx, task)
		}
	}
}

func (w *workerService) runTask(ctx context.Context, task brokercore.TaskDescriptor) {
	result := brokercore.WorkResult{
		JobID:     task.JobID,
		TaskIndex: task.TaskIndex,
	}

	data, err := w.executor.Execute(ctx, task)
	if err != nil {
		w.logger.Error("Task execution failed",
			"job_id", task.JobID,
			"task_index", task.TaskIndex,
			"error", err,
		)
		result.Error = err.Error()
	} else {
		result.Data = data
	}

	// Reporting is best effort; an unreported task is simply redelivered.
	if err := w.client.ReportResult(ctx, result); err != nil {
		w.logger.Error("Failed to report result",
			"job_id", task.JobID,
			"task_index", task.TaskIndex,
			"error", err,
		)
	}
}

func (w *workerService) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
