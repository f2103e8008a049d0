package core

import (
	"context"

	brokercore "github.com/opentransit/gridbroker/internal/broker/core"
)

// BrokerClient talks to the broker's worker-facing endpoints.
type BrokerClient interface {
	// Poll announces the worker and asks for a batch of tasks. An empty
	// batch means no matching job currently has work.
	Poll(ctx context.Context) ([]brokercore.TaskDescriptor, error)
	// ReportResult posts one executed task's result back to the broker.
	ReportResult(ctx context.Context, res brokercore.WorkResult) error
	// Unregister releases the worker's interactive affinity claim before
	// shutdown.
	Unregister(ctx context.Context) error
}

// TaskExecutor runs one task and produces its result payload.
type TaskExecutor interface {
	Execute(ctx context.Context, task brokercore.TaskDescriptor) ([]byte, error)
}

// WorkerService runs the poll/execute/report loop until the context ends.
type WorkerService interface {
	Run(ctx context.Context) error
}
