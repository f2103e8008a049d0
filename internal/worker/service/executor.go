package service

import (
	"context"
	"encoding/json"
	"time"

	brokercore "github.com/opentransit/gridbroker/internal/broker/core"
)

// StubExecutor is a placeholder for the routing kernel. It produces an
// empty accessibility record per task after a short delay, which is enough
// to exercise the full broker round trip in local deployments.
type StubExecutor struct {
	Delay time.Duration
}

type stubResult struct {
	JobID     string `json:"job_id"`
	TaskIndex int    `json:"task_index"`
}

func (e *StubExecutor) Execute(ctx context.Context, task brokercore.TaskDescriptor) ([]byte, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return json.Marshal(stubResult{JobID: task.JobID, TaskIndex: task.TaskIndex})
}
