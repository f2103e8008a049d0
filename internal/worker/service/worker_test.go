package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	brokercore "github.com/opentransit/gridbroker/internal/broker/core"
)

type mockLogger struct{}

func (mockLogger) Debug(msg string, args ...any) {}
func (mockLogger) Info(msg string, args ...any)  {}
func (mockLogger) Warn(msg string, args ...any)  {}
func (mockLogger) Error(msg string, args ...any) {}
func (mockLogger) Fatal(msg string, args ...any) {}

// fakeClient serves scripted batches, then empty polls.
type fakeClient struct {
	mu           sync.Mutex
	batches      [][]brokercore.TaskDescriptor
	pollErr      error
	reported     []brokercore.WorkResult
	unregistered bool
	drained      chan struct{}
	drainedOnce  sync.Once
}

func newFakeClient(batches ...[]brokercore.TaskDescriptor) *fakeClient {
	return &fakeClient{batches: batches, drained: make(chan struct{})}
}

func (c *fakeClient) Poll(ctx context.Context) ([]brokercore.TaskDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollErr != nil {
		return nil, c.pollErr
	}
	if len(c.batches) == 0 {
		c.drainedOnce.Do(func() { close(c.drained) })
		return nil, nil
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func (c *fakeClient) ReportResult(ctx context.Context, res brokercore.WorkResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reported = append(c.reported, res)
	return nil
}

func (c *fakeClient) Unregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unregistered = true
	return nil
}

func (c *fakeClient) results() []brokercore.WorkResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]brokercore.WorkResult, len(c.reported))
	copy(out, c.reported)
	return out
}

type fakeExecutor struct {
	failIndex int
	hasFail   bool
}

func (e *fakeExecutor) Execute(ctx context.Context, task brokercore.TaskDescriptor) ([]byte, error) {
	if e.hasFail && task.TaskIndex == e.failIndex {
		return nil, errors.New("origin outside network bounds")
	}
	return []byte(`{"ok":true}`), nil
}

func descriptor(jobID string, idx int) brokercore.TaskDescriptor {
	return brokercore.TaskDescriptor{JobID: jobID, TaskIndex: idx, DatasetID: "network-1", WorkerVersion: "v7.1"}
}

func runUntilDrained(t *testing.T, client *fakeClient, executor *fakeExecutor) {
	t.Helper()
	svc := NewWorkerService(client, executor, time.Millisecond, 5*time.Millisecond, mockLogger{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case <-client.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("Worker never drained the scripted batches")
	}
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Worker did not stop after cancellation")
	}
}

func TestWorkerExecutesAndReportsBatch(t *testing.T) {
	client := newFakeClient([]brokercore.TaskDescriptor{
		descriptor("job-1", 0),
		descriptor("job-1", 1),
	})

	runUntilDrained(t, client, &fakeExecutor{})

	results := client.results()
	require.Len(t, results, 2)
	require.Equal(t, 0, results[0].TaskIndex)
	require.Equal(t, 1, results[1].TaskIndex)
	for _, res := range results {
		require.Equal(t, "job-1", res.JobID)
		require.Empty(t, res.Error)
		require.NotEmpty(t, res.Data)
	}
}

func TestWorkerReportsExecutionFailure(t *testing.T) {
	client := newFakeClient([]brokercore.TaskDescriptor{descriptor("job-1", 3)})

	runUntilDrained(t, client, &fakeExecutor{failIndex: 3, hasFail: true})

	results := client.results()
	require.Len(t, results, 1)
	require.Equal(t, "origin outside network bounds", results[0].Error)
	require.Empty(t, results[0].Data)
}

func TestWorkerProcessesConsecutiveBatches(t *testing.T) {
	client := newFakeClient(
		[]brokercore.TaskDescriptor{descriptor("job-1", 0)},
		[]brokercore.TaskDescriptor{descriptor("job-1", 1)},
	)

	runUntilDrained(t, client, &fakeExecutor{})

	require.Len(t, client.results(), 2)
}

func TestWorkerUnregistersOnShutdown(t *testing.T) {
	client := newFakeClient()

	runUntilDrained(t, client, &fakeExecutor{})

	client.mu.Lock()
	defer client.mu.Unlock()
	require.True(t, client.unregistered)
}

func TestWorkerKeepsPollingThroughErrors(t *testing.T) {
	client := newFakeClient([]brokercore.TaskDescriptor{descriptor("job-1", 0)})
	client.pollErr = errors.New("connection refused")

	svc := NewWorkerService(client, &fakeExecutor{}, time.Millisecond, 5*time.Millisecond, mockLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Let a few failing polls happen, then heal the connection.
	time.Sleep(20 * time.Millisecond)
	client.mu.Lock()
	client.pollErr = nil
	client.mu.Unlock()

	select {
	case <-client.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("Worker never recovered from poll errors")
	}
	cancel()
	<-done

	require.Len(t, client.results(), 1)
}
