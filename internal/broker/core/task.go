package core

import "fmt"

// TemplateTask is the immutable description of the parameters shared by
// every task in a job. The broker expands it into individual task
// descriptors; workers fetch the full scenario payload from blob storage by
// the key embedded in each descriptor.
type TemplateTask struct {
	JobID          string
	DatasetID      string
	WorkerVersion  string
	ScenarioID     string
	TotalTaskCount int

	// OneToOne pairs each origin with a single destination instead of the
	// full destination set.
	OneToOne bool
	// FreeformOrigins marks jobs keyed by a small user-supplied origin set
	// rather than a regular grid. Elastic scale-out is clamped for these.
	FreeformOrigins bool

	Percentiles         []int
	Cutoffs             []int
	DestinationDatasets []string
}

func (t TemplateTask) Category() WorkerCategory {
	return WorkerCategory{DatasetID: t.DatasetID, WorkerVersion: t.WorkerVersion}
}

// ScenarioKey is the blob storage key for a job's scenario payload.
func ScenarioKey(datasetID, scenarioID string) string {
	return fmt.Sprintf("%s_%s.json", datasetID, scenarioID)
}

// TaskDescriptor is one unit of work delivered to a polling worker. It
// carries everything the worker needs to execute the task and report back.
type TaskDescriptor struct {
	JobID         string `json:"job_id"`
	TaskIndex     int    `json:"task_index"`
	DatasetID     string `json:"dataset_id"`
	WorkerVersion string `json:"worker_version"`
	ScenarioKey   string `json:"scenario_key"`

	OneToOne            bool     `json:"one_to_one"`
	Percentiles         []int    `json:"percentiles,omitempty"`
	Cutoffs             []int    `json:"cutoffs,omitempty"`
	DestinationDatasets []string `json:"destination_datasets,omitempty"`
}

// Descriptor expands the template into the descriptor for one task index.
func (t TemplateTask) Descriptor(taskIndex int) TaskDescriptor {
	return TaskDescriptor{
		JobID:               t.JobID,
		TaskIndex:           taskIndex,
		DatasetID:           t.DatasetID,
		WorkerVersion:       t.WorkerVersion,
		ScenarioKey:         ScenarioKey(t.DatasetID, t.ScenarioID),
		OneToOne:            t.OneToOne,
		Percentiles:         t.Percentiles,
		Cutoffs:             t.Cutoffs,
		DestinationDatasets: t.DestinationDatasets,
	}
}

// WorkResult is a worker's report for one executed task. Either Data or
// Error is set. Results are delivered at least once; receiving a result for
// an already-completed task is normal.
type WorkResult struct {
	JobID     string `json:"job_id"`
	TaskIndex int    `json:"task_index"`
	Data      []byte `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}
