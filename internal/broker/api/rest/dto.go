package rest

import (
	"encoding/json"
	"time"

	"github.com/opentransit/gridbroker/internal/broker/core"
)

type SubmitJobRequest struct {
	// JobID is optional; a fresh UUID is assigned when omitted.
	JobID         string `json:"job_id,omitempty"`
	DatasetID     string `json:"dataset_id"`
	WorkerVersion string `json:"worker_version"`
	ScenarioID    string `json:"scenario_id"`
	// Scenario is the immutable payload stored for workers to fetch.
	Scenario   json.RawMessage `json:"scenario,omitempty"`
	TotalTasks int             `json:"total_tasks"`

	OneToOne            bool     `json:"one_to_one,omitempty"`
	FreeformOrigins     bool     `json:"freeform_origins,omitempty"`
	Percentiles         []int    `json:"percentiles,omitempty"`
	Cutoffs             []int    `json:"cutoffs,omitempty"`
	DestinationDatasets []string `json:"destination_datasets,omitempty"`

	User  string `json:"user,omitempty"`
	Group string `json:"group,omitempty"`
}

type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Links  Links  `json:"links"`
}

type Links struct {
	Self string `json:"self"`
}

type JobStatusResponse struct {
	JobID          string `json:"job_id"`
	DatasetID      string `json:"dataset_id"`
	WorkerVersion  string `json:"worker_version"`
	TotalTasks     int    `json:"total_tasks"`
	DeliveredTasks int    `json:"delivered_tasks"`
	CompletedTasks int    `json:"completed_tasks"`
	ActiveWorkers  int    `json:"active_workers"`
}

type ListJobsResponse struct {
	Jobs  []JobStatusResponse `json:"jobs"`
	Total int                 `json:"total"`
}

type DeleteJobResponse struct {
	Deleted bool `json:"deleted"`
}

type PartialResultsResponse struct {
	Path string `json:"path"`
}

// PollRequest is a worker's self-report, doubling as its liveness heartbeat.
type PollRequest struct {
	WorkerID      string `json:"worker_id"`
	Address       string `json:"address"`
	DatasetID     string `json:"dataset_id"`
	WorkerVersion string `json:"worker_version"`
	// Role is "regional" or "single-point".
	Role string `json:"role"`
}

type PollResponse struct {
	Tasks []core.TaskDescriptor `json:"tasks"`
}

type ResultRequest struct {
	JobID     string `json:"job_id"`
	TaskIndex int    `json:"task_index"`
	Data      []byte `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

type UnregisterRequest struct {
	DatasetID     string `json:"dataset_id"`
	WorkerVersion string `json:"worker_version"`
}

type WorkerObservationResponse struct {
	WorkerID      string    `json:"worker_id"`
	Address       string    `json:"address"`
	DatasetID     string    `json:"dataset_id"`
	WorkerVersion string    `json:"worker_version"`
	Role          string    `json:"role"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

type ListWorkersResponse struct {
	Workers []WorkerObservationResponse `json:"workers"`
}

type WorkerAddressResponse struct {
	Address string `json:"address"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
