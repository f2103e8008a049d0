package rest

import (
	"strings"

	"github.com/google/uuid"

	"github.com/opentransit/gridbroker/internal/broker/core"
)

func (req *SubmitJobRequest) ToJobDefinition() core.JobDefinition {
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	scenarioID := req.ScenarioID
	if scenarioID == "" {
		scenarioID = uuid.New().String()
	}
	return core.JobDefinition{
		Template: core.TemplateTask{
			JobID:               jobID,
			DatasetID:           req.DatasetID,
			WorkerVersion:       req.WorkerVersion,
			ScenarioID:          scenarioID,
			TotalTaskCount:      req.TotalTasks,
			OneToOne:            req.OneToOne,
			FreeformOrigins:     req.FreeformOrigins,
			Percentiles:         req.Percentiles,
			Cutoffs:             req.Cutoffs,
			DestinationDatasets: req.DestinationDatasets,
		},
		Tags: core.WorkerTags{
			User:  req.User,
			Group: req.Group,
		},
		ScenarioJSON: req.Scenario,
	}
}

func (req *PollRequest) ToStatusReport() core.WorkerStatusReport {
	return core.WorkerStatusReport{
		WorkerID:      req.WorkerID,
		Address:       req.Address,
		DatasetID:     req.DatasetID,
		WorkerVersion: req.WorkerVersion,
		Role:          parseRole(req.Role),
	}
}

func parseRole(role string) core.WorkerRole {
	switch strings.ToLower(role) {
	case "single-point", "single_point", "singlepoint":
		return core.RoleSinglePoint
	default:
		return core.RoleRegional
	}
}

func toJobStatusResponse(s core.JobSummary) JobStatusResponse {
	return JobStatusResponse{
		JobID:          s.JobID,
		DatasetID:      s.Category.DatasetID,
		WorkerVersion:  s.Category.WorkerVersion,
		TotalTasks:     s.TotalTasks,
		DeliveredTasks: s.DeliveredTasks,
		CompletedTasks: s.CompletedTasks,
		ActiveWorkers:  s.ActiveWorkers,
	}
}

func toWorkerObservationResponse(o core.WorkerObservation) WorkerObservationResponse {
	return WorkerObservationResponse{
		WorkerID:      o.WorkerID,
		Address:       o.Address,
		DatasetID:     o.Category.DatasetID,
		WorkerVersion: o.Category.WorkerVersion,
		Role:          string(o.Role),
		LastSeenAt:    o.LastSeenAt,
	}
}
