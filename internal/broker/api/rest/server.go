package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/opentransit/gridbroker/internal/broker/core"
	"github.com/opentransit/gridbroker/internal/broker/metrics"
	"github.com/opentransit/gridbroker/internal/shared/logging"
)

type API struct {
	broker *core.Broker
	logger logging.Logger
}

func NewAPI(broker *core.Broker, logger logging.Logger) *API {
	return &API{broker: broker, logger: logger}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", a.submitJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", a.deleteJob)
	mux.HandleFunc("GET /api/jobs/{id}/results", a.getPartialResults)
	mux.HandleFunc("GET /api/workers", a.listWorkers)
	mux.HandleFunc("GET /api/workers/address", a.getWorkerAddress)

	// Worker-facing endpoints.
	mux.HandleFunc("POST /internal/poll", a.poll)
	mux.HandleFunc("POST /internal/result", a.reportResult)
	mux.HandleFunc("POST /internal/unregister", a.unregister)

	mux.Handle("GET /metrics", metrics.Handler())
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := validateSubmitJobRequest(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	def := req.ToJobDefinition()
	job, err := a.broker.Enqueue(def)
	switch {
	case errors.Is(err, core.ErrDuplicateJob):
		a.respondError(w, http.StatusConflict, "duplicate job", err.Error())
		return
	case errors.Is(err, core.ErrWorkerCapacity):
		// The job is enqueued but no worker could be requested for it.
		a.respondError(w, http.StatusForbidden, "worker capacity reached", err.Error())
		return
	case err != nil:
		a.respondError(w, http.StatusInternalServerError, "could not enqueue job", err.Error())
		return
	}

	a.respondJSON(w, http.StatusCreated, SubmitJobResponse{
		JobID:  job.ID,
		Status: "STARTED",
		Links:  Links{Self: fmt.Sprintf("/api/jobs/%s", job.ID)},
	})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	statuses := a.broker.AllStatuses()
	jobs := make([]JobStatusResponse, 0, len(statuses))
	for _, s := range statuses {
		jobs = append(jobs, toJobStatusResponse(s))
	}
	a.respondJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Total: len(jobs)})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	status, ok := a.broker.StatusOf(jobID)
	if !ok {
		a.respondError(w, http.StatusNotFound, "job not found", "")
		return
	}
	a.respondJSON(w, http.StatusOK, toJobStatusResponse(status))
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	deleted := a.broker.Delete(jobID)
	if !deleted {
		a.respondError(w, http.StatusNotFound, "job not found", "")
		return
	}
	a.respondJSON(w, http.StatusOK, DeleteJobResponse{Deleted: true})
}

func (a *API) getPartialResults(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	path, ok := a.broker.PartialResults(jobID)
	if !ok {
		a.respondError(w, http.StatusNotFound, "no partial results", "")
		return
	}
	a.respondJSON(w, http.StatusOK, PartialResultsResponse{Path: path})
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	observations := a.broker.WorkerObservations()
	workers := make([]WorkerObservationResponse, 0, len(observations))
	for _, o := range observations {
		workers = append(workers, toWorkerObservationResponse(o))
	}
	a.respondJSON(w, http.StatusOK, ListWorkersResponse{Workers: workers})
}

func (a *API) getWorkerAddress(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	category := core.WorkerCategory{
		DatasetID:     query.Get("dataset_id"),
		WorkerVersion: query.Get("worker_version"),
	}
	if category.DatasetID == "" || category.WorkerVersion == "" {
		a.respondError(w, http.StatusBadRequest, "dataset_id and worker_version are required", "")
		return
	}
	addr, ok := a.broker.WorkerAddressFor(category)
	if !ok {
		a.respondError(w, http.StatusNotFound, "no worker available in category", "")
		return
	}
	a.respondJSON(w, http.StatusOK, WorkerAddressResponse{Address: addr})
}

func (a *API) poll(w http.ResponseWriter, r *http.Request) {
	var req PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.WorkerID == "" || req.DatasetID == "" || req.WorkerVersion == "" {
		a.respondError(w, http.StatusBadRequest, "worker_id, dataset_id and worker_version are required", "")
		return
	}

	report := req.ToStatusReport()
	a.broker.RecordWorkerObservation(report)

	tasks := a.broker.PollForWork(report.Category())
	if tasks == nil {
		tasks = []core.TaskDescriptor{}
	}
	a.respondJSON(w, http.StatusOK, PollResponse{Tasks: tasks})
}

func (a *API) reportResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.JobID == "" {
		a.respondError(w, http.StatusBadRequest, "job_id is required", "")
		return
	}

	err := a.broker.ReportResult(core.WorkResult{
		JobID:     req.JobID,
		TaskIndex: req.TaskIndex,
		Data:      req.Data,
		Error:     req.Error,
	})
	switch {
	case errors.Is(err, core.ErrWorkerCapacity):
		a.respondError(w, http.StatusForbidden, "worker capacity reached", err.Error())
		return
	case err != nil:
		a.respondError(w, http.StatusInternalServerError, "could not record result", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) unregister(w http.ResponseWriter, r *http.Request) {
	var req UnregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	a.broker.UnregisterSinglePointWorker(core.WorkerCategory{
		DatasetID:     req.DatasetID,
		WorkerVersion: req.WorkerVersion,
	})
	w.WriteHeader(http.StatusNoContent)
}

func validateSubmitJobRequest(req *SubmitJobRequest) error {
	if req.DatasetID == "" {
		return fmt.Errorf("dataset_id is required")
	}
	if req.WorkerVersion == "" {
		return fmt.Errorf("worker_version is required")
	}
	if req.TotalTasks <= 0 {
		return fmt.Errorf("total_tasks must be greater than 0")
	}
	return nil
}

func (a *API) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, message, details string) {
	a.respondJSON(w, status, ErrorResponse{Error: message, Details: details})
}
