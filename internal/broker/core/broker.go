package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/opentransit/gridbroker/internal/broker/events"
	"github.com/opentransit/gridbroker/internal/broker/metrics"
	"github.com/opentransit/gridbroker/internal/shared/logging"
)

const (
	// MaxTasksPerWorker is the most task descriptors delivered per poll.
	MaxTasksPerWorker = 16

	// TargetTasksPerWorker sizes elastic scale-out: one spot worker is
	// targeted per this many tasks in a job.
	TargetTasksPerWorker = 800

	// AutoScaleTriggerTask is the task index whose result triggers the
	// scaling policy. Early enough to boost a job quickly, late enough that
	// some results have actually arrived.
	AutoScaleTriggerTask = 42

	// MaxWorkersPerCategory caps a single automatic scale-out request.
	MaxWorkersPerCategory = 250

	// maxFreeformWorkers clamps scale-out for jobs on freeform origin sets,
	// which are not load-tested at larger fleet sizes.
	maxFreeformWorkers = 5

	// WorkerStartupGrace is how long a requested on-demand worker is given
	// to boot before another request for the same category may be issued.
	WorkerStartupGrace = 60 * time.Minute

	// OfflineWorkerAddress is where the single local worker lives when the
	// broker runs without cloud provisioning.
	OfflineWorkerAddress = "localhost"
)

// JobDefinition is the input to Enqueue: the shared task template, the
// submitting user's context, and the raw scenario payload to persist for
// workers to fetch.
type JobDefinition struct {
	Template     TemplateTask
	Tags         WorkerTags
	ScenarioJSON []byte
}

// JobSummary is a read-only snapshot of one job's progress.
type JobSummary struct {
	JobID          string         `json:"job_id"`
	Category       WorkerCategory `json:"category"`
	Tags           WorkerTags     `json:"tags"`
	TotalTasks     int            `json:"total_tasks"`
	DeliveredTasks int            `json:"delivered_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	ActiveWorkers  int            `json:"active_workers"`
}

// BrokerOptions carries the scheduling and provisioning knobs.
type BrokerOptions struct {
	Mode       DeployMode
	MaxWorkers int

	// TestTaskRedelivery enables time-based redelivery on every enqueued
	// job. Meant only for exercising at-least-once delivery.
	TestTaskRedelivery bool
	RedeliverAfter     time.Duration
}

// Broker is the single authoritative in-memory scheduler for all active
// jobs. It matches polling workers to jobs by category, records completion,
// and requests compute capacity when jobs need it. All methods are safe for
// concurrent use: the job table lives under one coarse lock, and external
// calls (assembler forwarding, launches, events) happen outside it or are
// best effort. Scheduler state is not persisted; on restart, in-flight jobs
// must be resubmitted.
type Broker struct {
	opts BrokerOptions

	mu      sync.Mutex
	byID    map[string]*Job
	byCat   map[WorkerCategory][]*Job
	ordered []*Job // insertion order, for offline-mode selection

	// reqMu guards recentlyRequested so capacity requests never need the
	// job-table lock.
	reqMu             sync.Mutex
	recentlyRequested map[WorkerCategory]time.Time

	catalog      *WorkerCatalog
	blobs        BlobStore
	launcher     Launcher
	sink         events.Sink
	newAssembler AssemblerFactory

	now    func() time.Time
	logger logging.Logger
}

func NewBroker(
	opts BrokerOptions,
	catalog *WorkerCatalog,
	blobs BlobStore,
	launcher Launcher,
	sink events.Sink,
	newAssembler AssemblerFactory,
	logger logging.Logger,
) *Broker {
	return &Broker{
		opts:              opts,
		byID:              make(map[string]*Job),
		byCat:             make(map[WorkerCategory][]*Job),
		recentlyRequested: make(map[WorkerCategory]time.Time),
		catalog:           catalog,
		blobs:             blobs,
		launcher:          launcher,
		sink:              sink,
		newAssembler:      newAssembler,
		now:               time.Now,
		logger:            logger,
	}
}

func (b *Broker) offline() bool {
	return b.opts.Mode == ModeOffline
}

// Enqueue registers a new job with the scheduler. The scenario payload is
// persisted before the job becomes visible; a storage failure aborts the
// enqueue, since workers could otherwise never fetch the payload. If the
// job's category has no live worker, an on-demand worker is requested; a
// capacity-cap breach there is returned to the caller, but the job itself
// stays enqueued.
func (b *Broker) Enqueue(def JobDefinition) (*Job, error) {
	template := def.Template
	if template.JobID == "" {
		return nil, fmt.Errorf("job definition has no job id")
	}
	if template.TotalTaskCount <= 0 {
		return nil, fmt.Errorf("job %s has no tasks", template.JobID)
	}

	b.mu.Lock()
	_, exists := b.byID[template.JobID]
	b.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, template.JobID)
	}

	key := ScenarioKey(template.DatasetID, template.ScenarioID)
	if err := b.blobs.Store(key, def.ScenarioJSON); err != nil {
		return nil, fmt.Errorf("storing scenario for job %s: %w", template.JobID, err)
	}

	assembler, err := b.newAssembler(template, def.Tags)
	if err != nil {
		return nil, fmt.Errorf("creating result assembler for job %s: %w", template.JobID, err)
	}

	job := NewJob(template, def.Tags, assembler)
	if b.opts.TestTaskRedelivery {
		job.EnableRedelivery(b.opts.RedeliverAfter)
	}

	b.mu.Lock()
	if _, raced := b.byID[job.ID]; raced {
		b.mu.Unlock()
		if terr := assembler.Terminate(); terr != nil {
			b.logger.Error("Could not terminate assembler for duplicate job", "job_id", job.ID, "error", terr)
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	b.byID[job.ID] = job
	b.byCat[job.Category] = append(b.byCat[job.Category], job)
	b.ordered = append(b.ordered, job)
	b.mu.Unlock()

	metrics.ActiveJobs.Inc()
	b.logger.Info("Enqueued job",
		"job_id", job.ID,
		"category", job.Category.String(),
		"total_tasks", template.TotalTaskCount,
	)

	if b.opts.TestTaskRedelivery {
		// Redelivery test jobs must not trigger worker startup.
		return job, nil
	}

	if b.catalog.IsEmpty(job.Category) {
		if err := b.requestWorkers(job.Category, job.Tags, 1, 0); err != nil {
			return job, err
		}
	} else {
		// A worker already exists; stop waiting for any earlier request.
		b.clearRecentRequest(job.Category)
	}

	b.sink.Send(events.JobLifecycleEvent{
		JobID: job.ID,
		State: events.JobStarted,
		User:  job.Tags.User,
		Group: job.Tags.Group,
	})
	return job, nil
}

// PollForWork returns up to MaxTasksPerWorker task descriptors for a worker
// in the given category, marking them delivered. An empty result means no
// matching job has work; it is backpressure, never an error.
func (b *Broker) PollForWork(category WorkerCategory) []TaskDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()

	var job *Job
	if b.offline() {
		// Offline: the single local worker takes work from any job.
		for _, j := range b.ordered {
			if j.HasWork() {
				job = j
				break
			}
		}
	} else {
		for _, j := range b.byCat[category] {
			if j.HasWork() {
				job = j
				break
			}
		}
	}
	if job == nil {
		return nil
	}

	indices := job.TakeBatch(MaxTasksPerWorker, b.now())
	tasks := make([]TaskDescriptor, 0, len(indices))
	for _, idx := range indices {
		tasks = append(tasks, job.Template.Descriptor(idx))
	}
	metrics.TasksDelivered.Add(float64(len(tasks)))
	b.logger.Debug("Delivered tasks", "job_id", job.ID, "count", len(tasks))
	return tasks
}

// ReportResult forwards one task's result to the job's assembler and marks
// the task complete. Results for unknown jobs are discarded: the job may
// have been deleted while the worker was computing, which is a benign race.
// When the result is for the auto-scale trigger task, the scaling policy
// runs; its capacity-cap error fails this operation before the task is
// marked complete, so the task will be delivered again.
func (b *Broker) ReportResult(res WorkResult) error {
	b.mu.Lock()
	job := b.byID[res.JobID]
	b.mu.Unlock()

	if job == nil {
		metrics.ResultsDiscarded.Inc()
		b.logger.Warn("Discarding result for unknown job", "job_id", res.JobID, "task_index", res.TaskIndex)
		return nil
	}

	// The assembler reference is fixed at job creation, so forwarding can
	// happen outside the lock without racing deletes.
	if err := job.assembler.HandleResult(res); err != nil {
		return fmt.Errorf("assembling result for job %s task %d: %w", res.JobID, res.TaskIndex, err)
	}

	if res.TaskIndex == AutoScaleTriggerTask {
		if err := b.requestExtraWorkers(job); err != nil {
			return err
		}
	}

	b.MarkComplete(res.JobID, res.TaskIndex)
	return nil
}

// MarkComplete idempotently records one task as done. When the last task
// completes, the job is removed before the lock is released, its assembler
// is terminated best-effort, and a COMPLETED event fires exactly once.
func (b *Broker) MarkComplete(jobID string, taskIndex int) {
	b.mu.Lock()
	job := b.byID[jobID]
	if job == nil {
		b.mu.Unlock()
		b.logger.Warn("Cannot mark task complete on unknown job", "job_id", jobID, "task_index", taskIndex)
		return
	}
	if job.Complete(taskIndex) {
		metrics.TasksCompleted.Inc()
	} else {
		b.logger.Debug("Task already complete or out of range", "job_id", jobID, "task_index", taskIndex)
	}
	if !job.IsComplete() {
		b.mu.Unlock()
		return
	}
	b.removeLocked(job)
	b.mu.Unlock()

	metrics.ActiveJobs.Dec()
	b.logger.Info("Job complete", "job_id", job.ID, "total_tasks", job.Template.TotalTaskCount)
	if err := job.assembler.Terminate(); err != nil {
		b.logger.Error("Could not terminate result assembler, this may leak disk space", "job_id", job.ID, "error", err)
	}
	b.sink.Send(events.JobLifecycleEvent{
		JobID: job.ID,
		State: events.JobCompleted,
		User:  job.Tags.User,
		Group: job.Tags.Group,
	})
}

// Delete cancels and removes a job. It reports whether a job was actually
// removed; deleting an unknown id is a no-op, since deletes routinely race
// with in-flight worker traffic.
func (b *Broker) Delete(jobID string) bool {
	b.mu.Lock()
	job := b.byID[jobID]
	if job == nil {
		b.mu.Unlock()
		return false
	}
	b.removeLocked(job)
	b.mu.Unlock()

	metrics.ActiveJobs.Dec()
	if err := job.assembler.Terminate(); err != nil {
		b.logger.Error("Could not terminate result assembler, this may leak disk space", "job_id", job.ID, "error", err)
	}
	key := ScenarioKey(job.Template.DatasetID, job.Template.ScenarioID)
	if err := b.blobs.RemoveMatching(key); err != nil {
		b.logger.Error("Could not remove scenario payload", "job_id", job.ID, "key", key, "error", err)
	}
	b.sink.Send(events.JobLifecycleEvent{
		JobID: job.ID,
		State: events.JobCanceled,
		User:  job.Tags.User,
		Group: job.Tags.Group,
	})
	return true
}

// StatusOf returns a progress snapshot for one job, or false when the job
// is unknown (never enqueued, finished, or deleted).
func (b *Broker) StatusOf(jobID string) (JobSummary, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job := b.byID[jobID]
	if job == nil {
		return JobSummary{}, false
	}
	return b.summaryLocked(job), true
}

// AllStatuses returns progress snapshots for every active job in insertion
// order.
func (b *Broker) AllStatuses() []JobSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]JobSummary, 0, len(b.ordered))
	for _, job := range b.ordered {
		out = append(out, b.summaryLocked(job))
	}
	return out
}

// AnyJobsActive reports whether the scheduler still holds any job.
func (b *Broker) AnyJobsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID) > 0
}

// PartialResults exposes a job's partially assembled output artifact, when
// one exists.
func (b *Broker) PartialResults(jobID string) (string, bool) {
	b.mu.Lock()
	job := b.byID[jobID]
	b.mu.Unlock()
	if job == nil {
		return "", false
	}
	return job.assembler.BufferSnapshot()
}

// WorkerAddressFor returns the address of a worker with the category's
// dataset and software already warmed up. Offline mode always resolves to
// the fixed local worker.
func (b *Broker) WorkerAddressFor(category WorkerCategory) (string, bool) {
	if b.offline() {
		return OfflineWorkerAddress, true
	}
	return b.catalog.SinglePointAddressFor(category)
}

// RecordWorkerObservation forwards a worker's self-report into the catalog.
func (b *Broker) RecordWorkerObservation(report WorkerStatusReport) {
	b.catalog.Observe(report)
	metrics.KnownWorkers.Set(float64(b.catalog.TotalCount()))
}

// UnregisterSinglePointWorker drops a shutting-down worker's interactive
// affinity claim so its work can be reassigned on the next poll.
func (b *Broker) UnregisterSinglePointWorker(category WorkerCategory) {
	b.catalog.UnregisterSinglePoint(category)
}

// WorkerObservations returns a monitoring snapshot of the known fleet.
func (b *Broker) WorkerObservations() []WorkerObservation {
	return b.catalog.AllObservations()
}

// requestExtraWorkers applies the elastic scaling policy for one job: aim
// for one spot worker per TargetTasksPerWorker tasks, bounded per category,
// clamped hard for freeform origin sets, and request only the difference
// from what is already running.
func (b *Broker) requestExtraWorkers(job *Job) error {
	running := b.catalog.CountIn(job.Category)
	if running >= MaxWorkersPerCategory {
		return nil
	}
	target := job.Template.TotalTaskCount / TargetTasksPerWorker
	if target > MaxWorkersPerCategory {
		target = MaxWorkersPerCategory
	}
	if job.Template.FreeformOrigins && target > maxFreeformWorkers {
		target = maxFreeformWorkers
	}
	nSpot := target - running
	if nSpot <= 0 {
		return nil
	}
	return b.requestWorkers(job.Category, job.Tags, 0, nSpot)
}

// requestWorkers asks the launcher for capacity, subject to the global cap
// and the startup grace window. Offline mode never launches anything.
func (b *Broker) requestWorkers(category WorkerCategory, tags WorkerTags, nOnDemand, nSpot int) error {
	if b.offline() {
		b.logger.Info("Offline mode, not launching workers", "category", category.String())
		return nil
	}
	if nOnDemand < 0 || nSpot < 0 {
		b.logger.Info("Negative worker count requested, not launching any", "category", category.String())
		return nil
	}
	if b.catalog.TotalCount()+nOnDemand+nSpot >= b.opts.MaxWorkers {
		return fmt.Errorf("%w: limit %d, jobs on %s may not complete",
			ErrWorkerCapacity, b.opts.MaxWorkers, category)
	}

	b.reqMu.Lock()
	if at, ok := b.recentlyRequested[category]; ok && b.now().Sub(at) < WorkerStartupGrace {
		b.reqMu.Unlock()
		b.logger.Info("Workers still starting, not requesting more", "category", category.String())
		return nil
	}
	if nOnDemand > 0 {
		b.recentlyRequested[category] = b.now()
	}
	b.reqMu.Unlock()

	b.launcher.Launch(category, tags, nOnDemand, nSpot)

	if nOnDemand > 0 {
		metrics.WorkersRequested.WithLabelValues("on_demand").Add(float64(nOnDemand))
		b.sink.Send(events.WorkerRequestedEvent{
			Role:     string(RoleSinglePoint),
			Category: category.String(),
			Count:    nOnDemand,
			User:     tags.User,
			Group:    tags.Group,
		})
	}
	if nSpot > 0 {
		metrics.WorkersRequested.WithLabelValues("spot").Add(float64(nSpot))
		b.sink.Send(events.WorkerRequestedEvent{
			Role:     string(RoleRegional),
			Category: category.String(),
			Count:    nSpot,
			User:     tags.User,
			Group:    tags.Group,
		})
	}
	b.logger.Info("Requested workers",
		"category", category.String(),
		"on_demand", nOnDemand,
		"spot", nSpot,
	)
	return nil
}

func (b *Broker) clearRecentRequest(category WorkerCategory) {
	b.reqMu.Lock()
	delete(b.recentlyRequested, category)
	b.reqMu.Unlock()
}

func (b *Broker) summaryLocked(job *Job) JobSummary {
	return JobSummary{
		JobID:          job.ID,
		Category:       job.Category,
		Tags:           job.Tags,
		TotalTasks:     job.Template.TotalTaskCount,
		DeliveredTasks: job.DeliveredCount(),
		CompletedTasks: job.CompletedCount(),
		ActiveWorkers:  b.catalog.CountIn(job.Category),
	}
}

func (b *Broker) removeLocked(job *Job) {
	delete(b.byID, job.ID)

	list := b.byCat[job.Category]
	for i, j := range list {
		if j == job {
			b.byCat[job.Category] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.byCat[job.Category]) == 0 {
		delete(b.byCat, job.Category)
	}
	for i, j := range b.ordered {
		if j == job {
			b.ordered = append(b.ordered[:i], b.ordered[i+1:]...)
			break
		}
	}
}
