package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opentransit/gridbroker/internal/broker/events"
)

// nopLogger is a no-op logger for testing
type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...any) {}
func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}
func (nopLogger) Fatal(msg string, args ...any) {}

type fakeAssembler struct {
	mu           sync.Mutex
	results      []WorkResult
	terminations int
	failHandle   bool
}

func (a *fakeAssembler) HandleResult(res WorkResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failHandle {
		return errors.New("buffer write failed")
	}
	a.results = append(a.results, res)
	return nil
}

func (a *fakeAssembler) Terminate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminations++
	return nil
}

func (a *fakeAssembler) BufferSnapshot() (string, bool) {
	return "buffer", true
}

type fakeBlobs struct {
	mu        sync.Mutex
	stored    map[string][]byte
	removed   []string
	failStore bool
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{stored: make(map[string][]byte)}
}

func (b *fakeBlobs) Store(key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failStore {
		return errors.New("disk full")
	}
	b.stored[key] = data
	return nil
}

func (b *fakeBlobs) RemoveMatching(pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, pattern)
	return nil
}

type launchCall struct {
	category  WorkerCategory
	nOnDemand int
	nSpot     int
}

type fakeLauncher struct {
	mu    sync.Mutex
	calls []launchCall
}

func (l *fakeLauncher) Launch(category WorkerCategory, tags WorkerTags, nOnDemand, nSpot int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, launchCall{category: category, nOnDemand: nOnDemand, nSpot: nSpot})
}

func (l *fakeLauncher) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Send(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) lifecycle(state events.JobState) []events.JobLifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.JobLifecycleEvent
	for _, e := range s.events {
		if le, ok := e.(events.JobLifecycleEvent); ok && le.State == state {
			out = append(out, le)
		}
	}
	return out
}

type brokerFixture struct {
	broker     *Broker
	catalog    *WorkerCatalog
	blobs      *fakeBlobs
	launcher   *fakeLauncher
	sink       *captureSink
	mu         sync.Mutex
	assemblers []*fakeAssembler
}

func newFixture(opts BrokerOptions) *brokerFixture {
	f := &brokerFixture{
		catalog:  NewWorkerCatalog(0),
		blobs:    newFakeBlobs(),
		launcher: &fakeLauncher{},
		sink:     &captureSink{},
	}
	factory := func(template TemplateTask, tags WorkerTags) (Assembler, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		a := &fakeAssembler{}
		f.assemblers = append(f.assemblers, a)
		return a, nil
	}
	f.broker = NewBroker(opts, f.catalog, f.blobs, f.launcher, f.sink, factory, nopLogger{})
	return f
}

func cloudFixture(maxWorkers int) *brokerFixture {
	return newFixture(BrokerOptions{Mode: ModeCloud, MaxWorkers: maxWorkers})
}

func offlineFixture() *brokerFixture {
	return newFixture(BrokerOptions{Mode: ModeOffline, MaxWorkers: 100})
}

func (f *brokerFixture) assembler(i int) *fakeAssembler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assemblers[i]
}

func (f *brokerFixture) observeWorker(id string, category WorkerCategory) {
	f.catalog.Observe(WorkerStatusReport{
		WorkerID:      id,
		Address:       "10.0.0.1",
		DatasetID:     category.DatasetID,
		WorkerVersion: category.WorkerVersion,
		Role:          RoleRegional,
	})
}

func definition(jobID string, total int) JobDefinition {
	return JobDefinition{
		Template:     testTemplate(jobID, total),
		Tags:         WorkerTags{User: "rider", Group: "transit-lab"},
		ScenarioJSON: []byte(`{"modifications":[]}`),
	}
}

func TestBrokerJobLifecycle(t *testing.T) {
	f := offlineFixture()
	category := testTemplate("", 0).Category()

	_, err := f.broker.Enqueue(definition("job-1", 3))
	require.NoError(t, err)
	require.Len(t, f.sink.lifecycle(events.JobStarted), 1)

	// Three polls must jointly return exactly indices {0,1,2}.
	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		for _, task := range f.broker.PollForWork(category) {
			require.False(t, seen[task.TaskIndex], "task %d delivered twice", task.TaskIndex)
			require.Equal(t, "job-1", task.JobID)
			seen[task.TaskIndex] = true
		}
	}
	require.Equal(t, map[int]bool{0: true, 1: true, 2: true}, seen)

	for idx := 0; idx < 3; idx++ {
		require.NoError(t, f.broker.ReportResult(WorkResult{JobID: "job-1", TaskIndex: idx}))
	}

	_, ok := f.broker.StatusOf("job-1")
	require.False(t, ok, "completed job must not be visible")
	require.Len(t, f.assembler(0).results, 3)
	require.Equal(t, 1, f.assembler(0).terminations)
	require.Len(t, f.sink.lifecycle(events.JobCompleted), 1)
}

func TestBrokerEnqueueDuplicateJobFails(t *testing.T) {
	f := offlineFixture()

	_, err := f.broker.Enqueue(definition("job-1", 5))
	require.NoError(t, err)

	_, err = f.broker.Enqueue(definition("job-1", 99))
	require.ErrorIs(t, err, ErrDuplicateJob)

	// The first job must be unaffected.
	status, ok := f.broker.StatusOf("job-1")
	require.True(t, ok)
	require.Equal(t, 5, status.TotalTasks)
	require.Equal(t, 0, status.CompletedTasks)
}

func TestBrokerEnqueueAbortsWhenScenarioStoreFails(t *testing.T) {
	f := offlineFixture()
	f.blobs.failStore = true

	_, err := f.broker.Enqueue(definition("job-1", 5))
	require.Error(t, err)

	_, ok := f.broker.StatusOf("job-1")
	require.False(t, ok)
	require.Empty(t, f.assemblers)
	require.Empty(t, f.sink.lifecycle(events.JobStarted))
}

func TestBrokerReportResultForUnknownJobIsDiscarded(t *testing.T) {
	f := offlineFixture()

	_, err := f.broker.Enqueue(definition("job-1", 3))
	require.NoError(t, err)

	require.NoError(t, f.broker.ReportResult(WorkResult{JobID: "ghost", TaskIndex: 0}))

	status, ok := f.broker.StatusOf("job-1")
	require.True(t, ok)
	require.Equal(t, 0, status.CompletedTasks)
	require.Empty(t, f.assembler(0).results)
}

func TestBrokerDeleteJob(t *testing.T) {
	f := offlineFixture()

	_, err := f.broker.Enqueue(definition("job-1", 3))
	require.NoError(t, err)

	require.True(t, f.broker.Delete("job-1"))
	require.Equal(t, 1, f.assembler(0).terminations)
	require.Len(t, f.sink.lifecycle(events.JobCanceled), 1)
	require.Contains(t, f.blobs.removed, ScenarioKey("network-1", "scenario-1"))

	require.False(t, f.broker.Delete("job-1"))
	require.False(t, f.broker.Delete("never-existed"))
	require.Len(t, f.sink.lifecycle(events.JobCanceled), 1)
}

func TestBrokerResultAfterDeleteIsDiscarded(t *testing.T) {
	f := offlineFixture()
	category := testTemplate("", 0).Category()

	_, err := f.broker.Enqueue(definition("job-1", 3))
	require.NoError(t, err)
	f.broker.PollForWork(category)
	require.True(t, f.broker.Delete("job-1"))

	require.NoError(t, f.broker.ReportResult(WorkResult{JobID: "job-1", TaskIndex: 0}))
	require.Empty(t, f.assembler(0).results)
	require.Equal(t, 1, f.assembler(0).terminations)
}

func TestBrokerCompletionSideEffectsFireExactlyOnce(t *testing.T) {
	f := offlineFixture()
	category := testTemplate("", 0).Category()

	_, err := f.broker.Enqueue(definition("job-1", 1))
	require.NoError(t, err)
	f.broker.PollForWork(category)

	f.broker.MarkComplete("job-1", 0)
	f.broker.MarkComplete("job-1", 0)

	require.Equal(t, 1, f.assembler(0).terminations)
	require.Len(t, f.sink.lifecycle(events.JobCompleted), 1)
}

func TestBrokerCategoryIsolation(t *testing.T) {
	f := cloudFixture(100)
	catA := WorkerCategory{DatasetID: "network-1", WorkerVersion: "v7.1"}
	catB := WorkerCategory{DatasetID: "network-2", WorkerVersion: "v7.1"}
	f.observeWorker("wa", catA)
	f.observeWorker("wb", catB)

	defA := definition("job-a", 3)
	defB := definition("job-b", 3)
	defB.Template.DatasetID = "network-2"
	_, err := f.broker.Enqueue(defA)
	require.NoError(t, err)
	_, err = f.broker.Enqueue(defB)
	require.NoError(t, err)

	for _, task := range f.broker.PollForWork(catA) {
		require.Equal(t, "job-a", task.JobID)
	}
	for _, task := range f.broker.PollForWork(catB) {
		require.Equal(t, "job-b", task.JobID)
	}
}

func TestBrokerOfflinePollIgnoresCategory(t *testing.T) {
	f := offlineFixture()

	_, err := f.broker.Enqueue(definition("job-1", 2))
	require.NoError(t, err)

	other := WorkerCategory{DatasetID: "unrelated", WorkerVersion: "v0"}
	tasks := f.broker.PollForWork(other)
	require.Len(t, tasks, 2)
	require.Equal(t, "job-1", tasks[0].JobID)
}

func TestBrokerPollWithNoWorkReturnsEmpty(t *testing.T) {
	f := offlineFixture()
	require.Empty(t, f.broker.PollForWork(WorkerCategory{DatasetID: "x", WorkerVersion: "y"}))
}

func TestBrokerEnqueueRequestsOnDemandWorkerWhenCategoryEmpty(t *testing.T) {
	f := cloudFixture(100)

	_, err := f.broker.Enqueue(definition("job-1", 3))
	require.NoError(t, err)

	require.Equal(t, 1, f.launcher.callCount())
	require.Equal(t, launchCall{
		category:  WorkerCategory{DatasetID: "network-1", WorkerVersion: "v7.1"},
		nOnDemand: 1,
		nSpot:     0,
	}, f.launcher.calls[0])
}

func TestBrokerOnDemandRequestsRateLimitedByStartupGrace(t *testing.T) {
	f := cloudFixture(100)

	_, err := f.broker.Enqueue(definition("job-1", 3))
	require.NoError(t, err)
	_, err = f.broker.Enqueue(definition("job-2", 3))
	require.NoError(t, err)

	// The second request lands inside the startup grace window.
	require.Equal(t, 1, f.launcher.callCount())
}

func TestBrokerWorkerCapacityCapFailsRequest(t *testing.T) {
	f := cloudFixture(1)

	job, err := f.broker.Enqueue(definition("job-1", 3))
	require.ErrorIs(t, err, ErrWorkerCapacity)
	require.NotNil(t, job)
	require.Equal(t, 0, f.launcher.callCount())

	// The job itself stays enqueued.
	_, ok := f.broker.StatusOf("job-1")
	require.True(t, ok)
}

func TestBrokerScalingPolicyRequestsSpotWorkersAtTriggerTask(t *testing.T) {
	f := cloudFixture(100)
	category := WorkerCategory{DatasetID: "network-1", WorkerVersion: "v7.1"}
	f.observeWorker("w1", category)

	_, err := f.broker.Enqueue(definition("job-1", 1600))
	require.NoError(t, err)
	require.Equal(t, 0, f.launcher.callCount())

	require.NoError(t, f.broker.ReportResult(WorkResult{JobID: "job-1", TaskIndex: AutoScaleTriggerTask}))

	// target = min(250, 1600/800) = 2; one is running, so one spot worker.
	require.Equal(t, 1, f.launcher.callCount())
	require.Equal(t, launchCall{category: category, nOnDemand: 0, nSpot: 1}, f.launcher.calls[0])
}

func TestBrokerScalingPolicySkipsSmallJobs(t *testing.T) {
	f := cloudFixture(100)
	category := WorkerCategory{DatasetID: "network-1", WorkerVersion: "v7.1"}
	f.observeWorker("w1", category)

	_, err := f.broker.Enqueue(definition("job-1", 100))
	require.NoError(t, err)

	// target = 100/800 = 0, so no extra capacity is requested.
	require.NoError(t, f.broker.ReportResult(WorkResult{JobID: "job-1", TaskIndex: AutoScaleTriggerTask}))
	require.Equal(t, 0, f.launcher.callCount())
}

func TestBrokerScalingPolicyOnlyRunsAtTriggerTask(t *testing.T) {
	f := cloudFixture(100)
	category := WorkerCategory{DatasetID: "network-1", WorkerVersion: "v7.1"}
	f.observeWorker("w1", category)

	_, err := f.broker.Enqueue(definition("job-1", 1600))
	require.NoError(t, err)

	require.NoError(t, f.broker.ReportResult(WorkResult{JobID: "job-1", TaskIndex: 7}))
	require.NoError(t, f.broker.ReportResult(WorkResult{JobID: "job-1", TaskIndex: 43}))
	require.Equal(t, 0, f.launcher.callCount())
}

func TestBrokerScalingPolicyClampsFreeformJobs(t *testing.T) {
	f := cloudFixture(100)
	category := WorkerCategory{DatasetID: "network-1", WorkerVersion: "v7.1"}
	f.observeWorker("w1", category)

	def := definition("job-1", 8000)
	def.Template.FreeformOrigins = true
	_, err := f.broker.Enqueue(def)
	require.NoError(t, err)

	require.NoError(t, f.broker.ReportResult(WorkResult{JobID: "job-1", TaskIndex: AutoScaleTriggerTask}))

	// Unclamped target would be 10; freeform origins cap it at 5.
	require.Equal(t, launchCall{category: category, nOnDemand: 0, nSpot: 4}, f.launcher.calls[0])
}

func TestBrokerOfflineWorkerAddress(t *testing.T) {
	f := offlineFixture()
	addr, ok := f.broker.WorkerAddressFor(WorkerCategory{DatasetID: "anything", WorkerVersion: "v0"})
	require.True(t, ok)
	require.Equal(t, OfflineWorkerAddress, addr)
}

func TestBrokerStatusReportsProgress(t *testing.T) {
	f := offlineFixture()
	category := testTemplate("", 0).Category()

	_, err := f.broker.Enqueue(definition("job-1", 20))
	require.NoError(t, err)

	f.broker.PollForWork(category)
	require.NoError(t, f.broker.ReportResult(WorkResult{JobID: "job-1", TaskIndex: 0}))

	status, ok := f.broker.StatusOf("job-1")
	require.True(t, ok)
	require.Equal(t, 20, status.TotalTasks)
	require.Equal(t, 15, status.DeliveredTasks)
	require.Equal(t, 1, status.CompletedTasks)

	all := f.broker.AllStatuses()
	require.Len(t, all, 1)
	require.Equal(t, "job-1", all[0].JobID)
}

func TestBrokerConcurrentResultsCompleteJobOnce(t *testing.T) {
	f := offlineFixture()
	category := testTemplate("", 0).Category()
	total := 64

	_, err := f.broker.Enqueue(definition("job-1", total))
	require.NoError(t, err)
	for len(f.broker.PollForWork(category)) > 0 {
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := 0; idx < total; idx++ {
				// Every worker reports every task: heavy duplication.
				_ = f.broker.ReportResult(WorkResult{JobID: "job-1", TaskIndex: idx})
			}
		}()
	}
	wg.Wait()

	require.False(t, f.broker.AnyJobsActive())
	require.Equal(t, 1, f.assembler(0).terminations)
	require.Len(t, f.sink.lifecycle(events.JobCompleted), 1)
}

func TestBrokerAssemblerFailureDoesNotMarkComplete(t *testing.T) {
	f := offlineFixture()

	_, err := f.broker.Enqueue(definition("job-1", 3))
	require.NoError(t, err)
	f.assembler(0).failHandle = true

	err = f.broker.ReportResult(WorkResult{JobID: "job-1", TaskIndex: 0})
	require.Error(t, err)

	status, _ := f.broker.StatusOf("job-1")
	require.Equal(t, 0, status.CompletedTasks)
}

func TestBrokerManyJobsSameCategoryServedInOrder(t *testing.T) {
	f := offlineFixture()
	category := testTemplate("", 0).Category()

	for i := 0; i < 3; i++ {
		_, err := f.broker.Enqueue(definition(fmt.Sprintf("job-%d", i), 2))
		require.NoError(t, err)
	}

	// The first enqueued job is drained before the next is touched.
	tasks := f.broker.PollForWork(category)
	require.Equal(t, "job-0", tasks[0].JobID)
	require.Len(t, tasks, 2)

	tasks = f.broker.PollForWork(category)
	require.Equal(t, "job-1", tasks[0].JobID)
}
