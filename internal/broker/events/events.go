package events

// Event is anything the broker announces about job or fleet lifecycle.
// Events are fire-and-forget: sinks must never block or fail the sender.
type Event interface {
	Name() string
	// Fields returns alternating key/value pairs suitable for structured logging.
	Fields() []any
}

// Sink receives broker lifecycle events.
type Sink interface {
	Send(e Event)
}

type JobState string

const (
	JobStarted   JobState = "STARTED"
	JobCompleted JobState = "COMPLETED"
	JobCanceled  JobState = "CANCELED"
)

// JobLifecycleEvent marks a job entering or leaving the scheduler.
type JobLifecycleEvent struct {
	JobID string
	State JobState
	User  string
	Group string
}

func (e JobLifecycleEvent) Name() string { return "job_lifecycle" }

func (e JobLifecycleEvent) Fields() []any {
	return []any{
		"job_id", e.JobID,
		"state", string(e.State),
		"user", e.User,
		"group", e.Group,
	}
}

// WorkerRequestedEvent records a request for additional compute capacity.
type WorkerRequestedEvent struct {
	Role     string
	Category string
	Count    int
	User     string
	Group    string
}

func (e WorkerRequestedEvent) Name() string { return "worker_requested" }

func (e WorkerRequestedEvent) Fields() []any {
	return []any{
		"role", e.Role,
		"category", e.Category,
		"count", e.Count,
		"user", e.User,
		"group", e.Group,
	}
}
