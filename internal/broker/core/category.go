package core

// WorkerCategory is the pair of loaded dataset and worker software version
// that determines which workers are compatible with a job's tasks. It is a
// comparable value type used directly as a map key and never mutated.
type WorkerCategory struct {
	DatasetID     string
	WorkerVersion string
}

func (c WorkerCategory) String() string {
	return c.DatasetID + "@" + c.WorkerVersion
}

// WorkerTags carries opaque user and organization context. It is attached to
// lifecycle events and to any workers launched on the job's behalf.
type WorkerTags struct {
	User  string
	Group string
}

// WorkerRole distinguishes workers serving low-latency interactive requests
// from workers serving batch job tasks.
type WorkerRole string

const (
	RoleSinglePoint WorkerRole = "SINGLE_POINT"
	RoleRegional    WorkerRole = "REGIONAL"
)

// DeployMode selects between cloud provisioning and a local setup where a
// single always-present worker stands in for the fleet.
type DeployMode string

const (
	ModeOffline DeployMode = "OFFLINE"
	ModeCloud   DeployMode = "CLOUD"
)
