package core

// Assembler incorporates per-task results into a job's aggregate output.
// Each job owns exactly one assembler and releases it exactly once, on
// completion or deletion.
type Assembler interface {
	// HandleResult accepts one task's output.
	HandleResult(res WorkResult) error
	// Terminate releases any resources held by the assembler. Errors are
	// reported to the caller, which logs them and moves on.
	Terminate() error
	// BufferSnapshot exposes a partially-complete result artifact while the
	// job is still running. The second return is false once terminated or
	// when no artifact exists.
	BufferSnapshot() (string, bool)
}

// AssemblerFactory builds the assembler for a newly enqueued job.
type AssemblerFactory func(template TemplateTask, tags WorkerTags) (Assembler, error)

// Launcher requests compute capacity from the deployment environment.
// Requests are best effort: launch failures are not reported back to the
// scheduler synchronously.
type Launcher interface {
	Launch(category WorkerCategory, tags WorkerTags, nOnDemand, nSpot int)
}

// BlobStore persists the immutable per-job payloads that workers fetch by key.
type BlobStore interface {
	Store(key string, data []byte) error
	// RemoveMatching deletes stored payloads whose keys match a glob pattern.
	RemoveMatching(pattern string) error
}
