package core

import "errors"

var (
	// ErrDuplicateJob is returned when enqueueing a job whose id is already
	// registered with the scheduler. Job ids are never reused.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrWorkerCapacity is returned when a capacity request would exceed the
	// global maximum worker count. This is the one scheduling failure that is
	// surfaced rather than absorbed: silently under-provisioning would stall
	// jobs forever.
	ErrWorkerCapacity = errors.New("maximum total worker count reached")
)
