package core

import (
	"fmt"
	"sort"
	"time"
)

// Job tracks the queue and progress of one regional analysis. Task indices
// run from 0 to TotalTaskCount-1 and each index is in exactly one of three
// sets at any time: not yet delivered, delivered-pending, or completed.
// Delivery is at least once, so completion is idempotent.
//
// Job is not safe for concurrent use on its own; the Broker serializes all
// access under its lock.
type Job struct {
	ID       string
	Category WorkerCategory
	Template TemplateTask
	Tags     WorkerTags

	assembler Assembler

	// nextUndelivered is the cursor into the never-delivered range.
	// Indices re-queued for redelivery wait in redeliver.
	nextUndelivered int
	redeliver       []int
	delivered       map[int]time.Time
	completed       map[int]struct{}

	// redeliveryEnabled re-queues delivered tasks that have not completed
	// within redeliverAfter. Used to exercise at-least-once delivery in
	// tests; production relies on workers not vanishing mid-batch.
	redeliveryEnabled bool
	redeliverAfter    time.Duration
}

func NewJob(template TemplateTask, tags WorkerTags, assembler Assembler) *Job {
	return &Job{
		ID:        template.JobID,
		Category:  template.Category(),
		Template:  template,
		Tags:      tags,
		assembler: assembler,
		delivered: make(map[int]time.Time),
		completed: make(map[int]struct{}),
	}
}

// EnableRedelivery turns on time-based task redelivery. Test use only.
func (j *Job) EnableRedelivery(after time.Duration) {
	j.redeliveryEnabled = true
	j.redeliverAfter = after
}

// TakeBatch moves up to maxCount task indices from the undelivered set to
// delivered-pending, stamping each with the delivery time. Returns nil when
// nothing remains to deliver.
func (j *Job) TakeBatch(maxCount int, now time.Time) []int {
	if maxCount <= 0 {
		return nil
	}
	if j.redeliveryEnabled {
		j.requeueStalled(now)
	}
	var batch []int
	for len(batch) < maxCount && len(j.redeliver) > 0 {
		idx := j.redeliver[0]
		j.redeliver = j.redeliver[1:]
		if _, done := j.completed[idx]; done {
			continue
		}
		j.delivered[idx] = now
		batch = append(batch, idx)
	}
	for len(batch) < maxCount && j.nextUndelivered < j.Template.TotalTaskCount {
		idx := j.nextUndelivered
		j.nextUndelivered++
		j.delivered[idx] = now
		batch = append(batch, idx)
	}
	return batch
}

// requeueStalled moves delivered tasks whose delivery has outlived the
// redelivery window back into the queue, oldest index first.
func (j *Job) requeueStalled(now time.Time) {
	for idx, at := range j.delivered {
		if now.Sub(at) >= j.redeliverAfter {
			delete(j.delivered, idx)
			j.redeliver = append(j.redeliver, idx)
		}
	}
	sort.Ints(j.redeliver)
}

// Complete marks a task index done. It reports whether this call newly
// completed the index, so completion side effects can fire exactly once.
// Completing an unknown or already-completed index is a no-op.
func (j *Job) Complete(taskIndex int) bool {
	if taskIndex < 0 || taskIndex >= j.Template.TotalTaskCount {
		return false
	}
	if _, done := j.completed[taskIndex]; done {
		return false
	}
	delete(j.delivered, taskIndex)
	j.completed[taskIndex] = struct{}{}
	return true
}

// HasWork reports whether any task remains in the undelivered set. With
// redelivery enabled, tasks whose delivery window has expired count too.
func (j *Job) HasWork() bool {
	if j.nextUndelivered < j.Template.TotalTaskCount || len(j.redeliver) > 0 {
		return true
	}
	if j.redeliveryEnabled {
		now := time.Now()
		for _, at := range j.delivered {
			if now.Sub(at) >= j.redeliverAfter {
				return true
			}
		}
	}
	return false
}

func (j *Job) IsComplete() bool {
	return len(j.completed) == j.Template.TotalTaskCount
}

func (j *Job) DeliveredCount() int {
	return len(j.delivered)
}

func (j *Job) CompletedCount() int {
	return len(j.completed)
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s on %s: %d/%d complete, %d in flight",
		j.ID, j.Category, len(j.completed), j.Template.TotalTaskCount, len(j.delivered))
}
