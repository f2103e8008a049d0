package core

import (
	"sort"
	"sync"
	"time"
)

// WorkerStatusReport is what a worker says about itself on every poll or
// status push. Polling doubles as the liveness heartbeat.
type WorkerStatusReport struct {
	WorkerID      string     `json:"worker_id"`
	Address       string     `json:"address"`
	DatasetID     string     `json:"dataset_id"`
	WorkerVersion string     `json:"worker_version"`
	Role          WorkerRole `json:"role"`
}

func (r WorkerStatusReport) Category() WorkerCategory {
	return WorkerCategory{DatasetID: r.DatasetID, WorkerVersion: r.WorkerVersion}
}

// WorkerObservation is the catalog's record of one recently seen worker.
type WorkerObservation struct {
	WorkerID   string         `json:"worker_id"`
	Address    string         `json:"address"`
	Category   WorkerCategory `json:"category"`
	Role       WorkerRole     `json:"role"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}

// WorkerCatalog is the registry of workers currently believed alive, built
// from their self-reports. Observations older than the stale timeout are
// swept on access rather than by a background timer, so the catalog never
// grows without bound.
type WorkerCatalog struct {
	mu           sync.Mutex
	observations map[string]*WorkerObservation
	byCategory   map[WorkerCategory]map[string]struct{}
	// singlePoint maps a category to the worker holding its interactive
	// affinity claim.
	singlePoint map[WorkerCategory]string

	staleAfter time.Duration
	now        func() time.Time
}

func NewWorkerCatalog(staleAfter time.Duration) *WorkerCatalog {
	return &WorkerCatalog{
		observations: make(map[string]*WorkerObservation),
		byCategory:   make(map[WorkerCategory]map[string]struct{}),
		singlePoint:  make(map[WorkerCategory]string),
		staleAfter:   staleAfter,
		now:          time.Now,
	}
}

// Observe inserts or refreshes the observation for one worker.
func (c *WorkerCatalog) Observe(report WorkerStatusReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeStaleLocked()

	category := report.Category()
	if prev, ok := c.observations[report.WorkerID]; ok && prev.Category != category {
		// Worker switched datasets or was upgraded; drop its old indexing.
		c.removeLocked(report.WorkerID)
	}
	obs := &WorkerObservation{
		WorkerID:   report.WorkerID,
		Address:    report.Address,
		Category:   category,
		Role:       report.Role,
		LastSeenAt: c.now(),
	}
	c.observations[report.WorkerID] = obs
	members, ok := c.byCategory[category]
	if !ok {
		members = make(map[string]struct{})
		c.byCategory[category] = members
	}
	members[report.WorkerID] = struct{}{}

	if report.Role == RoleSinglePoint {
		if _, claimed := c.singlePoint[category]; !claimed {
			c.singlePoint[category] = report.WorkerID
		}
	}
}

// IsEmpty reports whether no live worker exists in the category.
func (c *WorkerCatalog) IsEmpty(category WorkerCategory) bool {
	return c.CountIn(category) == 0
}

// CountIn returns the number of live workers in the category.
func (c *WorkerCatalog) CountIn(category WorkerCategory) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeStaleLocked()
	return len(c.byCategory[category])
}

// TotalCount returns the number of live workers across all categories.
func (c *WorkerCatalog) TotalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeStaleLocked()
	return len(c.observations)
}

// SinglePointAddressFor returns the address of a worker serving interactive
// requests for the category, preferring the holder of the affinity claim.
func (c *WorkerCatalog) SinglePointAddressFor(category WorkerCategory) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeStaleLocked()

	if id, ok := c.singlePoint[category]; ok {
		if obs, live := c.observations[id]; live {
			return obs.Address, true
		}
	}
	for id := range c.byCategory[category] {
		obs := c.observations[id]
		if obs.Role == RoleSinglePoint {
			c.singlePoint[category] = id
			return obs.Address, true
		}
	}
	return "", false
}

// UnregisterSinglePoint releases the category's interactive affinity claim,
// letting pending interactive work move to another worker on its next poll.
func (c *WorkerCatalog) UnregisterSinglePoint(category WorkerCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.singlePoint[category]; ok {
		delete(c.singlePoint, category)
		c.removeLocked(id)
	}
}

// AllObservations returns a snapshot of every live observation, ordered by
// worker id for stable monitoring output.
func (c *WorkerCatalog) AllObservations() []WorkerObservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeStaleLocked()

	out := make([]WorkerObservation, 0, len(c.observations))
	for _, obs := range c.observations {
		out = append(out, *obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

func (c *WorkerCatalog) purgeStaleLocked() {
	if c.staleAfter <= 0 {
		return
	}
	threshold := c.now().Add(-c.staleAfter)
	for id, obs := range c.observations {
		if obs.LastSeenAt.Before(threshold) {
			c.removeLocked(id)
		}
	}
}

func (c *WorkerCatalog) removeLocked(workerID string) {
	obs, ok := c.observations[workerID]
	if !ok {
		return
	}
	delete(c.observations, workerID)
	if members, ok := c.byCategory[obs.Category]; ok {
		delete(members, workerID)
		if len(members) == 0 {
			delete(c.byCategory, obs.Category)
		}
	}
	if c.singlePoint[obs.Category] == workerID {
		delete(c.singlePoint, obs.Category)
	}
}
