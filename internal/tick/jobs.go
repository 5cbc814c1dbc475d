// Package tick implements TickScheduler: the
// periodic per-business recompute cycle, plus the job engine that fans a
// scheduled cron firing out across every business due for a run.
//
// The job engine (JobType/Registry/Processor) is a dependency graph of job
// types scoped per subject, a FIFO queue, and a retry queue for transient
// failures. Subjects are business IDs, and the only two job types are
// "pulse:run" (detect) and "tick:run" (recompute), the latter depending on
// the former per business so a business is never ticked against a stale
// detector run.
package tick

import (
	"sort"
	"sync"
)

// JobType is one stage in the per-business recompute pipeline.
type JobType struct {
	// ID uniquely identifies this stage (e.g. "pulse:run", "tick:run").
	ID string

	// DependsOn lists job IDs that must complete for the same subject
	// before this one is eligible.
	DependsOn []string

	// Priority breaks ties when multiple job types are eligible at once.
	Priority int

	// FindSubjects returns business IDs due for this job right now.
	FindSubjects func() []string

	// Execute runs the job for one business ID.
	Execute func(businessID string) error
}

// JobItem is one concrete (job type, business) execution unit.
type JobItem struct {
	ID         string
	TypeID     string
	BusinessID string
	Retries    int
}

func newJobItem(jt *JobType, businessID string) *JobItem {
	id := jt.ID
	if businessID != "" {
		id = jt.ID + ":" + businessID
	}
	return &JobItem{ID: id, TypeID: jt.ID, BusinessID: businessID}
}

// Registry holds registered job types and resolves dependency order.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*JobType
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*JobType)}
}

func (r *Registry) Register(jt *JobType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[jt.ID] = jt
}

func (r *Registry) Get(id string) *JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[id]
}

// All returns every registered job type ordered by priority descending,
// then ID ascending, for deterministic iteration.
func (r *Registry) All() []*JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*JobType, 0, len(r.types))
	for _, jt := range r.types {
		out = append(out, jt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
