package docker

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"aqpredict/internal/apperrors"
)

// transformState is the in-memory record of one live batch transform job.
type transformState struct {
	containerID string
	model       string
	batchID     string
	startedAt   time.Time
	cancelWatch context.CancelFunc
}

// stateRepo tracks live jobs by id. Creation is two-phase: reserve claims
// the id with a nil placeholder before any container work starts, and
// commit fills the record in once the container is up. The placeholder
// keeps a second create for the same id from racing past the first.
type stateRepo struct {
	mu   sync.RWMutex
	jobs map[string]*transformState
}

func newStateRepo() *stateRepo {
	return &stateRepo{jobs: make(map[string]*transformState)}
}

// reserve claims jobID, failing with a conflict if the id is taken.
func (r *stateRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; ok {
		return apperrors.Conflict("job", jobID, "transform job already exists")
	}
	r.jobs[jobID] = nil
	return nil
}

// commit replaces the reservation placeholder with the real record.
func (r *stateRepo) commit(jobID string, st *transformState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = st
}

// get looks up a job. A reserved-but-uncommitted id yields (nil, true).
func (r *stateRepo) get(jobID string) (*transformState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.jobs[jobID]
	return st, ok
}

// release deletes the record and returns it, if the id was present.
func (r *stateRepo) release(jobID string) (*transformState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.jobs[jobID]
	if ok {
		delete(r.jobs, jobID)
	}
	return st, ok
}

// list snapshots every tracked job, reservations included.
func (r *stateRepo) list() map[string]*transformState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.jobs)
}

// ids snapshots the tracked job ids.
func (r *stateRepo) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Collect(maps.Keys(r.jobs))
}
