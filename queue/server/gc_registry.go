package server

import (
	"fmt"
	"sync"
	"time"
)

type gcRecord struct {
	affinityID uint32
	groupID    uint32
	submitTime time.Time
	lifetime   time.Time
}

// GCRegistry keeps the expiry instant of every job known to a queue along
// with the affinity and group it must be unlinked from on deletion.
//
// Asking about a job that was never registered is a programming error and
// panics.
type GCRegistry struct {
	mu   sync.Mutex
	jobs map[uint32]gcRecord
}

func NewGCRegistry() *GCRegistry {
	return &GCRegistry{jobs: make(map[uint32]gcRecord)}
}

func (r *GCRegistry) RegisterJob(id uint32, submit time.Time, affinityID, groupID uint32, lifetime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = gcRecord{affinityID, groupID, submit, lifetime}
}

// DeleteIfTimedOut removes the record when now has reached its lifetime
// and returns the affinity and group the job belonged to.
func (r *GCRegistry) DeleteIfTimedOut(id uint32, now time.Time) (deleted bool, affinityID, groupID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		panic(fmt.Sprintf("testing lifetime of unregistered job %d", id))
	}
	if now.Before(rec.lifetime) {
		return false, 0, 0
	}
	delete(r.jobs, id)
	return true, rec.affinityID, rec.groupID
}

// Forget drops a record unconditionally. Used when a job is erased
// explicitly rather than by the expiry sweep.
func (r *GCRegistry) Forget(id uint32) (affinityID, groupID uint32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if ok {
		delete(r.jobs, id)
	}
	return rec.affinityID, rec.groupID, ok
}

func (r *GCRegistry) UpdateLifetime(id uint32, lifetime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		panic(fmt.Sprintf("updating lifetime of unregistered job %d", id))
	}
	rec.lifetime = lifetime
	r.jobs[id] = rec
}

func (r *GCRegistry) GetLifetime(id uint32) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		panic(fmt.Sprintf("retrieving lifetime of unregistered job %d", id))
	}
	return rec.lifetime
}

func (r *GCRegistry) GetAffinityID(id uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id].affinityID
}

func (r *GCRegistry) GetGroupID(id uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id].groupID
}

// GetPreciseSubmitTime returns the zero time for unknown jobs.
func (r *GCRegistry) GetPreciseSubmitTime(id uint32) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id].submitTime
}

// IsOutdatedJob reports whether a registered job was submitted more than
// timeout before now. Unknown jobs, e.g. erased by a concurrent purge,
// are never outdated.
func (r *GCRegistry) IsOutdatedJob(id uint32, now time.Time, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return false
	}
	return rec.submitTime.Add(timeout).Before(now)
}

func (r *GCRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *GCRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[uint32]gcRecord)
}
