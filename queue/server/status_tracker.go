package server

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/twitter/netschedule/queue/domain"
)

// StatusTracker maps job ids to statuses with one bitmap per status.
// A job id is set in at most one bitmap at any time.
type StatusTracker struct {
	mu       sync.RWMutex
	statuses [domain.StatusCount]*roaring.Bitmap
}

func NewStatusTracker() *StatusTracker {
	t := &StatusTracker{}
	for i := range t.statuses {
		t.statuses[i] = roaring.NewBitmap()
	}
	return t
}

// GetStatus returns StatusNotFound for unknown ids.
func (t *StatusTracker) GetStatus(id uint32) domain.JobStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statusNoLock(id)
}

func (t *StatusTracker) statusNoLock(id uint32) domain.JobStatus {
	for i, bm := range t.statuses {
		if bm.Contains(id) {
			return domain.JobStatus(i)
		}
	}
	return domain.StatusNotFound
}

// SetStatus moves id into status, clearing it everywhere else. Setting
// StatusNotFound erases the job.
func (t *StatusTracker) SetStatus(id uint32, status domain.JobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStatusNoLock(id, status)
}

func (t *StatusTracker) setStatusNoLock(id uint32, status domain.JobStatus) {
	for i, bm := range t.statuses {
		if domain.JobStatus(i) != status {
			bm.Remove(id)
		}
	}
	if status != domain.StatusNotFound {
		t.statuses[status].Add(id)
	}
}

func (t *StatusTracker) AddPendingJob(id uint32) {
	t.SetStatus(id, domain.StatusPending)
}

// AddPendingBatch marks the inclusive range [from, to] pending.
func (t *StatusTracker) AddPendingBatch(from, to uint32) {
	if to < from {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, bm := range t.statuses {
		if domain.JobStatus(i) != domain.StatusPending {
			bm.RemoveRange(uint64(from), uint64(to)+1)
		}
	}
	t.statuses[domain.StatusPending].AddRange(uint64(from), uint64(to)+1)
}

func (t *StatusTracker) Erase(id uint32) {
	t.SetStatus(id, domain.StatusNotFound)
}

func (t *StatusTracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, bm := range t.statuses {
		bm.Clear()
	}
}

// GetJobByStatus returns the lowest id in status that is not unwanted and,
// when group is non-empty, belongs to group. Zero means none.
func (t *StatusTracker) GetJobByStatus(status domain.JobStatus, unwanted, group *roaring.Bitmap) uint32 {
	return t.GetJobByStatuses([]domain.JobStatus{status}, unwanted, group)
}

func (t *StatusTracker) GetJobByStatuses(statuses []domain.JobStatus, unwanted, group *roaring.Bitmap) uint32 {
	t.mu.RLock()
	candidates := roaring.NewBitmap()
	for _, s := range statuses {
		candidates.Or(t.statuses[s])
	}
	t.mu.RUnlock()

	if group != nil && !group.IsEmpty() {
		candidates.And(group)
	}
	if unwanted != nil {
		candidates.AndNot(unwanted)
	}
	return minimum(candidates)
}

// GetJobs returns the union of jobs in the given statuses.
func (t *StatusTracker) GetJobs(statuses ...domain.JobStatus) *roaring.Bitmap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := roaring.NewBitmap()
	for _, s := range statuses {
		out.Or(t.statuses[s])
	}
	return out
}

// GetPendingJobFromSet returns the lowest pending id among candidates.
func (t *StatusTracker) GetPendingJobFromSet(candidates *roaring.Bitmap) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return minimum(roaring.And(candidates, t.statuses[domain.StatusPending]))
}

// GetOutdatedPendingJobs returns pending jobs submitted more than timeout
// before now.
func (t *StatusTracker) GetOutdatedPendingJobs(timeout time.Duration, now time.Time, gc *GCRegistry) *roaring.Bitmap {
	out := roaring.NewBitmap()
	if timeout == 0 {
		return out
	}
	pending := t.GetJobs(domain.StatusPending)
	it := pending.Iterator()
	for it.HasNext() {
		id := it.Next()
		if gc.IsOutdatedJob(id, now, timeout) {
			out.Add(id)
		}
	}
	return out
}

// PendingIntersect narrows candidates down to pending jobs.
func (t *StatusTracker) PendingIntersect(candidates *roaring.Bitmap) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	candidates.And(t.statuses[domain.StatusPending])
}

// GetAliveJobs drops ids without any status from ids.
func (t *StatusTracker) GetAliveJobs(ids *roaring.Bitmap) {
	t.mu.RLock()
	alive := roaring.NewBitmap()
	for _, bm := range t.statuses {
		alive.Or(bm)
	}
	t.mu.RUnlock()
	ids.And(alive)
}

func (t *StatusTracker) AnyPending() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.statuses[domain.StatusPending].IsEmpty()
}

// GetNext returns the smallest id in status that is greater than id, or 0.
func (t *StatusTracker) GetNext(status domain.JobStatus, id uint32) uint32 {
	if id == ^uint32(0) {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	it := t.statuses[status].Iterator()
	it.AdvanceIfNeeded(id + 1)
	if !it.HasNext() {
		return 0
	}
	return it.Next()
}

func (t *StatusTracker) CountStatus(status domain.JobStatus) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statuses[status].GetCardinality()
}

// Count returns the number of jobs per status.
func (t *StatusTracker) Count() map[domain.JobStatus]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[domain.JobStatus]uint64, domain.StatusCount)
	for i, bm := range t.statuses {
		out[domain.JobStatus(i)] = bm.GetCardinality()
	}
	return out
}

// CountActive counts pending, running and reading jobs.
func (t *StatusTracker) CountActive() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statuses[domain.StatusPending].GetCardinality() +
		t.statuses[domain.StatusRunning].GetCardinality() +
		t.statuses[domain.StatusReading].GetCardinality()
}

func (t *StatusTracker) AnyJobs() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, bm := range t.statuses {
		if !bm.IsEmpty() {
			return true
		}
	}
	return false
}

func minimum(bm *roaring.Bitmap) uint32 {
	if bm == nil || bm.IsEmpty() {
		return 0
	}
	return bm.Minimum()
}
