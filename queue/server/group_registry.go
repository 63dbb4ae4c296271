package server

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// GroupInfo is the admin view of one group.
type GroupInfo struct {
	ID    uint32   `json:"id"`
	Token string   `json:"token"`
	Jobs  []uint32 `json:"jobs"`
}

// GroupRegistry interns group tokens and tracks the jobs of each group.
// A group disappears with its last job.
type GroupRegistry struct {
	mu         sync.Mutex
	dict       tokenDict
	jobs       map[uint32]*roaring.Bitmap
	candidates *roaring.Bitmap
}

func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{
		dict:       newTokenDict(),
		jobs:       make(map[uint32]*roaring.Bitmap),
		candidates: roaring.NewBitmap(),
	}
}

func (r *GroupRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// GetJobs returns the jobs of group, empty for an unknown group.
func (r *GroupRegistry) GetJobs(id uint32) *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	if jobs, ok := r.jobs[id]; ok {
		return jobs.Clone()
	}
	return roaring.NewBitmap()
}

// GetJobsByToken returns ok=false when the group is not registered.
func (r *GroupRegistry) GetJobsByToken(token string) (*roaring.Bitmap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.dict.lookup(token)
	if !ok {
		return roaring.NewBitmap(), false
	}
	return r.jobs[id].Clone(), true
}

func (r *GroupRegistry) GetRegisteredGroups() *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := roaring.NewBitmap()
	for id := range r.jobs {
		out.Add(id)
	}
	return out
}

// ResolveGroup returns the id of token, creating the group if needed.
func (r *GroupRegistry) ResolveGroup(token string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, created := r.resolveNoLock(token)
	if created {
		r.candidates.Add(id)
	}
	return id
}

func (r *GroupRegistry) resolveNoLock(token string) (uint32, bool) {
	if id, ok := r.dict.lookup(token); ok {
		return id, false
	}
	id := r.dict.add(token)
	r.jobs[id] = roaring.NewBitmap()
	return id, true
}

// GetToken returns "" for an unknown id.
func (r *GroupRegistry) GetToken(id uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dict.token(id)
}

// AddJob puts jobID into group token, creating the group. An empty token
// yields 0.
func (r *GroupRegistry) AddJob(token string, jobID uint32) uint32 {
	if token == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, _ := r.resolveNoLock(token)
	r.jobs[id].Add(jobID)
	r.candidates.Remove(id)
	return id
}

// AddJobByID is used while loading jobs from storage.
func (r *GroupRegistry) AddJobByID(groupID, jobID uint32) {
	if groupID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if jobs, ok := r.jobs[groupID]; ok {
		jobs.Add(jobID)
		r.candidates.Remove(groupID)
	}
}

// AddJobs adds the contiguous range of count jobs starting at firstJob.
func (r *GroupRegistry) AddJobs(groupID, firstJob, count uint32) {
	if groupID == 0 || count == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if jobs, ok := r.jobs[groupID]; ok {
		jobs.AddRange(uint64(firstJob), uint64(firstJob)+uint64(count))
		r.candidates.Remove(groupID)
	}
}

// RemoveJob unlinks the job and deletes the group once it is empty.
func (r *GroupRegistry) RemoveJob(groupID, jobID uint32) {
	if groupID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs, ok := r.jobs[groupID]
	if !ok {
		return
	}
	jobs.Remove(jobID)
	if jobs.IsEmpty() {
		r.deleteNoLock(groupID)
	}
}

func (r *GroupRegistry) deleteNoLock(id uint32) {
	delete(r.jobs, id)
	r.candidates.Remove(id)
	r.dict.remove(id)
}

// CollectGarbage deletes up to max empty groups.
func (r *GroupRegistry) CollectGarbage(max int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for _, id := range r.candidates.ToArray() {
		if deleted >= max {
			break
		}
		jobs, ok := r.jobs[id]
		if ok && !jobs.IsEmpty() {
			r.candidates.Remove(id)
			continue
		}
		r.deleteNoLock(id)
		deleted++
	}
	return deleted
}

func (r *GroupRegistry) DrainChanges() []DictChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dict.drain()
}

func (r *GroupRegistry) PendingChanges() []DictChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dict.pending()
}

func (r *GroupRegistry) AckChanges(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dict.ack(n)
}

func (r *GroupRegistry) LoadDictionary(dict map[uint32]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, token := range dict {
		r.dict.load(id, token)
		r.jobs[id] = roaring.NewBitmap()
	}
}

// FinalizeLoading marks groups without loaded jobs for collection.
func (r *GroupRegistry) FinalizeLoading() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, jobs := range r.jobs {
		if jobs.IsEmpty() {
			r.candidates.Add(id)
		}
	}
}

func (r *GroupRegistry) ClearMemory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[uint32]*roaring.Bitmap)
	r.candidates.Clear()
	r.dict.reset()
}

func (r *GroupRegistry) Snapshot() []GroupInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]GroupInfo, 0, len(r.jobs))
	for id, jobs := range r.jobs {
		out = append(out, GroupInfo{ID: id, Token: r.dict.token(id), Jobs: jobs.ToArray()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
