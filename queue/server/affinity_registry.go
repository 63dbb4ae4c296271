package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/twitter/netschedule/queue/domain"
)

type affinityEntry struct {
	token          string
	jobs           *roaring.Bitmap
	clients        *roaring.Bitmap
	waitGetClients *roaring.Bitmap
}

func newAffinityEntry(token string) *affinityEntry {
	return &affinityEntry{
		token:          token,
		jobs:           roaring.NewBitmap(),
		clients:        roaring.NewBitmap(),
		waitGetClients: roaring.NewBitmap(),
	}
}

func (e *affinityEntry) canBeDeleted() bool {
	return e.jobs.IsEmpty() && e.clients.IsEmpty() && e.waitGetClients.IsEmpty()
}

// AffinityStatistics summarizes one affinity for the admin surface.
type AffinityStatistics struct {
	ID          uint32 `json:"id"`
	Token       string `json:"token"`
	Pending     uint64 `json:"pending"`
	Running     uint64 `json:"running"`
	Preferred   uint64 `json:"preferred"`
	WaitingGets uint64 `json:"waiting_gets"`
}

// AffinityRegistry interns affinity tokens and tracks which jobs carry an
// affinity, which clients prefer it and which clients wait for it.
//
// An entry without jobs, preferring clients and waiters is a removal
// candidate. Entries that lose their last job are deleted right away;
// entries emptied through client bookkeeping are left for CollectGarbage.
type AffinityRegistry struct {
	mu         sync.Mutex
	dict       tokenDict
	entries    map[uint32]*affinityEntry
	candidates *roaring.Bitmap
}

func NewAffinityRegistry() *AffinityRegistry {
	return &AffinityRegistry{
		dict:       newTokenDict(),
		entries:    make(map[uint32]*affinityEntry),
		candidates: roaring.NewBitmap(),
	}
}

func (r *AffinityRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// GetIDByToken returns 0 for unknown tokens.
func (r *AffinityRegistry) GetIDByToken(token string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, _ := r.dict.lookup(token)
	return id
}

// GetTokenByID returns "" for unknown ids.
func (r *AffinityRegistry) GetTokenByID(id uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dict.token(id)
}

func (r *AffinityRegistry) resolveNoLock(token string) (uint32, *affinityEntry) {
	if id, ok := r.dict.lookup(token); ok {
		return id, r.entries[id]
	}
	id := r.dict.add(token)
	e := newAffinityEntry(token)
	r.entries[id] = e
	return id, e
}

// ResolveToken returns the id of token, creating the entry if needed.
// A freshly created entry with nothing attached is a removal candidate.
func (r *AffinityRegistry) ResolveToken(token string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, e := r.resolveNoLock(token)
	if e.canBeDeleted() {
		r.candidates.Add(id)
	}
	return id
}

// ResolveAffinityToken resolves token and attaches the job and/or the
// preferring client. Zero ids are ignored. An empty token yields 0.
func (r *AffinityRegistry) ResolveAffinityToken(token string, jobID, clientID uint32) uint32 {
	if token == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, e := r.resolveNoLock(token)
	if jobID != 0 {
		e.jobs.Add(jobID)
	}
	if clientID != 0 {
		e.clients.Add(clientID)
	}
	if e.canBeDeleted() {
		r.candidates.Add(id)
	} else {
		r.candidates.Remove(id)
	}
	return id
}

// ResolveAffinitiesForWaitClient resolves every token and records
// clientID as waiting on each. Returns the resolved ids.
func (r *AffinityRegistry) ResolveAffinitiesForWaitClient(tokens []string, clientID uint32) *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := roaring.NewBitmap()
	for _, token := range tokens {
		if token == "" {
			continue
		}
		id, e := r.resolveNoLock(token)
		if clientID != 0 {
			e.waitGetClients.Add(clientID)
			r.candidates.Remove(id)
		} else if e.canBeDeleted() {
			r.candidates.Add(id)
		}
		out.Add(id)
	}
	return out
}

// GetAffinityIDs maps tokens to ids, skipping unknown tokens.
func (r *AffinityRegistry) GetAffinityIDs(tokens []string) *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := roaring.NewBitmap()
	for _, token := range tokens {
		if id, ok := r.dict.lookup(token); ok {
			out.Add(id)
		}
	}
	return out
}

func (r *AffinityRegistry) GetJobsWithAffinity(id uint32) *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.jobs.Clone()
	}
	return roaring.NewBitmap()
}

// GetJobsWithAffinities returns the union of the job sets of ids.
func (r *AffinityRegistry) GetJobsWithAffinities(ids *roaring.Bitmap) *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := roaring.NewBitmap()
	it := ids.Iterator()
	for it.HasNext() {
		if e, ok := r.entries[it.Next()]; ok {
			out.Or(e.jobs)
		}
	}
	return out
}

func (r *AffinityRegistry) GetRegisteredAffinities() *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := roaring.NewBitmap()
	for id := range r.entries {
		out.Add(id)
	}
	return out
}

// AddJobToAffinity is used while loading jobs from storage.
func (r *AffinityRegistry) AddJobToAffinity(jobID, affinityID uint32) {
	if affinityID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[affinityID]; ok {
		e.jobs.Add(jobID)
		r.candidates.Remove(affinityID)
	}
}

// RemoveJobFromAffinity unlinks the job and deletes the entry when
// nothing references it any more.
func (r *AffinityRegistry) RemoveJobFromAffinity(jobID, affinityID uint32) {
	if affinityID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[affinityID]
	if !ok {
		return
	}
	e.jobs.Remove(jobID)
	if e.canBeDeleted() {
		r.deleteNoLock(affinityID)
	}
}

func (r *AffinityRegistry) deleteNoLock(id uint32) {
	delete(r.entries, id)
	r.candidates.Remove(id)
	r.dict.remove(id)
}

func (r *AffinityRegistry) AddClientToAffinity(clientID, affinityID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[affinityID]; ok {
		e.clients.Add(clientID)
		r.candidates.Remove(affinityID)
	}
}

// RemoveClientFromAffinities drops clientID from the preferring clients of
// ids and returns how many entries became removal candidates.
func (r *AffinityRegistry) RemoveClientFromAffinities(clientID uint32, ids *roaring.Bitmap) int {
	return r.removeClient(clientID, ids, false)
}

// RemoveWaitClientFromAffinities is RemoveClientFromAffinities for
// waiting clients.
func (r *AffinityRegistry) RemoveWaitClientFromAffinities(clientID uint32, ids *roaring.Bitmap) int {
	return r.removeClient(clientID, ids, true)
}

func (r *AffinityRegistry) removeClient(clientID uint32, ids *roaring.Bitmap, wait bool) int {
	if ids == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	it := ids.Iterator()
	for it.HasNext() {
		id := it.Next()
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		if wait {
			e.waitGetClients.Remove(clientID)
		} else {
			e.clients.Remove(clientID)
		}
		if e.canBeDeleted() && !r.candidates.Contains(id) {
			r.candidates.Add(id)
			n++
		}
	}
	return n
}

func (r *AffinityRegistry) SetWaitClientForAffinities(clientID uint32, ids *roaring.Bitmap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it := ids.Iterator()
	for it.HasNext() {
		id := it.Next()
		if e, ok := r.entries[id]; ok {
			e.waitGetClients.Add(clientID)
			r.candidates.Remove(id)
		}
	}
}

// CheckRemoveCandidates recomputes the candidate set and returns its size.
func (r *AffinityRegistry) CheckRemoveCandidates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.canBeDeleted() {
			r.candidates.Add(id)
		} else {
			r.candidates.Remove(id)
		}
	}
	return int(r.candidates.GetCardinality())
}

// CollectGarbage deletes at most max removal candidates, lowest ids
// first, and returns the number deleted.
func (r *AffinityRegistry) CollectGarbage(max int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for _, id := range r.candidates.ToArray() {
		if deleted >= max {
			break
		}
		e, ok := r.entries[id]
		if !ok {
			r.candidates.Remove(id)
			continue
		}
		if !e.canBeDeleted() {
			r.candidates.Remove(id)
			continue
		}
		r.deleteNoLock(id)
		deleted++
	}
	return deleted
}

// IsRemoveCandidate reports whether id is waiting for CollectGarbage.
func (r *AffinityRegistry) IsRemoveCandidate(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.candidates.Contains(id)
}

// DrainChanges returns and forgets the dictionary writes accumulated
// since the last call.
func (r *AffinityRegistry) DrainChanges() []DictChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dict.drain()
}

// PendingChanges returns the unstored dictionary writes in order. The
// queue writes them in the transaction of the next operation and calls
// AckChanges once that transaction commits.
func (r *AffinityRegistry) PendingChanges() []DictChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dict.pending()
}

func (r *AffinityRegistry) AckChanges(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dict.ack(n)
}

// LoadDictionary registers persisted entries. Call AddJobToAffinity for
// every loaded job and then FinalizeLoading.
func (r *AffinityRegistry) LoadDictionary(dict map[uint32]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, token := range dict {
		r.dict.load(id, token)
		r.entries[id] = newAffinityEntry(token)
	}
}

// FinalizeLoading marks entries no loaded job refers to as candidates.
func (r *AffinityRegistry) FinalizeLoading() {
	r.CheckRemoveCandidates()
}

// ClearMemory drops every entry. The stored dictionary is truncated by
// the caller.
func (r *AffinityRegistry) ClearMemory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[uint32]*affinityEntry)
	r.candidates.Clear()
	r.dict.reset()
}

// GetAffinityList renders "token=jobcount" pairs joined with '&'.
func (r *AffinityRegistry) GetAffinityList() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		e := r.entries[uint32(id)]
		parts = append(parts, fmt.Sprintf("%s=%d", e.token, e.jobs.GetCardinality()))
	}
	return strings.Join(parts, "&")
}

func (r *AffinityRegistry) GetAffinityStatistics(tracker *StatusTracker) []AffinityStatistics {
	pending := tracker.GetJobs(domain.StatusPending)
	running := tracker.GetJobs(domain.StatusRunning)

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AffinityStatistics, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, AffinityStatistics{
			ID:          id,
			Token:       e.token,
			Pending:     roaring.And(e.jobs, pending).GetCardinality(),
			Running:     roaring.And(e.jobs, running).GetCardinality(),
			Preferred:   e.clients.GetCardinality(),
			WaitingGets: e.waitGetClients.GetCardinality(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
