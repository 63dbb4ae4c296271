package server

import (
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/queue/domain"
)

// ClientRegistry keeps one record per node id. Old style clients without a
// node id are not tracked: every method is a no-op or returns an empty
// result for them.
//
// The registry owns the client side of the affinity bookkeeping, so every
// change to a client's preferred or wait affinities is mirrored into the
// AffinityRegistry here.
type ClientRegistry struct {
	mu               sync.Mutex
	clients          map[string]*Client
	lastID           uint32
	affinities       *AffinityRegistry
	blacklistTimeout time.Duration
}

func NewClientRegistry(affinities *AffinityRegistry) *ClientRegistry {
	return &ClientRegistry{
		clients:    make(map[string]*Client),
		affinities: affinities,
	}
}

// SetBlacklistTimeout applies to blacklist entries created afterwards.
func (r *ClientRegistry) SetBlacklistTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklistTimeout = d
}

func (r *ClientRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *ClientRegistry) get(node string) *Client {
	if node == "" {
		return nil
	}
	return r.clients[node]
}

// Touch registers the client on first contact and refreshes it later on,
// filling in c.ID.
//
// When the client presents a new session, the jobs it was running and
// reading under the old one are returned and forgotten, and its preferred
// and wait affinities are released. The caller must move those jobs back
// to Pending and Done. Without a session change running and reading are
// nil.
func (r *ClientRegistry) Touch(c *domain.ClientID, now time.Time) (running, reading *roaring.Bitmap, hadPreferred bool) {
	if !c.IsComplete() {
		return nil, nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, ok := r.clients[c.Node]
	if !ok {
		r.lastID++
		cl = newClient(c, r.lastID, now)
		r.clients[c.Node] = cl
		c.ID = cl.id
		log.WithFields(
			log.Fields{
				"node":    c.Node,
				"session": c.Session,
				"id":      cl.id,
			}).Debug("Registered client")
		return nil, nil, false
	}
	c.ID = cl.id

	if cl.session == c.Session {
		cl.touch(c, now)
		return nil, nil, false
	}

	preferred := cl.preferred.Clone()
	waits := cl.waitAffs.Clone()
	running, reading, hadPreferred = cl.touch(c, now)
	cl.waitPort = 0
	r.affinities.RemoveWaitClientFromAffinities(cl.id, waits)
	if hadPreferred {
		r.affinities.RemoveClientFromAffinities(cl.id, preferred)
	}
	return running, reading, hadPreferred
}

// ClearClient forgets everything the client holds, as CLRN does. The
// returned jobs must be given back by the caller.
func (r *ClientRegistry) ClearClient(c *domain.ClientID, now time.Time) (running, reading *roaring.Bitmap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cl := r.get(c.Node)
	if cl == nil {
		return roaring.NewBitmap(), roaring.NewBitmap()
	}
	running = cl.running.Clone()
	reading = cl.reading.Clone()
	preferred := cl.preferred.Clone()
	waits := cl.waitAffs.Clone()
	cl.lastAccess = now
	if cl.clear(now) {
		r.affinities.RemoveClientFromAffinities(cl.id, preferred)
	}
	r.affinities.RemoveWaitClientFromAffinities(cl.id, waits)
	return running, reading
}

func (r *ClientRegistry) AddSubmitted(c *domain.ClientID, count uint64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(c.Node); cl != nil {
		cl.registerSubmittedJobs(count, now)
	}
}

func (r *ClientRegistry) RegisterRunningJob(c *domain.ClientID, jobID uint32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(c.Node); cl != nil {
		cl.registerRunningJob(jobID, now)
	}
}

func (r *ClientRegistry) RegisterReadingJob(c *domain.ClientID, jobID uint32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(c.Node); cl != nil {
		cl.registerReadingJob(jobID, now)
	}
}

func (r *ClientRegistry) UnregisterRunningJob(node string, jobID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		cl.running.Remove(jobID)
	}
}

func (r *ClientRegistry) UnregisterReadingJob(node string, jobID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		cl.reading.Remove(jobID)
	}
}

// MoveRunningJobToBlacklist reports whether node was running the job.
func (r *ClientRegistry) MoveRunningJobToBlacklist(node string, jobID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		return cl.moveRunningJobToBlacklist(jobID, r.blacklistTimeout)
	}
	return false
}

// MoveReadingJobToBlacklist reports whether node was reading the job.
func (r *ClientRegistry) MoveReadingJobToBlacklist(node string, jobID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		return cl.moveReadingJobToBlacklist(jobID, r.blacklistTimeout)
	}
	return false
}

func (r *ClientRegistry) RegisterBlacklistedJob(c *domain.ClientID, jobID uint32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(c.Node); cl != nil {
		cl.registerBlacklistedJob(jobID, r.blacklistTimeout, now)
	}
}

func (r *ClientRegistry) IsJobBlacklisted(node string, jobID uint32, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		return cl.isJobBlacklisted(jobID, now)
	}
	return false
}

func (r *ClientRegistry) GetBlacklistedJobs(node string, now time.Time) *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		return cl.blacklistedJobs(now)
	}
	return roaring.NewBitmap()
}

func (r *ClientRegistry) GetPreferredAffinities(node string) *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		return cl.preferred.Clone()
	}
	return roaring.NewBitmap()
}

// GetAllPreferredAffinities is the union over every client.
func (r *ClientRegistry) GetAllPreferredAffinities() *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := roaring.NewBitmap()
	for _, cl := range r.clients {
		out.Or(cl.preferred)
	}
	return out
}

func (r *ClientRegistry) GetWaitAffinities(node string) *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		return cl.waitAffs.Clone()
	}
	return roaring.NewBitmap()
}

func (r *ClientRegistry) IsRequestedAffinity(node string, affs *roaring.Bitmap, usePreferred bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		return cl.isRequestedAffinity(affs, usePreferred)
	}
	return false
}

// AddPreferredAffinity is used when a worker picks a job of an affinity
// nobody prefers yet.
func (r *ClientRegistry) AddPreferredAffinity(c *domain.ClientID, affinityID uint32) {
	if affinityID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(c.Node); cl != nil {
		cl.addPreferredAffinity(affinityID)
		r.affinities.AddClientToAffinity(cl.id, affinityID)
	}
}

// UpdatePreferredAffinities adds and removes preferred affinities. max
// bounds the resulting set; zero means unbounded.
func (r *ClientRegistry) UpdatePreferredAffinities(c *domain.ClientID, add, del *roaring.Bitmap, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cl := r.get(c.Node)
	if cl == nil {
		return nil
	}
	if max > 0 {
		next := roaring.Or(cl.preferred, add)
		next.AndNot(del)
		if next.GetCardinality() > uint64(max) {
			return domain.NewError(domain.TooManyPreferredAffinities,
				"the client '%s' exceeds the limit (%d) of preferred affinities", c.Node, max)
		}
	}
	if !del.IsEmpty() {
		cl.removePreferredAffinities(del)
		r.affinities.RemoveClientFromAffinities(cl.id, del)
	}
	if !add.IsEmpty() {
		cl.addPreferredAffinities(add)
		it := add.Iterator()
		for it.HasNext() {
			r.affinities.AddClientToAffinity(cl.id, it.Next())
		}
	}
	if add.IsEmpty() && del.IsEmpty() {
		cl.kind |= ClientWorker
		cl.affReset = false
	}
	return nil
}

// SetPreferredAffinities replaces the preferred set.
func (r *ClientRegistry) SetPreferredAffinities(c *domain.ClientID, affs *roaring.Bitmap, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cl := r.get(c.Node)
	if cl == nil {
		return nil
	}
	if max > 0 && affs.GetCardinality() > uint64(max) {
		return domain.NewError(domain.TooManyPreferredAffinities,
			"the client '%s' exceeds the limit (%d) of preferred affinities", c.Node, max)
	}
	dropped := roaring.AndNot(cl.preferred, affs)
	r.affinities.RemoveClientFromAffinities(cl.id, dropped)
	cl.setPreferredAffinities(affs)
	it := affs.Iterator()
	for it.HasNext() {
		r.affinities.AddClientToAffinity(cl.id, it.Next())
	}
	return nil
}

// RegisterWaitAffinities replaces the affinities the client waits for.
func (r *ClientRegistry) RegisterWaitAffinities(c *domain.ClientID, affs *roaring.Bitmap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cl := r.get(c.Node)
	if cl == nil {
		return
	}
	r.affinities.RemoveWaitClientFromAffinities(cl.id, roaring.AndNot(cl.waitAffs, affs))
	cl.registerWaitAffinities(affs)
	r.affinities.SetWaitClientForAffinities(cl.id, affs)
}

func (r *ClientRegistry) SetWaiting(c *domain.ClientID, port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(c.Node); cl != nil {
		cl.waitPort = port
	}
}

// GetWaitPort returns the port of the client's pending GET, 0 if none.
func (r *ClientRegistry) GetWaitPort(node string) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		return cl.waitPort
	}
	return 0
}

// ResetWaiting drops the wait state of node in the client and in the
// affinity registry. It returns whether the client was waiting on any
// affinity.
func (r *ClientRegistry) ResetWaiting(node string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cl := r.get(node)
	if cl == nil {
		return false
	}
	return r.resetWaiting(cl)
}

// ResetWaitingOnPort is ResetWaiting for a listener on port. A node whose
// pending GET has since moved to another port keeps its wait state.
func (r *ClientRegistry) ResetWaitingOnPort(node string, port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cl := r.get(node)
	if cl == nil || cl.waitPort != port {
		return false
	}
	return r.resetWaiting(cl)
}

func (r *ClientRegistry) resetWaiting(cl *Client) bool {
	cl.waitPort = 0
	if cl.waitAffs.IsEmpty() {
		return false
	}
	r.affinities.RemoveWaitClientFromAffinities(cl.id, cl.waitAffs)
	cl.waitAffs = roaring.NewBitmap()
	return true
}

// Purge drops the preferred affinities of workers idle for longer than
// wnodeTimeout and forgets clients idle for longer than inactivityTimeout
// that hold no jobs. A zero timeout disables the matching half. It
// returns the number of workers reset and clients deleted.
func (r *ClientRegistry) Purge(now time.Time, wnodeTimeout, inactivityTimeout time.Duration) (reset, deleted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for node, cl := range r.clients {
		idle := now.Sub(cl.lastAccess)
		if wnodeTimeout > 0 && idle > wnodeTimeout && !cl.preferred.IsEmpty() {
			r.affinities.RemoveClientFromAffinities(cl.id, cl.preferred)
			cl.preferred = roaring.NewBitmap()
			cl.affReset = true
			reset++
			log.WithFields(
				log.Fields{
					"node": node,
					"idle": idle,
				}).Info("Reset preferred affinities of inactive worker node")
		}
		if inactivityTimeout > 0 && idle > inactivityTimeout &&
			cl.running.IsEmpty() && cl.reading.IsEmpty() &&
			cl.waitAffs.IsEmpty() && cl.preferred.IsEmpty() {
			delete(r.clients, node)
			deleted++
		}
	}
	return reset, deleted
}

// PurgeBlacklistedJobs drops expired blacklist entries and those of jobs
// that no longer exist.
func (r *ClientRegistry) PurgeBlacklistedJobs(now time.Time, tracker *StatusTracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cl := range r.clients {
		cl.updateBlacklist(now)
		cl.dropVanishedBlacklisted(tracker)
	}
}

// ClearJobs forgets the jobs, affinities and wait state of every client.
// Used when the queue is truncated; the affinity registry is cleared by
// the caller.
func (r *ClientRegistry) ClearJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cl := range r.clients {
		cl.running.Clear()
		cl.reading.Clear()
		cl.blacklisted.Clear()
		cl.blacklistLimits = make(map[uint32]time.Time)
		cl.preferred.Clear()
		cl.waitAffs.Clear()
		cl.waitPort = 0
	}
}

func (r *ClientRegistry) RegisterSocketWriteError(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		cl.sockErrors++
	}
}

// GetAffinityReset reports whether the worker lost its preferred
// affinities to inactivity and has not set new ones since.
func (r *ClientRegistry) GetAffinityReset(node string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cl := r.get(node); cl != nil {
		return cl.affReset
	}
	return false
}

// Snapshot returns the admin view of every client, sorted by node.
func (r *ClientRegistry) Snapshot(now time.Time) []ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClientInfo, 0, len(r.clients))
	for node, cl := range r.clients {
		out = append(out, cl.info(node, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}
