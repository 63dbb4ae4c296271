package server

import (
	"time"

	"github.com/RoaringBitmap/roaring"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
)

// GetRequest describes what a worker is willing to run.
type GetRequest struct {
	// Port and Timeout make the worker wait for a UDP notification when
	// nothing matches. Both must be set for that.
	Port    uint16
	Timeout time.Duration

	// Explicitly requested affinity tokens.
	Affinities []string
	// Also match the worker's preferred affinities.
	WnodeAffinity bool
	// Fall back to any pending job. A request with no affinities, no
	// WnodeAffinity and no AnyAffinity never matches.
	AnyAffinity bool
	// Accept jobs whose affinity nobody prefers yet; the affinity then
	// becomes one of the worker's preferred ones.
	ExclusiveNewAffinity bool

	NewFormat bool
}

func (r *GetRequest) restricted() bool {
	return len(r.Affinities) > 0 || r.WnodeAffinity || r.ExclusiveNewAffinity
}

// GetJobOrWait hands a pending job to a worker. It returns a nil job when
// nothing matches; if the request carries a wait port the worker is then
// registered as a listener.
func (q *Queue) GetJobOrWait(c *domain.ClientID, req GetRequest) (*domain.Job, error) {
	if req.ExclusiveNewAffinity && req.AnyAffinity {
		return nil, q.reject(domain.InvalidParameter,
			"any affinity and exclusive new affinity cannot be requested together")
	}
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	if req.WnodeAffinity && q.clients.GetAffinityReset(c.Node) {
		return nil, q.reject(domain.PrefAffExpired,
			"the client '%s' preferred affinities were reset due to inactivity", c.Node)
	}
	if req.Port != 0 {
		q.notifications.UnregisterListener(c.Address, req.Port)
	}

	id, newAff := q.findPendingJob(c, &req, now, p)
	if id == 0 {
		q.stat.Counter(stats.NSGetJobEmptyCounter).Inc(1)
		if req.Port != 0 && req.Timeout > 0 {
			q.registerListener(c, &req, now)
		}
		return nil, nil
	}

	job, err := q.fetchJob(id)
	if err != nil {
		return nil, err
	}
	from := job.Status
	job.RunCount++
	job.RunTimeout = 0
	job.Status = domain.StatusRunning
	job.LastTouch = now
	job.AppendEvent(domain.NewJobEvent(domain.EventRequest, domain.StatusRunning, now, c))
	if err := q.saveJobs(job); err != nil {
		return nil, err
	}

	q.clients.RegisterRunningJob(c, id, now)
	if newAff != 0 {
		q.clients.AddPreferredAffinity(c, newAff)
	}
	q.stat.Counter(stats.NSGetJobCounter).Inc(1)
	q.afterTransition(job, from, domain.EventRequest, p, now)
	return job.Clone(), nil
}

// findPendingJob returns the job to hand out and, for an exclusive new
// affinity pick, the affinity to add to the worker's preferred set.
func (q *Queue) findPendingJob(c *domain.ClientID, req *GetRequest, now time.Time, p QueueParams) (id, newAff uint32) {
	blacklist := q.clients.GetBlacklistedJobs(c.Node, now)

	pickFrom := func(affs *roaring.Bitmap) uint32 {
		if affs.IsEmpty() {
			return 0
		}
		candidates := q.affinities.GetJobsWithAffinities(affs)
		candidates.AndNot(blacklist)
		return q.tracker.GetPendingJobFromSet(candidates)
	}

	if len(req.Affinities) > 0 {
		if id := pickFrom(q.affinities.GetAffinityIDs(req.Affinities)); id != 0 {
			return id, 0
		}
	}
	if req.WnodeAffinity {
		if id := pickFrom(q.clients.GetPreferredAffinities(c.Node)); id != 0 {
			return id, 0
		}
	}
	if req.ExclusiveNewAffinity {
		candidates := q.tracker.GetJobs(domain.StatusPending)
		candidates.AndNot(blacklist)
		candidates.AndNot(q.affinities.GetJobsWithAffinities(q.clients.GetAllPreferredAffinities()))
		if id := minimum(candidates); id != 0 {
			return id, q.gc.GetAffinityID(id)
		}
	}
	if p.MaxPendingWaitTimeout > 0 && req.restricted() {
		outdated := q.tracker.GetOutdatedPendingJobs(p.MaxPendingWaitTimeout, now, q.gc)
		outdated.AndNot(blacklist)
		if id := minimum(outdated); id != 0 {
			return id, 0
		}
	}
	if req.AnyAffinity {
		return q.tracker.GetJobByStatus(domain.StatusPending, blacklist, nil), 0
	}
	// nothing requested, nothing matches
	return 0, 0
}

func (q *Queue) registerListener(c *domain.ClientID, req *GetRequest, now time.Time) {
	if c.IsComplete() {
		waits := q.affinities.ResolveAffinitiesForWaitClient(req.Affinities, c.ID)
		q.clients.RegisterWaitAffinities(c, waits)
		q.clients.SetWaiting(c, req.Port)
	}
	q.notifications.RegisterListener(c, req.Port, req.Timeout, now,
		req.WnodeAffinity, req.AnyAffinity, req.ExclusiveNewAffinity, req.NewFormat)
	q.flushDictionaries()
	log.WithFields(
		log.Fields{
			"queue": q.name,
			"node":  c.Node,
			"addr":  c.Address,
			"port":  req.Port,
		}).Debug("Worker waits for a job")
}

// CancelWaitGet drops the listener of a worker's pending GET. It reports
// whether one was registered.
func (q *Queue) CancelWaitGet(c *domain.ClientID) bool {
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	if port := q.clients.GetWaitPort(c.Node); port != 0 {
		return q.notifications.UnregisterListener(c.Address, port)
	}
	return q.clients.ResetWaiting(c.Node)
}
