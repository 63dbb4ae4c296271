package server

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/storage"
)

func (q *Queue) checkSubmit(p QueueParams, inputs ...string) error {
	if q.GetRefuseSubmits() {
		return q.reject(domain.SubmitsDisabled, "submits are disabled for queue %s", q.name)
	}
	for _, in := range inputs {
		if len(in) > p.MaxInputSize {
			return q.reject(domain.DataTooLong, "job input is longer than %d bytes", p.MaxInputSize)
		}
	}
	return nil
}

// Submit adds one pending job and returns its id. Empty tokens mean no
// affinity and no group.
func (q *Queue) Submit(c *domain.ClientID, req domain.JobRequest, affToken, groupToken string) (uint32, error) {
	p := q.GetParameters()
	if err := q.checkSubmit(p, req.Input); err != nil {
		return 0, err
	}
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	id, persist := q.allocateIDs(1)
	job := &domain.Job{
		ID:               id,
		Passport:         q.rnd.Uint32(),
		Status:           domain.StatusPending,
		Timeout:          req.Timeout,
		SubmNotifPort:    req.SubmNotifPort,
		SubmNotifTimeout: req.SubmNotifTimeout,
		Mask:             req.Mask,
		LastTouch:        now,
		Input:            req.Input,
	}
	job.SetClientIP(req.ClientIP)
	job.SetClientSID(req.ClientSID)
	job.AffinityID = q.affinities.ResolveAffinityToken(affToken, id, 0)
	job.GroupID = q.groups.AddJob(groupToken, id)
	job.AppendEvent(domain.NewJobEvent(domain.EventSubmit, domain.StatusPending, now, c))

	if err := q.storeNewJobs(persist, job); err != nil {
		q.unlinkJob(job)
		return 0, err
	}

	q.tracker.AddPendingJob(id)
	q.gc.RegisterJob(id, now, job.AffinityID, job.GroupID, job.ExpirationTime(p.Timeouts(), now))
	q.clients.AddSubmitted(c, 1, now)
	q.stat.Counter(stats.NSSubmitCounter).Inc(1)
	q.observe(id, domain.StatusNotFound, domain.StatusPending, domain.EventSubmit, now)
	q.notifications.NotifyJob(id, job.AffinityID, now, p.NotifHifreqPeriod, p.NotifHandicap)
	return id, nil
}

// SubmitBatch adds the jobs with consecutive ids, all in one group, and
// returns the first id.
func (q *Queue) SubmitBatch(c *domain.ClientID, batch []domain.BatchJob, groupToken string) (uint32, error) {
	if len(batch) == 0 {
		return 0, q.reject(domain.InvalidParameter, "empty batch")
	}
	p := q.GetParameters()
	inputs := make([]string, len(batch))
	for i, b := range batch {
		inputs[i] = b.Input
	}
	if err := q.checkSubmit(p, inputs...); err != nil {
		return 0, err
	}
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	count := uint32(len(batch))
	first, persist := q.allocateIDs(count)
	var groupID uint32
	if groupToken != "" {
		groupID = q.groups.ResolveGroup(groupToken)
		q.groups.AddJobs(groupID, first, count)
	}

	jobs := make([]*domain.Job, len(batch))
	affs := roaring.NewBitmap()
	noAff := false
	for i, b := range batch {
		id := first + uint32(i)
		job := &domain.Job{
			ID:        id,
			Passport:  q.rnd.Uint32(),
			Status:    domain.StatusPending,
			Mask:      b.Mask,
			GroupID:   groupID,
			LastTouch: now,
			Input:     b.Input,
		}
		job.SetClientIP(c.Address)
		job.AffinityID = q.affinities.ResolveAffinityToken(b.Affinity, id, 0)
		if job.AffinityID == 0 {
			noAff = true
		} else {
			affs.Add(job.AffinityID)
		}
		job.AppendEvent(domain.NewJobEvent(domain.EventBatchSubmit, domain.StatusPending, now, c))
		jobs[i] = job
	}

	if err := q.storeNewJobs(persist, jobs...); err != nil {
		for _, job := range jobs {
			q.unlinkJob(job)
		}
		return 0, err
	}

	q.tracker.AddPendingBatch(first, first+count-1)
	for _, job := range jobs {
		q.gc.RegisterJob(job.ID, now, job.AffinityID, job.GroupID, job.ExpirationTime(p.Timeouts(), now))
		q.observe(job.ID, domain.StatusNotFound, domain.StatusPending, domain.EventBatchSubmit, now)
	}
	q.clients.AddSubmitted(c, uint64(count), now)
	q.stat.Counter(stats.NSSubmitCounter).Inc(int64(count))
	q.stat.Counter(stats.NSBatchSubmitCounter).Inc(1)

	ids := roaring.NewBitmap()
	ids.AddRange(uint64(first), uint64(first)+uint64(count))
	q.notifications.Notify(ids, affs, noAff, now, p.NotifHifreqPeriod, p.NotifHandicap)

	log.WithFields(
		log.Fields{
			"queue": q.name,
			"first": first,
			"count": count,
			"group": groupToken,
		}).Debug("Batch submitted")
	return first, nil
}

// storeNewJobs writes fresh jobs together with the advanced start
// counter, if any.
func (q *Queue) storeNewJobs(persist uint32, jobs ...*domain.Job) error {
	err := q.commit(func(tx storage.Tx) error {
		if persist != 0 {
			if err := tx.SetStartCounter(persist); err != nil {
				return errors.Wrap(err, "advancing start counter")
			}
		}
		for _, job := range jobs {
			if err := tx.PutJob(job); err != nil {
				return errors.Wrapf(err, "writing job %d", job.ID)
			}
		}
		return nil
	})
	if err != nil {
		log.WithFields(
			log.Fields{
				"queue": q.name,
				"jobID": jobs[0].ID,
				"count": len(jobs),
				"err":   err,
			}).Error("Failed to store submitted jobs")
		return err
	}
	if persist != 0 {
		q.savedID = persist
	}
	for _, job := range jobs {
		job.MarkStored()
	}
	return nil
}

// unlinkJob undoes the affinity and group membership of a job that never
// made it to the store.
func (q *Queue) unlinkJob(job *domain.Job) {
	q.affinities.RemoveJobFromAffinity(job.ID, job.AffinityID)
	q.groups.RemoveJob(job.GroupID, job.ID)
}
