package server

import (
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/storage"
)

// CheckExecutionTimeout gives back running and reading jobs whose run
// timeout expired and returns how many it changed. The op lock is taken
// once per job.
func (q *Queue) CheckExecutionTimeout(now time.Time) int {
	defer q.stat.Latency(stats.NSExecWatchLatency_ms).Time().Stop()

	p := q.GetParameters()
	changed := 0
	it := q.tracker.GetJobs(domain.StatusRunning, domain.StatusReading).Iterator()
	for it.HasNext() {
		if q.checkJobExecution(it.Next(), now, p) {
			changed++
		}
	}
	return changed
}

func (q *Queue) checkJobExecution(id uint32, now time.Time, p QueueParams) bool {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	old := q.tracker.GetStatus(id)
	if old != domain.StatusRunning && old != domain.StatusReading {
		return false
	}
	if now.Before(q.gc.GetLifetime(id)) {
		return false
	}
	job, err := q.fetchJob(id)
	if err != nil {
		return false
	}
	if job.RunTimeout == 0 && p.RunTimeout == 0 {
		return false
	}

	var kind domain.EventKind
	var holder string
	if old == domain.StatusRunning {
		kind = domain.EventTimeout
		holder = lastHolder(job, domain.EventRequest)
		job.Status = domain.StatusPending
		if job.RunCount > p.FailedRetries {
			job.Status = domain.StatusFailed
		}
	} else {
		kind = domain.EventReadTimeout
		holder = lastHolder(job, domain.EventRead)
		job.Status = domain.StatusDone
		if job.ReadCount > p.FailedRetries {
			job.Status = domain.StatusReadFailed
		}
	}
	job.RunTimeout = 0
	job.AppendEvent(domain.NewJobEvent(kind, job.Status, now, nil))
	if err := q.saveJobs(job); err != nil {
		return false
	}

	if old == domain.StatusRunning {
		q.clients.MoveRunningJobToBlacklist(holder, id)
	} else {
		q.clients.MoveReadingJobToBlacklist(holder, id)
	}
	q.stat.Counter(stats.NSRunTimeoutCounter).Inc(1)
	log.WithFields(
		log.Fields{
			"queue":  q.name,
			"jobID":  id,
			"node":   holder,
			"status": job.Status,
		}).Info("Job execution timed out")
	q.afterTransition(job, old, kind, p, now)
	return true
}

// CheckJobsExpiry scans at most scanBatch jobs of every expirable status,
// continuing where the previous call stopped, and marks at most
// markDelBatch expired ones for deletion. Marked jobs leave the tracker
// and the registries right away; DeleteBatch removes them from the store.
func (q *Queue) CheckJobsExpiry(now time.Time, scanBatch, markDelBatch int) int {
	q.sweepMu.Lock()
	defer q.sweepMu.Unlock()

	marked := 0
	for _, status := range domain.ExpirableStatuses() {
		cursor := q.expiryCursor[status]
		for scanned := 0; scanned < scanBatch && marked < markDelBatch; scanned++ {
			id := q.tracker.GetNext(status, cursor)
			if id == 0 {
				cursor = 0
				break
			}
			cursor = id
			if q.expireJob(id, status, now) {
				marked++
			}
		}
		q.expiryCursor[status] = cursor
	}
	if marked > 0 {
		q.stat.Counter(stats.NSExpiredCounter).Inc(int64(marked))
	}
	return marked
}

func (q *Queue) expireJob(id uint32, status domain.JobStatus, now time.Time) bool {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	if q.tracker.GetStatus(id) != status {
		return false
	}
	deleted, aff, group := q.gc.DeleteIfTimedOut(id, now)
	if !deleted {
		return false
	}
	q.tracker.Erase(id)
	q.affinities.RemoveJobFromAffinity(id, aff)
	q.groups.RemoveJob(group, id)

	q.deleteMu.Lock()
	q.toDelete.Add(id)
	q.deleteMu.Unlock()

	q.observe(id, status, domain.StatusNotFound, domain.EventTimeout, now)
	return true
}

// DeleteBatch removes up to max jobs marked by CheckJobsExpiry from the
// store, along with the dictionary entries that lost their last job.
func (q *Queue) DeleteBatch(max int) (int, error) {
	q.deleteMu.Lock()
	var ids []uint32
	it := q.toDelete.Iterator()
	for it.HasNext() && len(ids) < max {
		ids = append(ids, it.Next())
	}
	for _, id := range ids {
		q.toDelete.Remove(id)
	}
	q.deleteMu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}

	q.opMu.Lock()
	err := q.commit(func(tx storage.Tx) error {
		for _, id := range ids {
			if err := tx.DeleteJob(id); err != nil {
				return errors.Wrapf(err, "deleting job %d", id)
			}
		}
		return nil
	})
	q.opMu.Unlock()

	if err != nil {
		q.deleteMu.Lock()
		q.toDelete.AddMany(ids)
		q.deleteMu.Unlock()
		log.WithFields(
			log.Fields{
				"queue": q.name,
				"count": len(ids),
				"err":   err,
			}).Error("Failed to delete expired jobs")
		return 0, err
	}
	q.stat.Counter(stats.NSDeletedCounter).Inc(int64(len(ids)))
	return len(ids), nil
}

// PurgeAffinities deletes affinities nothing refers to any more. How many
// go per call depends on how full and how dirty the registry is.
func (q *Queue) PurgeAffinities() int {
	p := q.GetParameters()

	q.opMu.Lock()
	defer q.opMu.Unlock()

	candidates := q.affinities.CheckRemoveCandidates()
	n := p.affinityRemovals(q.affinities.Len(), candidates)
	if n == 0 {
		return 0
	}
	deleted := q.affinities.CollectGarbage(n)
	if deleted > 0 {
		q.flushDictionaries()
	}
	return deleted
}

// PurgeGroups deletes groups left without jobs.
func (q *Queue) PurgeGroups() int {
	p := q.GetParameters()

	q.opMu.Lock()
	defer q.opMu.Unlock()

	deleted := q.groups.CollectGarbage(p.GroupGCBatch)
	if deleted > 0 {
		q.flushDictionaries()
	}
	return deleted
}

// PurgeWNodes resets the preferred affinities of idle workers and
// forgets idle clients that hold nothing.
func (q *Queue) PurgeWNodes(now time.Time) (reset, deleted int) {
	p := q.GetParameters()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	return q.clients.Purge(now, p.WnodeTimeout, p.ClientInactivityTimeout)
}

// PurgeBlacklistedJobs drops expired blacklist entries and those of jobs
// that are gone.
func (q *Queue) PurgeBlacklistedJobs(now time.Time) {
	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.clients.PurgeBlacklistedJobs(now, q.tracker)
}

// Purge runs one pass of every purge step.
func (q *Queue) Purge(now time.Time) {
	defer q.stat.Latency(stats.NSPurgeLatency_ms).Time().Stop()

	p := q.GetParameters()
	q.CheckJobsExpiry(now, p.ScanBatchSize, p.PurgeBatchSize)
	q.DeleteBatch(p.DeleteBatchSize)
	q.PurgeAffinities()
	q.PurgeGroups()
	q.PurgeWNodes(now)
	q.PurgeBlacklistedJobs(now)
}

// NotifyListenersPeriodically reminds active listeners while there are
// pending jobs and expires listeners otherwise. It does not take the op
// lock.
func (q *Queue) NotifyListenersPeriodically(now time.Time) {
	p := q.GetParameters()
	if p.MaxPendingWaitTimeout > 0 {
		outdated := q.tracker.GetOutdatedPendingJobs(p.MaxPendingWaitTimeout, now, q.gc)
		q.notifications.CheckOutdatedJobs(outdated, now, p.NotifHifreqPeriod)
	}
	if q.tracker.AnyPending() {
		q.notifications.NotifyPeriodically(now, p.NotifLofreqMult)
	} else {
		q.notifications.CheckTimeout(now)
	}
}

// NotifyExactListeners sends the scheduled notifications that are due
// and returns when the next one is, zero if none.
func (q *Queue) NotifyExactListeners(now time.Time) time.Time {
	return q.notifications.NotifyExactListeners(now)
}

// Wakeup fires when a notification was scheduled that may be due before
// the next periodic pass.
func (q *Queue) Wakeup() <-chan struct{} {
	return q.notifications.Wakeup()
}

// RefreshStatistics updates the queue gauges.
func (q *Queue) RefreshStatistics() {
	for status, n := range q.tracker.Count() {
		q.stat.Gauge(stats.NSJobsGaugePrefix, status.String()).Update(int64(n))
	}
	q.stat.Gauge(stats.NSClientsGauge).Update(int64(q.clients.Len()))
	q.stat.Gauge(stats.NSAffinitiesGauge).Update(int64(q.affinities.Len()))
	q.stat.Gauge(stats.NSGroupsGauge).Update(int64(q.groups.Len()))
	passive, active := q.notifications.Counts()
	q.stat.Gauge(stats.NSListenersGauge).Update(int64(passive + active))
}

// pendingDeletes returns the jobs waiting for DeleteBatch.
func (q *Queue) pendingDeletes() *roaring.Bitmap {
	q.deleteMu.Lock()
	defer q.deleteMu.Unlock()
	return q.toDelete.Clone()
}
