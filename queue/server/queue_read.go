package server

import (
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
)

// GetJobForReading hands a Done job to a reader, restricted to the group
// when one is given. A nil job means nothing is ready. A positive
// readTimeout replaces the queue run timeout for this read only.
func (q *Queue) GetJobForReading(c *domain.ClientID, readTimeout time.Duration, groupToken string) (*domain.Job, error) {
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	var group *roaring.Bitmap
	if groupToken != "" {
		jobs, ok := q.groups.GetJobsByToken(groupToken)
		if !ok {
			return nil, q.reject(domain.GroupNotFound, "group %q not found", groupToken)
		}
		if jobs.IsEmpty() {
			return nil, nil
		}
		group = jobs
	}

	id := q.tracker.GetJobByStatus(domain.StatusDone, q.clients.GetBlacklistedJobs(c.Node, now), group)
	if id == 0 {
		return nil, nil
	}
	job, err := q.fetchJob(id)
	if err != nil {
		return nil, err
	}
	from := job.Status
	job.ReadCount++
	job.RunTimeout = 0
	if readTimeout > 0 {
		job.RunTimeout = readTimeout
	}
	job.AppendEvent(domain.NewJobEvent(domain.EventRead, domain.StatusReading, now, c))
	job.Status = domain.StatusReading
	job.LastTouch = now
	if err := q.saveJobs(job); err != nil {
		return nil, err
	}

	q.clients.RegisterReadingJob(c, id, now)
	q.stat.Counter(stats.NSReadCounter).Inc(1)
	q.afterTransition(job, from, domain.EventRead, p, now)
	return job.Clone(), nil
}

// ConfirmReadingJob finishes a read successfully.
func (q *Queue) ConfirmReadingJob(c *domain.ClientID, id uint32, token string) (domain.JobStatus, error) {
	return q.finishRead(c, id, token, domain.EventReadDone, "", func(job *domain.Job, p QueueParams) domain.JobStatus {
		return domain.StatusConfirmed
	})
}

// FailReadingJob gives a job back to Done for another reader, or makes it
// ReadFailed once it was read more than the retry limit. The job is
// blacklisted for the reader.
func (q *Queue) FailReadingJob(c *domain.ClientID, id uint32, token, errMsg string) (domain.JobStatus, error) {
	return q.finishRead(c, id, token, domain.EventReadFail, errMsg, func(job *domain.Job, p QueueParams) domain.JobStatus {
		if job.ReadCount > p.FailedRetries {
			return domain.StatusReadFailed
		}
		return domain.StatusDone
	})
}

// ReturnReadingJob gives a job back to Done without counting the read and
// blacklists it for the reader.
func (q *Queue) ReturnReadingJob(c *domain.ClientID, id uint32, token string) (domain.JobStatus, error) {
	return q.finishRead(c, id, token, domain.EventReadRollback, "", func(job *domain.Job, p QueueParams) domain.JobStatus {
		if job.ReadCount > 0 {
			job.ReadCount--
		}
		return domain.StatusDone
	})
}

// finishRead moves a Reading job to the status next picks. It returns the
// status the job had; only Reading jobs change.
func (q *Queue) finishRead(c *domain.ClientID, id uint32, token string, kind domain.EventKind, errMsg string,
	next func(*domain.Job, QueueParams) domain.JobStatus) (domain.JobStatus, error) {

	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	old := q.tracker.GetStatus(id)
	if old != domain.StatusReading {
		return old, nil
	}
	job, err := q.fetchJob(id)
	if err != nil {
		return old, err
	}
	if job.CompareAuthToken(token) != domain.CompleteMatch {
		return old, q.reject(domain.InvalidAuthToken, "invalid authorization token for job %d", id)
	}

	reader := lastHolder(job, domain.EventRead)
	status := next(job, p)
	ev := domain.NewJobEvent(kind, status, now, c)
	ev.SetErrorMsg(errMsg)
	job.AppendEvent(ev)
	job.Status = status
	job.LastTouch = now
	if err := q.saveJobs(job); err != nil {
		return old, err
	}

	if kind == domain.EventReadDone {
		q.clients.UnregisterReadingJob(c.Node, id)
		q.stat.Counter(stats.NSConfirmReadCounter).Inc(1)
	} else {
		if !q.clients.MoveReadingJobToBlacklist(c.Node, id) {
			q.clients.RegisterBlacklistedJob(c, id, now)
		}
		if kind == domain.EventReadFail {
			q.stat.Counter(stats.NSFailReadCounter).Inc(1)
		} else {
			q.stat.Counter(stats.NSRollbackReadCounter).Inc(1)
		}
	}
	if reader != c.Node {
		q.clients.UnregisterReadingJob(reader, id)
	}
	q.afterTransition(job, old, kind, p, now)
	return old, nil
}
