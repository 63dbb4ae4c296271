package server

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
)

const passportOnlyWarning = "Only job passport matched. Command is ignored."

// PutResult stores the output of a job and makes it Done. It returns the
// status the job had; any status other than Pending, Running and Failed
// leaves the job untouched.
func (q *Queue) PutResult(c *domain.ClientID, id uint32, token string, retCode int32, output string) (domain.JobStatus, error) {
	p := q.GetParameters()
	if len(output) > p.MaxOutputSize {
		return domain.StatusNotFound, q.reject(domain.DataTooLong, "job output is longer than %d bytes", p.MaxOutputSize)
	}
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	old := q.tracker.GetStatus(id)
	switch old {
	case domain.StatusPending, domain.StatusRunning, domain.StatusFailed:
	default:
		return old, nil
	}
	job, err := q.fetchJob(id)
	if err != nil {
		return old, err
	}
	switch job.CompareAuthToken(token) {
	case domain.CompleteMatch, domain.PassportOnlyMatch:
	default:
		return old, q.reject(domain.InvalidAuthToken, "invalid authorization token for job %d", id)
	}

	holder := lastHolder(job, domain.EventRequest)
	ev := domain.NewJobEvent(domain.EventDone, domain.StatusDone, now, c)
	ev.RetCode = retCode
	job.AppendEvent(ev)
	job.Status = domain.StatusDone
	job.RunTimeout = 0
	job.Output = output
	job.LastTouch = now
	if err := q.saveJobs(job); err != nil {
		return old, err
	}

	q.clients.UnregisterRunningJob(c.Node, id)
	if holder != c.Node {
		q.clients.UnregisterRunningJob(holder, id)
	}
	q.stat.Counter(stats.NSPutResultCounter).Inc(1)
	q.afterTransition(job, old, domain.EventDone, p, now)
	return old, nil
}

// FailJob reports a failed run. The job goes back to Pending while it has
// retries left and becomes Failed otherwise; either way it is blacklisted
// for the reporting client. Only Running jobs are changed.
func (q *Queue) FailJob(c *domain.ClientID, id uint32, token, errMsg, output string, retCode int32) (domain.JobStatus, string, error) {
	p := q.GetParameters()
	if len(output) > p.MaxOutputSize {
		return domain.StatusNotFound, "", q.reject(domain.DataTooLong, "job output is longer than %d bytes", p.MaxOutputSize)
	}
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	old := q.tracker.GetStatus(id)
	if old != domain.StatusRunning {
		return old, "", nil
	}
	job, warning, err := q.fetchRunning(id, token)
	if job == nil {
		return old, warning, err
	}

	holder := lastHolder(job, domain.EventRequest)
	next := domain.StatusPending
	if job.RunCount > p.FailedRetries {
		next = domain.StatusFailed
	}
	ev := domain.NewJobEvent(domain.EventFail, next, now, c)
	ev.RetCode = retCode
	ev.SetErrorMsg(errMsg)
	job.AppendEvent(ev)
	job.Status = next
	job.Output = output
	job.LastTouch = now
	if err := q.saveJobs(job); err != nil {
		return old, "", err
	}

	q.releaseRunning(c, holder, id)
	q.stat.Counter(stats.NSFailCounter).Inc(1)
	q.afterTransition(job, old, domain.EventFail, p, now)
	return old, "", nil
}

// ReturnJob gives a running job back without counting the run and
// blacklists it for the client.
func (q *Queue) ReturnJob(c *domain.ClientID, id uint32, token string) (domain.JobStatus, string, error) {
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	old := q.tracker.GetStatus(id)
	if old != domain.StatusRunning {
		return old, "", nil
	}
	job, warning, err := q.fetchRunning(id, token)
	if job == nil {
		return old, warning, err
	}

	holder := lastHolder(job, domain.EventRequest)
	if job.RunCount > 0 {
		job.RunCount--
	}
	job.AppendEvent(domain.NewJobEvent(domain.EventReturn, domain.StatusPending, now, c))
	job.Status = domain.StatusPending
	job.LastTouch = now
	if err := q.saveJobs(job); err != nil {
		return old, "", err
	}

	q.releaseRunning(c, holder, id)
	q.stat.Counter(stats.NSReturnCounter).Inc(1)
	q.afterTransition(job, old, domain.EventReturn, p, now)
	return old, "", nil
}

// fetchRunning loads a running job for FPUT and RETURN. A token matching
// only the passport comes from a worker that lost a race with a timeout;
// the command is then ignored with a warning and job is nil.
func (q *Queue) fetchRunning(id uint32, token string) (job *domain.Job, warning string, err error) {
	job, err = q.fetchJob(id)
	if err != nil {
		return nil, "", err
	}
	switch job.CompareAuthToken(token) {
	case domain.CompleteMatch:
		return job, "", nil
	case domain.PassportOnlyMatch:
		return nil, passportOnlyWarning, nil
	}
	return nil, "", q.reject(domain.InvalidAuthToken, "invalid authorization token for job %d", id)
}

// releaseRunning blacklists id for c and makes sure the worker that got
// it last does not keep it either.
func (q *Queue) releaseRunning(c *domain.ClientID, holder string, id uint32) {
	if !q.clients.MoveRunningJobToBlacklist(c.Node, id) {
		// not handed to this node; blacklist it anyway
		q.clients.RegisterBlacklistedJob(c, id, q.clock.Now())
	}
	if holder != c.Node {
		q.clients.UnregisterRunningJob(holder, id)
	}
}

// RollbackGet undoes a GET whose reply never reached the worker.
func (q *Queue) RollbackGet(c *domain.ClientID, id uint32) (domain.JobStatus, error) {
	return q.rollback(c, id, domain.StatusRunning, domain.StatusPending, domain.EventNSGetRollback)
}

// RollbackSubmit cancels a job whose submit reply never reached the
// submitter.
func (q *Queue) RollbackSubmit(c *domain.ClientID, id uint32) (domain.JobStatus, error) {
	return q.rollback(c, id, domain.StatusPending, domain.StatusCanceled, domain.EventNSSubmitRollback)
}

// RollbackRead undoes a READ whose reply never reached the reader.
func (q *Queue) RollbackRead(c *domain.ClientID, id uint32) (domain.JobStatus, error) {
	return q.rollback(c, id, domain.StatusReading, domain.StatusDone, domain.EventNSReadRollback)
}

// rollback moves a job from want to next without blacklisting it. The run
// or read it undoes is not counted.
func (q *Queue) rollback(c *domain.ClientID, id uint32, want, next domain.JobStatus, kind domain.EventKind) (domain.JobStatus, error) {
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	old := q.tracker.GetStatus(id)
	if old != want {
		return old, nil
	}
	job, err := q.fetchJob(id)
	if err != nil {
		return old, err
	}
	runner := lastHolder(job, domain.EventRequest)
	reader := lastHolder(job, domain.EventRead)
	switch want {
	case domain.StatusRunning:
		if job.RunCount > 0 {
			job.RunCount--
		}
	case domain.StatusReading:
		if job.ReadCount > 0 {
			job.ReadCount--
		}
	}
	job.AppendEvent(domain.NewJobEvent(kind, next, now, c))
	job.Status = next
	job.LastTouch = now
	if err := q.saveJobs(job); err != nil {
		return old, err
	}

	switch want {
	case domain.StatusRunning:
		q.clients.UnregisterRunningJob(runner, id)
	case domain.StatusReading:
		q.clients.UnregisterReadingJob(reader, id)
	}
	q.stat.Counter(stats.NSRollbackCounter).Inc(1)
	q.afterTransition(job, old, kind, p, now)
	return old, nil
}

// Cancel cancels a job in any status. NotFound and Canceled jobs are left
// alone; the returned status is the one the job had.
func (q *Queue) Cancel(c *domain.ClientID, id uint32) (domain.JobStatus, error) {
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)
	return q.cancelLocked(c, id, p)
}

func (q *Queue) cancelLocked(c *domain.ClientID, id uint32, p QueueParams) (domain.JobStatus, error) {
	old := q.tracker.GetStatus(id)
	if old == domain.StatusNotFound || old == domain.StatusCanceled {
		return old, nil
	}
	job, err := q.fetchJob(id)
	if err != nil {
		return old, err
	}
	now := q.clock.Now()
	runner := lastHolder(job, domain.EventRequest)
	reader := lastHolder(job, domain.EventRead)
	job.AppendEvent(domain.NewJobEvent(domain.EventCancel, domain.StatusCanceled, now, c))
	job.Status = domain.StatusCanceled
	job.LastTouch = now
	if err := q.saveJobs(job); err != nil {
		return old, err
	}

	switch old {
	case domain.StatusRunning:
		q.clients.UnregisterRunningJob(runner, id)
	case domain.StatusReading:
		q.clients.UnregisterReadingJob(reader, id)
	}
	q.stat.Counter(stats.NSCancelCounter).Inc(1)
	q.afterTransition(job, old, domain.EventCancel, p, now)
	return old, nil
}

// CancelGroup cancels every job of the group and returns how many were
// canceled.
func (q *Queue) CancelGroup(c *domain.ClientID, groupToken string) (int, error) {
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	jobs, ok := q.groups.GetJobsByToken(groupToken)
	if !ok {
		return 0, q.reject(domain.GroupNotFound, "group %q not found", groupToken)
	}
	return q.cancelSet(c, jobs, p)
}

// CancelAllJobs cancels every job of the queue that is not canceled yet.
func (q *Queue) CancelAllJobs(c *domain.ClientID) (int, error) {
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	var statuses []domain.JobStatus
	for _, s := range domain.AllStatuses() {
		if s != domain.StatusCanceled {
			statuses = append(statuses, s)
		}
	}
	return q.cancelSet(c, q.tracker.GetJobs(statuses...), p)
}

func (q *Queue) cancelSet(c *domain.ClientID, ids *roaring.Bitmap, p QueueParams) (int, error) {
	canceled := 0
	it := ids.Iterator()
	for it.HasNext() {
		old, err := q.cancelLocked(c, it.Next(), p)
		if err != nil {
			return canceled, err
		}
		if old != domain.StatusNotFound && old != domain.StatusCanceled {
			canceled++
		}
	}
	return canceled, nil
}
