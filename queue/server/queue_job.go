package server

import (
	"time"

	"github.com/twitter/netschedule/queue/domain"
)

// GetJobStatus is StatusNotFound for unknown jobs.
func (q *Queue) GetJobStatus(id uint32) domain.JobStatus {
	return q.tracker.GetStatus(id)
}

// JobDelayExpiration lets a running job live until now+timeout. It
// returns the status the job had; only Running jobs are changed.
func (q *Queue) JobDelayExpiration(c *domain.ClientID, id uint32, timeout time.Duration) (domain.JobStatus, error) {
	if timeout <= 0 {
		return domain.StatusNotFound, q.reject(domain.InvalidParameter, "invalid timeout %v", timeout)
	}
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	old := q.tracker.GetStatus(id)
	if old != domain.StatusRunning {
		return old, nil
	}
	job, err := q.fetchJob(id)
	if err != nil {
		return old, err
	}
	var since time.Time
	if ev := job.LastEvent(); ev != nil {
		since = ev.Timestamp
	} else {
		since = job.LastTouch
	}
	job.RunTimeout = now.Add(timeout).Sub(since)
	if err := q.saveJobs(job); err != nil {
		return old, err
	}
	q.gc.UpdateLifetime(id, job.ExpirationTime(p.Timeouts(), since))
	return old, nil
}

// GetStatusAndLifetime returns the job status and expiry. With touch the
// job's last touch moves to now, which extends the lifetime of a job that
// is not running or being read.
func (q *Queue) GetStatusAndLifetime(id uint32, touch bool) (domain.JobStatus, time.Time, error) {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	status := q.tracker.GetStatus(id)
	if status == domain.StatusNotFound {
		return status, time.Time{}, nil
	}
	if touch {
		if _, err := q.touchJob(id); err != nil {
			return status, time.Time{}, err
		}
	}
	return status, q.gc.GetLifetime(id), nil
}

// ReadAndTouchJob returns the job after moving its last touch to now.
func (q *Queue) ReadAndTouchJob(id uint32) (*domain.Job, error) {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	if q.tracker.GetStatus(id) == domain.StatusNotFound {
		return nil, q.reject(domain.JobNotFound, "job %d not found", id)
	}
	job, err := q.touchJob(id)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func (q *Queue) touchJob(id uint32) (*domain.Job, error) {
	p := q.GetParameters()
	job, err := q.fetchJob(id)
	if err != nil {
		return nil, err
	}
	job.LastTouch = q.clock.Now()
	if err := q.saveJobs(job); err != nil {
		return nil, err
	}
	// the run and read deadlines count from the event that started them
	var eventTime time.Time
	if job.Status == domain.StatusRunning || job.Status == domain.StatusReading {
		if ev := job.LastEvent(); ev != nil {
			eventTime = ev.Timestamp
		}
	}
	q.gc.UpdateLifetime(id, job.ExpirationTime(p.Timeouts(), eventTime))
	return job, nil
}

// SetJobListener asks for a UDP packet on every status change of the job
// until now+timeout. A zero timeout or port removes the listener. It
// returns the index of the job's last event.
func (q *Queue) SetJobListener(c *domain.ClientID, id uint32, port uint16, timeout time.Duration) (int, error) {
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()

	if q.tracker.GetStatus(id) == domain.StatusNotFound {
		return -1, q.reject(domain.JobNotFound, "job %d not found", id)
	}
	job, err := q.fetchJob(id)
	if err != nil {
		return -1, err
	}
	if port == 0 || timeout <= 0 {
		job.ListenerNotifAddr = ""
		job.ListenerNotifPort = 0
		job.ListenerNotifAbsTime = time.Time{}
	} else {
		job.ListenerNotifAddr = c.Address
		job.ListenerNotifPort = port
		job.ListenerNotifAbsTime = now.Add(timeout)
	}
	if err := q.saveJobs(job); err != nil {
		return -1, err
	}
	return job.LastEventIndex(), nil
}

// PutProgressMessage replaces the job's progress message.
func (q *Queue) PutProgressMessage(id uint32, msg string) error {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	if q.tracker.GetStatus(id) == domain.StatusNotFound {
		return q.reject(domain.JobNotFound, "job %d not found", id)
	}
	job, err := q.fetchJob(id)
	if err != nil {
		return err
	}
	job.ProgressMsg = msg
	return q.saveJobs(job)
}

// DumpJob returns a copy of the job with its full history.
func (q *Queue) DumpJob(id uint32) (*domain.Job, error) {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	if q.tracker.GetStatus(id) == domain.StatusNotFound {
		return nil, q.reject(domain.JobNotFound, "job %d not found", id)
	}
	return q.fetchJob(id)
}
