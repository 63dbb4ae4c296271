package domain

import (
	"time"
)

// Timeouts holds the queue level lifetimes used to compute job expiry.
type Timeouts struct {
	Timeout        time.Duration
	RunTimeout     time.Duration
	PendingTimeout time.Duration
}

// GetJobExpirationTime computes the instant a job stops being valid in its
// current status. eventTime is the time of the last state change; when it
// is zero lastTouch is used instead.
//
// Running and Reading jobs expire a run timeout after the last update.
// Pending jobs expire at whichever comes first of the regular timeout and
// the pending timeout counted from submission.
func GetJobExpirationTime(lastTouch time.Time, status JobStatus, submitTime time.Time,
	jobTimeout, jobRunTimeout time.Duration, queue Timeouts, eventTime time.Time) time.Time {

	lastUpdate := eventTime
	if lastUpdate.IsZero() {
		lastUpdate = lastTouch
	}

	if status == StatusRunning || status == StatusReading {
		if jobRunTimeout != 0 {
			return lastUpdate.Add(jobRunTimeout)
		}
		return lastUpdate.Add(queue.RunTimeout)
	}

	timeout := queue.Timeout
	if jobTimeout != 0 {
		timeout = jobTimeout
	}
	if status == StatusPending {
		regular := lastUpdate.Add(timeout)
		pending := submitTime.Add(queue.PendingTimeout)
		if regular.Before(pending) {
			return regular
		}
		return pending
	}
	return lastUpdate.Add(timeout)
}

// ExpirationTime applies GetJobExpirationTime to a job.
func (j *Job) ExpirationTime(queue Timeouts, eventTime time.Time) time.Time {
	return GetJobExpirationTime(j.LastTouch, j.Status, j.SubmitTime(),
		j.Timeout, j.RunTimeout, queue, eventTime)
}
