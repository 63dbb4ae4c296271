package domain

import (
	"fmt"
	"strings"
)

// JobStatus is the state of a job in a queue.
type JobStatus int

const (
	StatusNotFound JobStatus = iota - 1
	StatusPending
	StatusRunning
	StatusCanceled
	StatusFailed
	StatusDone
	StatusReading
	StatusConfirmed
	StatusReadFailed
)

// number of real statuses, StatusNotFound excluded
const StatusCount = int(StatusReadFailed) + 1

var statusNames = []string{
	"Pending",
	"Running",
	"Canceled",
	"Failed",
	"Done",
	"Reading",
	"Confirmed",
	"ReadFailed",
}

func (s JobStatus) String() string {
	if s == StatusNotFound {
		return "NotFound"
	}
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("JobStatus(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus accepts the names produced by String, case-insensitively.
func ParseStatus(name string) (JobStatus, error) {
	if strings.EqualFold(name, "NotFound") {
		return StatusNotFound, nil
	}
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return JobStatus(i), nil
		}
	}
	return StatusNotFound, fmt.Errorf("unknown job status %q", name)
}

// AllStatuses lists every real status in declaration order.
func AllStatuses() []JobStatus {
	out := make([]JobStatus, 0, StatusCount)
	for i := 0; i < StatusCount; i++ {
		out = append(out, JobStatus(i))
	}
	return out
}

// ExpirableStatuses are the statuses whose jobs are removed by the expiry
// sweep. Running and Reading jobs are handled by the execution timeout.
func ExpirableStatuses() []JobStatus {
	return []JobStatus{
		StatusPending,
		StatusDone,
		StatusFailed,
		StatusCanceled,
		StatusConfirmed,
		StatusReadFailed,
	}
}

// IsActive is true for statuses that still expect work to happen.
func (s JobStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning || s == StatusReading
}
