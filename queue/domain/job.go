package domain

import (
	"strconv"
	"strings"
	"time"
)

const (
	// Input and output longer than this are kept in the job_info table.
	SplitSize = 96
	// Upper bound for input/output sizes a store can hold.
	MaxOverflowSize = 1024 * 1024

	MaxClientIPSize  = 48
	MaxSessionIDSize = 48
)

// Job is a queue job together with its event history.
//
// Jobs handed out by stores and by the queue are owned copies; changing
// them has no effect until they are written back through a transaction.
type Job struct {
	ID       uint32
	Passport uint32
	Status   JobStatus

	// Per-job overrides of the queue timeouts, 0 means "use the queue's".
	// RunTimeout only covers the current run or read and is reset when
	// the job enters Running or Reading.
	Timeout    time.Duration
	RunTimeout time.Duration

	SubmNotifPort    uint16
	SubmNotifTimeout time.Duration

	ListenerNotifAddr    string
	ListenerNotifPort    uint16
	ListenerNotifAbsTime time.Time

	RunCount  uint32
	ReadCount uint32

	AffinityID uint32
	GroupID    uint32
	Mask       uint32

	LastTouch time.Time

	ClientIP  string
	ClientSID string

	Input       string
	Output      string
	ProgressMsg string

	Events []JobEvent

	// number of leading events already written to storage
	storedEvents int
}

// JobRequest carries what a submitter provides for a new job.
type JobRequest struct {
	Input            string
	Mask             uint32
	Timeout          time.Duration
	SubmNotifPort    uint16
	SubmNotifTimeout time.Duration
	ClientIP         string
	ClientSID        string
}

// BatchJob is one element of a batch submit.
type BatchJob struct {
	Input    string
	Affinity string
	Mask     uint32
}

func (j *Job) SetClientIP(ip string) {
	j.ClientIP = truncate(ip, MaxClientIPSize)
}

func (j *Job) SetClientSID(sid string) {
	j.ClientSID = truncate(sid, MaxSessionIDSize)
}

// AppendEvent adds ev to the history and returns its index.
func (j *Job) AppendEvent(ev JobEvent) int {
	j.Events = append(j.Events, ev)
	return len(j.Events) - 1
}

// LastEvent returns nil for a job without events.
func (j *Job) LastEvent() *JobEvent {
	if len(j.Events) == 0 {
		return nil
	}
	return &j.Events[len(j.Events)-1]
}

func (j *Job) LastEventIndex() int {
	return len(j.Events) - 1
}

// SubmitTime is the timestamp of the first event.
func (j *Job) SubmitTime() time.Time {
	if len(j.Events) == 0 {
		return time.Time{}
	}
	return j.Events[0].Timestamp
}

// SubmitAddr is the address the job was submitted from.
func (j *Job) SubmitAddr() string {
	if len(j.Events) == 0 {
		return ""
	}
	return j.Events[0].NodeAddr
}

func (j *Job) ErrorMsg() string {
	if ev := j.LastEvent(); ev != nil {
		return ev.ErrorMsg
	}
	return ""
}

func (j *Job) RetCode() int32 {
	if ev := j.LastEvent(); ev != nil {
		return ev.RetCode
	}
	return NoRetCode
}

// AuthToken is the token a worker must present to change the job state.
func (j *Job) AuthToken() string {
	return strconv.FormatUint(uint64(j.Passport), 10) + "_" + strconv.Itoa(len(j.Events))
}

type AuthTokenMatch int

const (
	InvalidTokenFormat AuthTokenMatch = iota
	NoMatch
	PassportOnlyMatch
	CompleteMatch
)

func (m AuthTokenMatch) String() string {
	switch m {
	case InvalidTokenFormat:
		return "InvalidTokenFormat"
	case NoMatch:
		return "NoMatch"
	case PassportOnlyMatch:
		return "PassportOnlyMatch"
	case CompleteMatch:
		return "CompleteMatch"
	}
	return "AuthTokenMatch(" + strconv.Itoa(int(m)) + ")"
}

func (j *Job) CompareAuthToken(token string) AuthTokenMatch {
	// exactly <passport>_<event count>
	parts := strings.Split(token, "_")
	if len(parts) != 2 {
		return InvalidTokenFormat
	}
	passport, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return InvalidTokenFormat
	}
	if uint32(passport) != j.Passport {
		return NoMatch
	}
	count, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return InvalidTokenFormat
	}
	if int(count) != len(j.Events) {
		return PassportOnlyMatch
	}
	return CompleteMatch
}

// ShouldNotifySubmitter is true while the submitter asked to be told about
// the job's completion and the request has not expired.
func (j *Job) ShouldNotifySubmitter(now time.Time) bool {
	if j.SubmNotifTimeout == 0 || j.SubmNotifPort == 0 || len(j.Events) == 0 {
		return false
	}
	return !j.Events[0].Timestamp.Add(j.SubmNotifTimeout).Before(now)
}

// ShouldNotifyListener is true while a LISTEN registration for the job is
// live.
func (j *Job) ShouldNotifyListener(now time.Time) bool {
	if j.ListenerNotifAbsTime.IsZero() || j.ListenerNotifAddr == "" || j.ListenerNotifPort == 0 {
		return false
	}
	return !j.ListenerNotifAbsTime.Before(now)
}

// StoredEvents is the number of events a store already holds for the job.
func (j *Job) StoredEvents() int {
	return j.storedEvents
}

// MarkStored records that all current events have been persisted.
func (j *Job) MarkStored() {
	j.storedEvents = len(j.Events)
}

// SetStoredEvents is used by stores when materializing a job.
func (j *Job) SetStoredEvents(n int) {
	j.storedEvents = n
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Events = make([]JobEvent, len(j.Events))
	copy(c.Events, j.Events)
	return &c
}

// SplitPayload returns the part of s kept in the main job row and the
// overflow part, empty when s fits.
func SplitPayload(s string) (inline, overflow string) {
	if len(s) <= SplitSize {
		return s, ""
	}
	return "", s
}
