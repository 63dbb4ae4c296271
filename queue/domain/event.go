package domain

import (
	"time"
)

// EventKind names the transition that produced a JobEvent.
type EventKind int

const (
	EventSubmit EventKind = iota
	EventBatchSubmit
	EventRequest
	EventDone
	EventReturn
	EventFail
	EventRead
	EventReadFail
	EventReadDone
	EventReadRollback
	EventClear
	EventCancel
	EventTimeout
	EventReadTimeout
	EventSessionChanged
	EventNSSubmitRollback
	EventNSGetRollback
	EventNSReadRollback
)

var eventNames = []string{
	"Submit",
	"BatchSubmit",
	"Request",
	"Done",
	"Return",
	"Fail",
	"Read",
	"ReadFail",
	"ReadDone",
	"ReadRollback",
	"Clear",
	"Cancel",
	"Timeout",
	"ReadTimeout",
	"SessionChanged",
	"NSSubmitRollback",
	"NSGetRollback",
	"NSReadRollback",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return "UNKNOWN"
	}
	return eventNames[k]
}

const (
	MaxWorkerNodeIDSize = 64
	MaxWorkerNodeErrMsg = 2048
	msgTruncatedSuffix  = " MSG_TRUNCATED"
	NoRetCode           = int32(-1)
)

// JobEvent is one entry of a job's append-only history.
// Events are never modified once appended to a job.
type JobEvent struct {
	Kind          EventKind
	Status        JobStatus
	Timestamp     time.Time
	NodeAddr      string
	RetCode       int32
	ClientNode    string
	ClientSession string
	ErrorMsg      string
}

// NewJobEvent builds an event with node/session/error fields already
// truncated to their storage limits.
func NewJobEvent(kind EventKind, status JobStatus, ts time.Time, client *ClientID) JobEvent {
	ev := JobEvent{
		Kind:      kind,
		Status:    status,
		Timestamp: ts,
		RetCode:   0,
	}
	if client != nil {
		ev.NodeAddr = client.Address
		ev.ClientNode = truncate(client.Node, MaxWorkerNodeIDSize)
		ev.ClientSession = truncate(client.Session, MaxWorkerNodeIDSize)
	}
	return ev
}

// SetErrorMsg stores msg, shortened with a truncation marker when it
// does not fit.
func (e *JobEvent) SetErrorMsg(msg string) {
	e.ErrorMsg = TruncateErrorMsg(msg)
}

func TruncateErrorMsg(msg string) string {
	if len(msg) < MaxWorkerNodeErrMsg {
		return msg
	}
	return msg[:MaxWorkerNodeErrMsg-len(msgTruncatedSuffix)-1] + msgTruncatedSuffix
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
