package domain

import (
	"strings"
)

// The functions below map the status a queue operation reports back onto
// what the command layer tells the client: nothing, a warning, or an
// error carrying the actual status.

func PutOutcome(old JobStatus) (warning string, err error) {
	switch old {
	case StatusPending, StatusRunning, StatusFailed:
		return "", nil
	case StatusDone:
		return "Already done", nil
	}
	return "", &StatusError{Op: "PUT", Status: old}
}

func FailOutcome(old JobStatus) (warning string, err error) {
	switch old {
	case StatusNotFound:
		return "", &StatusError{Op: "FPUT", Status: old}
	case StatusFailed:
		return "Already failed", nil
	case StatusRunning:
		return "", nil
	}
	return "", &StatusError{Op: "FPUT", Status: old}
}

func ReturnOutcome(old JobStatus) error {
	if old == StatusRunning {
		return nil
	}
	return &StatusError{Op: "RETURN", Status: old}
}

func CancelOutcome(old JobStatus) (warning string) {
	switch old {
	case StatusNotFound:
		return "Job not found"
	case StatusCanceled:
		return "Already canceled"
	}
	return ""
}

func DelayExpirationOutcome(old JobStatus) error {
	if old == StatusRunning {
		return nil
	}
	return &StatusError{Op: "JDEX", Status: old}
}

// ReadOutcome covers the commands finishing a read: confirm, fail and
// rollback.
func ReadOutcome(op string, old JobStatus) error {
	if old == StatusReading {
		return nil
	}
	return &StatusError{Op: op, Status: old}
}

// SplitAffinityList splits a client supplied affinity list. Tabs and
// commas separate tokens; empty tokens are dropped.
func SplitAffinityList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == '\t' || r == ',' })
}
