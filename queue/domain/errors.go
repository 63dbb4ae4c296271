package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode classifies failures returned to clients.
type ErrorCode int

const (
	Internal ErrorCode = iota
	InvalidParameter
	InvalidAuthToken
	InvalidJobStatus
	JobNotFound
	DataTooLong
	PrefAffExpired
	SubmitsDisabled
	GroupNotFound
	TooManyPreferredAffinities
)

var errorCodeNames = map[ErrorCode]string{
	Internal:                   "eInternalError",
	InvalidParameter:           "eInvalidParameter",
	InvalidAuthToken:           "eInvalidAuthToken",
	InvalidJobStatus:           "eInvalidJobStatus",
	JobNotFound:                "eJobNotFound",
	DataTooLong:                "eDataTooLong",
	PrefAffExpired:             "ePrefAffExpired",
	SubmitsDisabled:            "eSubmitsDisabled",
	GroupNotFound:              "eGroupNotFound",
	TooManyPreferredAffinities: "eTooManyPreferredAffinities",
}

func (c ErrorCode) String() string {
	if n, ok := errorCodeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is a protocol level failure with a code a command handler can
// report to the client.
type Error struct {
	Code ErrorCode
	Msg  string
}

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// StatusError is returned when a job's current status does not allow the
// requested command. Status is the status the job actually has.
type StatusError struct {
	Op     string
	Status JobStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: invalid job status %s", e.Op, e.Status)
}

// IsCode reports whether err, or the error it wraps, is an *Error with
// the given code. A StatusError matches InvalidJobStatus or JobNotFound.
func IsCode(err error, code ErrorCode) bool {
	switch e := errors.Cause(err).(type) {
	case *Error:
		return e.Code == code
	case *StatusError:
		if e.Status == StatusNotFound {
			return code == JobNotFound
		}
		return code == InvalidJobStatus
	}
	return false
}
