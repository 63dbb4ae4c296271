package errors

import (
	pkgerrors "github.com/pkg/errors"
)

// ExitCodeError is an error a binary reports through its exit status.
type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

func (e *ExitCodeError) Cause() error {
	return e.error
}

// ExitCodeOf returns the exit code carried by err or anything it wraps,
// GenericFailureExitCode when there is none and 0 for a nil err.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return 0
	}
	for e := err; e != nil; {
		if ec, ok := e.(*ExitCodeError); ok {
			return ec.code
		}
		c, ok := e.(interface{ Cause() error })
		if !ok {
			break
		}
		e = c.Cause()
	}
	return GenericFailureExitCode
}

// Wrap adds context to err and keeps its exit code.
func Wrap(err error, exitCode ExitCode, msg string) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, pkgerrors.Wrap(err, msg)}
}
