// Package runerr defines the error taxonomy of an upsert run and the policy
// attached to each kind: whether it aborts the run and which exit code it maps to.
package runerr

import (
	"errors"
	"fmt"
)

// Kind classifies a run failure
type Kind string

const (
	ConfigInvalid          Kind = "config_invalid"
	SourceUnavailable      Kind = "source_unavailable"
	PartitionFailure       Kind = "partition_failure"
	JobCreationFailure     Kind = "job_creation_failure"
	JobCloseFailure        Kind = "job_close_failure"
	BatchSubmissionFailure Kind = "batch_submission_failure"
	PollTransportFailure   Kind = "poll_transport_failure"
	PollTimeout            Kind = "poll_timeout"
	ResultReadFailure      Kind = "result_read_failure"
	DirtyRun               Kind = "dirty_run"
	NotifyFailure          Kind = "notify_failure"
)

// Exit codes
const (
	ExitClean        = 0
	ExitFailed       = 1
	ExitPrecondition = 2
)

// Error is a kinded run error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New creates a kinded error. err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a kinded error with a formatted cause
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return string(e.Kind)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so that
// errors.Is(err, runerr.New(runerr.PollTimeout, "", nil)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf returns the kind of the outermost *Error in the chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether a kind aborts the run.
// Unknown kinds are fatal.
func IsFatal(kind Kind) bool {
	switch kind {
	case BatchSubmissionFailure, PollTransportFailure, NotifyFailure:
		return false
	}
	return true
}

// ExitCode maps a run error to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitClean
	}
	switch KindOf(err) {
	case ConfigInvalid, SourceUnavailable:
		return ExitPrecondition
	}
	return ExitFailed
}
