package executor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrConfiguration = errors.New("invalid configuration")
	ErrConnection    = errors.New("connection failed")
	ErrScan          = errors.New("folder scan failed")
	ErrRetrieval     = errors.New("retrieval failed")
	ErrProcessing    = errors.New("message processing failed")
	ErrBusy          = errors.New("an operation is already running")
	ErrHandleExpired = errors.New("message handle used after its folder was closed")
)

// TaskError tags a failure with its kind so callers can match it with
// errors.Is while still reaching the underlying cause.
type TaskError struct {
	Kind error
	Op   string
	Err  error
}

func newTaskError(kind error, op string, err error) *TaskError {
	return &TaskError{Kind: kind, Op: op, Err: err}
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ProcessingFailure records one message whose processing failed and was
// rolled back.
type ProcessingFailure struct {
	UID    uint32
	SeqNum uint32
	Err    error
}

func (f ProcessingFailure) Error() string {
	return fmt.Sprintf("message uid %d (seq %d): %v", f.UID, f.SeqNum, f.Err)
}

func (f ProcessingFailure) Unwrap() error {
	return f.Err
}

// AggregateError is returned by ForEach once every candidate was visited and
// at least one of them failed.
type AggregateError struct {
	Msg      string
	Cause    error
	Failures []ProcessingFailure
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	for _, f := range e.Failures {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+2)
	errs = append(errs, ErrProcessing)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// RollbackError means a failed message could not be restored to its
// pre-processing state. The folder is left unexpunged.
type RollbackError struct {
	UID   uint32
	Cause error
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of message uid %d failed: %v (processing error: %v)", e.UID, e.Err, e.Cause)
}

func (e *RollbackError) Unwrap() []error {
	return []error{e.Err, e.Cause}
}

// structural failures abort the scan and suppress the expunge on close.
func structural(err error) bool {
	return errors.Is(err, ErrScan) || errors.Is(err, ErrRetrieval)
}
