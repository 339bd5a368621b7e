package harness

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-harness/reporting"
	"github.com/ethereum-optimism/infra/op-harness/runner"
)

// RuntimeError represents an operational error that should lead to exit code 2
// Examples include configuration errors, agent launch failures, etc.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError or a
// FaultedError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	var faultedErr *FaultedError
	return err != nil && (errors.As(err, &runtimeErr) || errors.As(err, &faultedErr))
}

// TestFailureError represents a failure from test assertions (exit code 1)
type TestFailureError struct {
	Message string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}

// FaultedError is a run that ended in the Faulted state. Report holds the
// partial results, if any were collected.
type FaultedError struct {
	Reason runner.FaultReason
	Report *reporting.TestReport
	Err    error
}

func (e *FaultedError) Error() string {
	return fmt.Sprintf("run faulted (%s): %v", e.Reason, e.Err)
}

func (e *FaultedError) Unwrap() error {
	return e.Err
}

// ResultError maps a runner result onto the typed errors above. A passing
// run yields nil.
func ResultError(res *runner.Result) error {
	if res == nil {
		return NewRuntimeError(errors.New("no run result"))
	}
	switch {
	case res.Fault != nil:
		return &FaultedError{Reason: res.Fault.Reason, Report: res.Report, Err: res.Fault}
	case res.Err != nil:
		return NewRuntimeError(res.Err)
	case res.Report != nil && res.Report.FinalResult() == reporting.Failure:
		return NewTestFailureError(res.Report.String())
	default:
		return nil
	}
}
