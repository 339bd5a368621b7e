package harness

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/op-harness/reporting"
	"github.com/ethereum-optimism/infra/op-harness/runner"
)

// TestErrorClassification detects wrapped typed errors
func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	runtimeErr := fmt.Errorf("wrapped: %w", NewRuntimeError(base))
	assert.True(t, IsRuntimeError(runtimeErr))
	assert.False(t, IsTestFailureError(runtimeErr))
	assert.ErrorIs(t, runtimeErr, base)

	failure := fmt.Errorf("wrapped: %w", NewTestFailureError("2 failed"))
	assert.True(t, IsTestFailureError(failure))
	assert.False(t, IsRuntimeError(failure))
	assert.Equal(t, "wrapped: test failure: 2 failed", failure.Error())

	faulted := &FaultedError{Reason: runner.FaultCommunicationStall, Err: base}
	assert.True(t, IsRuntimeError(faulted))
	assert.ErrorIs(t, faulted, base)

	assert.False(t, IsRuntimeError(nil))
	assert.False(t, IsTestFailureError(nil))
}

// TestResultError maps runner results onto typed errors
func TestResultError(t *testing.T) {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	passed := reporting.NewTestReport("run", "", started)
	passed.AddResult(reporting.TestCaseResult{Name: "ok", Result: reporting.ResultPassed}, started)
	failed := reporting.NewTestReport("run", "", started)
	failed.AddResult(reporting.TestCaseResult{Name: "bad", Result: reporting.ResultFailed}, started)

	tests := []struct {
		name  string
		res   *runner.Result
		check func(t *testing.T, err error)
	}{
		{name: "passed", res: &runner.Result{State: runner.StateCompleted, Report: passed}, check: func(t *testing.T, err error) {
			assert.NoError(t, err)
		}},
		{name: "failed", res: &runner.Result{State: runner.StateCompleted, Report: failed}, check: func(t *testing.T, err error) {
			assert.True(t, IsTestFailureError(err))
		}},
		{name: "faulted", res: &runner.Result{State: runner.StateFaulted, Report: passed, Fault: &runner.FaultError{Reason: runner.FaultTranslationFlood}}, check: func(t *testing.T, err error) {
			var faulted *FaultedError
			assert.ErrorAs(t, err, &faulted)
			assert.Equal(t, runner.FaultTranslationFlood, faulted.Reason)
			assert.Same(t, passed, faulted.Report)
			assert.True(t, IsRuntimeError(err))
		}},
		{name: "launch error", res: &runner.Result{State: runner.StateFaulted, Err: &runner.LaunchError{InstanceID: "a", Err: errors.New("x")}}, check: func(t *testing.T, err error) {
			var launchErr *runner.LaunchError
			assert.ErrorAs(t, err, &launchErr)
			assert.True(t, IsRuntimeError(err))
		}},
		{name: "nil", res: nil, check: func(t *testing.T, err error) {
			assert.True(t, IsRuntimeError(err))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, ResultError(tt.res))
		})
	}
}
