package metrics

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// TestErrToLabel checks error label normalization.
func TestErrToLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "nil error",
			err:  nil,
		},
		{
			name: "simple error",
			err:  errors.New("test error"),
		},
		{
			name: "error with special chars",
			err:  errors.New("test@error#123"),
		},
		{
			name: "error with multiple spaces",
			err:  errors.New("test   error"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errToLabel(tt.err)
			validLabelRegex := regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)
			assert.Regexp(t, validLabelRegex, result)
		})
	}
}

// TestRecordErrorDetails checks the error counter is labelled by type.
func TestRecordErrorDetails(t *testing.T) {
	before := testutil.ToFloat64(errorsTotal.WithLabelValues("launch.no_such_file"))
	RecordErrorDetails("launch", nil)
	RecordErrorDetails("launch", errors.New("no such file"))
	after := testutil.ToFloat64(errorsTotal.WithLabelValues("launch.no_such_file"))
	assert.Equal(t, before+1, after)
}

// TestRecordRunnerState checks the runner state gauge tracks the latest state.
func TestRecordRunnerState(t *testing.T) {
	states := []string{"Starting", "Running", "Completed"}
	RecordRunnerState("oneshot", "Running", states)
	assert.Equal(t, 1.0, testutil.ToFloat64(runnerState.WithLabelValues("oneshot", "Running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(runnerState.WithLabelValues("oneshot", "Starting")))

	RecordRunnerState("oneshot", "Completed", states)
	assert.Equal(t, 0.0, testutil.ToFloat64(runnerState.WithLabelValues("oneshot", "Running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(runnerState.WithLabelValues("oneshot", "Completed")))
}

// TestRecordRun checks runs are counted by result.
func TestRecordRun(t *testing.T) {
	RecordRun("ci", "run1", "success", 2, 2, 0, time.Second)
	RecordRun("ci", "run2", "failure", 2, 1, 1, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(runResults.WithLabelValues("ci", "run2", "failure")))

	// invalid results are rejected without panicking
	RecordRun("ci", "run3", "sideways", 1, 0, 0, time.Second)
}

// TestRecordMisc checks the remaining recorders do not panic.
func TestRecordMisc(t *testing.T) {
	// just test that none of these panic
	RecordEventPublished("MethodPassed")
	RecordDispatchFailure("report", "MethodPassed")
	RecordEnvelope("translated")
	RecordTranslationFault("method-passed")
	RecordCommunicationTimeout("agent-1")
	RecordDialog("message-box", true)
	RecordAgentLaunch("chrome", nil)
	RecordAgentLaunch("chrome", errors.New("boom"))
	RecordAgentVersionMismatch("v2.0.0")
}
