package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-harness/exitcodes"
	"github.com/ethereum-optimism/infra/op-harness/reporting"
	"github.com/ethereum-optimism/infra/op-harness/transport"
)

var (
	// ErrDraining is returned by AcceptEnvelope when no run is accepting
	// envelopes.
	ErrDraining = transport.ErrDraining
	// ErrUnknownInstance is returned by AcceptEnvelope for an instance id the
	// current run did not launch.
	ErrUnknownInstance = transport.ErrUnknownInstance
)

// Mode selects the runner variant.
type Mode string

const (
	ModeContinuous    Mode = "continuous"
	ModeOneShot       Mode = "oneshot"
	ModeCI            Mode = "ci"
	ModeTransportOnly Mode = "transport"
)

var validModes = []Mode{ModeContinuous, ModeOneShot, ModeCI, ModeTransportOnly}

func ParseMode(s string) (Mode, error) {
	for _, m := range validModes {
		if strings.EqualFold(string(m), s) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q, must be one of %v", s, validModes)
}

// State is a runner lifecycle state.
type State int

const (
	StateStarting State = iota
	StateAgentsLaunching
	StateRunning
	StateDraining
	StateCompleted
	StateFaulted
)

var stateNames = []string{
	"starting",
	"agents-launching",
	"running",
	"draining",
	"completed",
	"faulted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFaulted
}

// FaultReason is why a run ended in StateFaulted.
type FaultReason string

const (
	FaultCommunicationStall   FaultReason = "CommunicationStall"
	FaultDialogDismissFailure FaultReason = "DialogDismissFailure"
	FaultTranslationFlood     FaultReason = "TranslationFlood"
	FaultCanceled             FaultReason = "Canceled"
)

// FaultError ends a run in StateFaulted.
type FaultError struct {
	Reason     FaultReason
	InstanceID string
	Err        error
}

func (e *FaultError) Error() string {
	msg := fmt.Sprintf("run faulted: %s", e.Reason)
	if e.InstanceID != "" {
		msg += fmt.Sprintf(" (instance %s)", e.InstanceID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// LaunchError aborts a run before it starts; no report is produced.
type LaunchError struct {
	InstanceID string
	Err        error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch agent %s: %v", e.InstanceID, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one runner pass.
type Result struct {
	RunID string
	Mode  Mode
	State State
	// Report is nil after a launch failure and in transport-only mode.
	Report   *reporting.TestReport
	Fault    *FaultError
	Err      error
	Duration time.Duration
}

// ExitCode maps the result onto the process exit code.
func (r *Result) ExitCode() int {
	switch {
	case r == nil:
		return exitcodes.RuntimeErr
	case r.State == StateFaulted || r.Err != nil:
		return exitcodes.RuntimeErr
	case r.Report != nil && r.Report.FinalResult() == reporting.Failure:
		return exitcodes.TestFailure
	default:
		return exitcodes.Success
	}
}

// resultLabel is the value of the result label of the run metrics.
func (r *Result) resultLabel() string {
	switch r.ExitCode() {
	case exitcodes.Success:
		return "success"
	case exitcodes.TestFailure:
		return "failure"
	default:
		return "faulted"
	}
}
