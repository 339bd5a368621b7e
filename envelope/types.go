package envelope

import (
	"fmt"
	"strings"
	"time"
)

// MessageKind classifies an envelope.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindDebug
	KindInformation
	KindWarning
	KindError
	KindEnvironment
	KindTestExecution
	KindTestResult
	KindTestInfrastructure
)

var messageKindNames = []string{
	"Unknown",
	"Debug",
	"Information",
	"Warning",
	"Error",
	"Environment",
	"TestExecution",
	"TestResult",
	"TestInfrastructure",
}

func (k MessageKind) String() string {
	return enumName(messageKindNames, int(k))
}

func (k MessageKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *MessageKind) UnmarshalText(b []byte) error {
	i, err := enumParse("message kind", messageKindNames, string(b))
	if err != nil {
		return err
	}
	*k = MessageKind(i)
	return nil
}

// Granularity is the scope an envelope reports on.
type Granularity int

const (
	GranularityUnknown Granularity = iota
	GranularityHarness
	GranularityTestGroup
	GranularityTest
	GranularityTestScenario
)

var granularityNames = []string{
	"Unknown",
	"Harness",
	"TestGroup",
	"Test",
	"TestScenario",
}

func (g Granularity) String() string {
	return enumName(granularityNames, int(g))
}

func (g Granularity) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *Granularity) UnmarshalText(b []byte) error {
	i, err := enumParse("granularity", granularityNames, string(b))
	if err != nil {
		return err
	}
	*g = Granularity(i)
	return nil
}

// Outcome is the result an agent reports for a test scenario.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomePassed
	OutcomeFailed
	OutcomeError
	OutcomeTimeout
	OutcomeInconclusive
	OutcomeNotExecuted
	OutcomeAborted
)

var outcomeNames = []string{
	"None",
	"Passed",
	"Failed",
	"Error",
	"Timeout",
	"Inconclusive",
	"NotExecuted",
	"Aborted",
}

func (o Outcome) String() string {
	return enumName(outcomeNames, int(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	i, err := enumParse("outcome", outcomeNames, string(b))
	if err != nil {
		return err
	}
	*o = Outcome(i)
	return nil
}

// IsFailure reports whether the outcome counts as a failed scenario. Error is
// not one of them: agents report it for scenarios they could not evaluate.
func (o Outcome) IsFailure() bool {
	switch o {
	case OutcomeFailed, OutcomeTimeout, OutcomeInconclusive:
		return true
	default:
		return false
	}
}

// Stage is the lifecycle point of an execution envelope.
type Stage int

const (
	StageNone Stage = iota
	StageStarting
	StageRunning
	StageFinishing
	StageCanceling
)

var stageNames = []string{
	"None",
	"Starting",
	"Running",
	"Finishing",
	"Canceling",
}

func (s Stage) String() string {
	return enumName(stageNames, int(s))
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	i, err := enumParse("stage", stageNames, string(b))
	if err != nil {
		return err
	}
	*s = Stage(i)
	return nil
}

// ExceptionInfo describes an error raised inside the agent.
type ExceptionInfo struct {
	Type       string         `json:"type,omitempty"`
	Message    string         `json:"message"`
	StackTrace string         `json:"stackTrace,omitempty"`
	Inner      *ExceptionInfo `json:"inner,omitempty"`
}

// FullMessage joins the message chain, outermost first.
func (e *ExceptionInfo) FullMessage() string {
	if e == nil {
		return ""
	}
	var parts []string
	for cur := e; cur != nil; cur = cur.Inner {
		if cur.Type != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", cur.Type, cur.Message))
		} else {
			parts = append(parts, cur.Message)
		}
	}
	return strings.Join(parts, " ---> ")
}

// ScenarioResult is the result payload of a finished test scenario.
type ScenarioResult struct {
	Outcome   Outcome        `json:"outcome"`
	Started   time.Time      `json:"started"`
	Finished  time.Time      `json:"finished"`
	Exception *ExceptionInfo `json:"exception,omitempty"`
}

// MethodMetadata identifies a test method.
type MethodMetadata struct {
	Namespace   string   `json:"namespace,omitempty"`
	Class       string   `json:"class"`
	Method      string   `json:"method"`
	Description string   `json:"description,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// FullName returns Namespace.Class.Method, skipping empty parts.
func (m MethodMetadata) FullName() string {
	return joinName(m.Namespace, m.Class, m.Method)
}

// ClassMetadata identifies a test class.
type ClassMetadata struct {
	Namespace string `json:"namespace,omitempty"`
	Class     string `json:"class"`
}

func (c ClassMetadata) FullName() string {
	return joinName(c.Namespace, c.Class)
}

// AssemblyMetadata identifies the test bundle being executed.
type AssemblyMetadata struct {
	Name string `json:"name"`
}

// HarnessInfo is sent by the agent when its harness initializes.
type HarnessInfo struct {
	Version      string `json:"version"`
	TotalMethods int    `json:"totalMethods"`
}

func joinName(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ".")
}

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return fmt.Sprintf("Invalid(%d)", i)
	}
	return names[i]
}

func enumParse(what string, names []string, s string) (int, error) {
	for i, n := range names {
		if strings.EqualFold(n, s) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", what, s)
}
