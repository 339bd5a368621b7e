// Package events defines the typed client events the harness derives from agent
// envelopes, plus the events published by the watchdog monitors.
//
// Every variant is a plain value type. Listeners receive copies and never share
// mutable state through an event.
package events

import (
	"time"

	"github.com/ethereum-optimism/infra/op-harness/envelope"
)

// ClientEvent is implemented by every event variant.
type ClientEvent interface {
	Kind() Kind
	// Instance returns the id of the agent instance the event concerns. It is
	// empty for host-wide events such as a debug assert dialog.
	Instance() string
}

// Timing is the start and finish of a unit of work inside the agent.
type Timing struct {
	Started  time.Time
	Finished time.Time
}

// Duration is Finished - Started, or zero when either end is unknown.
func (t Timing) Duration() time.Duration {
	if t.Started.IsZero() || t.Finished.IsZero() || t.Finished.Before(t.Started) {
		return 0
	}
	return t.Finished.Sub(t.Started)
}

type RunInitialized struct {
	InstanceID   string
	AgentVersion string
	TotalMethods int
	Assembly     string
	Started      time.Time
}

type ClassBegin struct {
	InstanceID string
	Class      envelope.ClassMetadata
	Started    time.Time
}

type ClassCompleted struct {
	InstanceID string
	Class      envelope.ClassMetadata
	Finished   time.Time
}

type MethodBegin struct {
	InstanceID string
	Method     envelope.MethodMetadata
	Started    time.Time
}

type MethodPassed struct {
	InstanceID string
	Method     envelope.MethodMetadata
	Timing
}

type MethodFailed struct {
	InstanceID string
	Method     envelope.MethodMetadata
	Outcome    envelope.Outcome
	Exception  envelope.ExceptionInfo
	Timing
}

type MethodIgnored struct {
	InstanceID string
	Method     envelope.MethodMetadata
	Message    string
	Finished   time.Time
}

// UnhandledException is an agent-side error raised outside any test method.
type UnhandledException struct {
	InstanceID string
	Exception  envelope.ExceptionInfo
	At         time.Time
}

// RunSignalComplete is sent once by an agent after its last test result.
type RunSignalComplete struct {
	InstanceID    string
	TotalMessages int
	Finished      time.Time
}

// TranslationFaulted records an envelope that matched a rule but could not be
// translated.
type TranslationFaulted struct {
	InstanceID string
	Rule       string
	Err        error
	At         time.Time
}

type CommunicationTimedOut struct {
	InstanceID string
	LastSeen   time.Time
	Silence    time.Duration
}

// DialogKind is the flavor of a blocking modal window.
type DialogKind int

const (
	DialogMessageBox DialogKind = iota
	DialogDebugAssert
)

func (k DialogKind) String() string {
	switch k {
	case DialogMessageBox:
		return "message-box"
	case DialogDebugAssert:
		return "debug-assert"
	default:
		return "unknown"
	}
}

// Dialog describes a modal window found on an agent host.
type Dialog struct {
	Kind  DialogKind
	Title string
	Text  string
}

type BlockingDialogDetected struct {
	InstanceID string
	Dialog     Dialog
	At         time.Time
}

type DialogDismissFailed struct {
	InstanceID string
	Dialog     Dialog
	Err        error
	At         time.Time
}

func (e RunInitialized) Kind() Kind         { return KindRunInitialized }
func (e ClassBegin) Kind() Kind             { return KindClassBegin }
func (e ClassCompleted) Kind() Kind         { return KindClassCompleted }
func (e MethodBegin) Kind() Kind            { return KindMethodBegin }
func (e MethodPassed) Kind() Kind           { return KindMethodPassed }
func (e MethodFailed) Kind() Kind           { return KindMethodFailed }
func (e MethodIgnored) Kind() Kind          { return KindMethodIgnored }
func (e UnhandledException) Kind() Kind     { return KindUnhandledException }
func (e RunSignalComplete) Kind() Kind      { return KindRunSignalComplete }
func (e TranslationFaulted) Kind() Kind     { return KindTranslationFaulted }
func (e CommunicationTimedOut) Kind() Kind  { return KindCommunicationTimedOut }
func (e BlockingDialogDetected) Kind() Kind { return KindBlockingDialogDetected }
func (e DialogDismissFailed) Kind() Kind    { return KindDialogDismissFailed }

func (e RunInitialized) Instance() string         { return e.InstanceID }
func (e ClassBegin) Instance() string             { return e.InstanceID }
func (e ClassCompleted) Instance() string         { return e.InstanceID }
func (e MethodBegin) Instance() string            { return e.InstanceID }
func (e MethodPassed) Instance() string           { return e.InstanceID }
func (e MethodFailed) Instance() string           { return e.InstanceID }
func (e MethodIgnored) Instance() string          { return e.InstanceID }
func (e UnhandledException) Instance() string     { return e.InstanceID }
func (e RunSignalComplete) Instance() string      { return e.InstanceID }
func (e TranslationFaulted) Instance() string     { return e.InstanceID }
func (e CommunicationTimedOut) Instance() string  { return e.InstanceID }
func (e BlockingDialogDetected) Instance() string { return e.InstanceID }
func (e DialogDismissFailed) Instance() string    { return e.InstanceID }

// WithInstance returns a copy of ev attributed to instanceID. Translation rules
// build events without knowing the sender; the ingest path stamps it.
func WithInstance(ev ClientEvent, instanceID string) ClientEvent {
	switch e := ev.(type) {
	case RunInitialized:
		e.InstanceID = instanceID
		return e
	case ClassBegin:
		e.InstanceID = instanceID
		return e
	case ClassCompleted:
		e.InstanceID = instanceID
		return e
	case MethodBegin:
		e.InstanceID = instanceID
		return e
	case MethodPassed:
		e.InstanceID = instanceID
		return e
	case MethodFailed:
		e.InstanceID = instanceID
		return e
	case MethodIgnored:
		e.InstanceID = instanceID
		return e
	case UnhandledException:
		e.InstanceID = instanceID
		return e
	case RunSignalComplete:
		e.InstanceID = instanceID
		return e
	case TranslationFaulted:
		e.InstanceID = instanceID
		return e
	default:
		return ev
	}
}
