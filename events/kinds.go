package events

import (
	"fmt"
	"math/bits"
	"strings"
)

// Kind identifies a ClientEvent variant.
type Kind uint8

const (
	KindRunInitialized Kind = iota
	KindClassBegin
	KindClassCompleted
	KindMethodBegin
	KindMethodPassed
	KindMethodFailed
	KindMethodIgnored
	KindUnhandledException
	KindRunSignalComplete
	KindTranslationFaulted
	KindCommunicationTimedOut
	KindBlockingDialogDetected
	KindDialogDismissFailed

	numKinds
)

var kindNames = [numKinds]string{
	"RunInitialized",
	"ClassBegin",
	"ClassCompleted",
	"MethodBegin",
	"MethodPassed",
	"MethodFailed",
	"MethodIgnored",
	"UnhandledException",
	"RunSignalComplete",
	"TranslationFaulted",
	"CommunicationTimedOut",
	"BlockingDialogDetected",
	"DialogDismissFailed",
}

func (k Kind) String() string {
	if k >= numKinds {
		return fmt.Sprintf("Kind(%d)", k)
	}
	return kindNames[k]
}

// Kinds is a set of event kinds.
type Kinds uint64

// KindsOf builds a set from the given kinds.
func KindsOf(kinds ...Kind) Kinds {
	var s Kinds
	for _, k := range kinds {
		s |= 1 << k
	}
	return s
}

// AllKinds contains every event kind.
var AllKinds = Kinds(1<<numKinds - 1)

// WatchdogKinds are the kinds published by monitors rather than agents.
var WatchdogKinds = KindsOf(KindCommunicationTimedOut, KindBlockingDialogDetected, KindDialogDismissFailed)

// AgentKinds are the kinds produced from envelopes sent by an agent.
var AgentKinds = AllKinds &^ WatchdogKinds

// ResultKinds are the kinds that produce a TestReport entry.
var ResultKinds = KindsOf(
	KindMethodPassed,
	KindMethodFailed,
	KindMethodIgnored,
	KindUnhandledException,
	KindBlockingDialogDetected,
)

func (s Kinds) Has(k Kind) bool {
	return k < numKinds && s&(1<<k) != 0
}

func (s Kinds) With(kinds ...Kind) Kinds {
	return s | KindsOf(kinds...)
}

func (s Kinds) Without(kinds ...Kind) Kinds {
	return s &^ KindsOf(kinds...)
}

func (s Kinds) Len() int {
	return bits.OnesCount64(uint64(s))
}

func (s Kinds) String() string {
	var names []string
	for k := Kind(0); k < numKinds; k++ {
		if s.Has(k) {
			names = append(names, k.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}
