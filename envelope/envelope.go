// Package envelope defines the wire record a test agent emits for every status
// notification, together with the typed decorators attached to it.
package envelope

import (
	"fmt"
	"sort"
)

// DecoratorKey names a typed attribute attached to an envelope.
type DecoratorKey string

const (
	KeyOutcome          DecoratorKey = "outcome"          // Outcome
	KeyStage            DecoratorKey = "stage"            // Stage
	KeyScenarioResult   DecoratorKey = "scenarioResult"   // ScenarioResult
	KeyMethodMetadata   DecoratorKey = "methodMetadata"   // MethodMetadata
	KeyClassMetadata    DecoratorKey = "classMetadata"    // ClassMetadata
	KeyAssemblyMetadata DecoratorKey = "assemblyMetadata" // AssemblyMetadata
	KeyHarnessInfo      DecoratorKey = "harness"          // HarnessInfo
	KeyIgnore           DecoratorKey = "ignore"           // bool
	KeyException        DecoratorKey = "exception"        // ExceptionInfo
	KeyMessage          DecoratorKey = "message"          // string
	KeyTimestamp        DecoratorKey = "timestamp"        // time.Time
	KeyTotalMessages    DecoratorKey = "totalMessages"    // int
)

// Decorators is the keyed attribute set used to build an envelope.
type Decorators map[DecoratorKey]any

// Envelope is an immutable agent notification. The zero value is an envelope
// of unknown kind with no decorators.
type Envelope struct {
	kind        MessageKind
	granularity Granularity
	decorators  map[DecoratorKey]any
}

// New builds an envelope. The decorator map is copied so later changes by the
// caller are not observed.
func New(kind MessageKind, granularity Granularity, decorators Decorators) Envelope {
	copied := make(map[DecoratorKey]any, len(decorators))
	for k, v := range decorators {
		copied[k] = v
	}
	return Envelope{
		kind:        kind,
		granularity: granularity,
		decorators:  copied,
	}
}

func (e Envelope) Kind() MessageKind {
	return e.kind
}

func (e Envelope) Granularity() Granularity {
	return e.granularity
}

// Is reports whether the envelope was emitted at granularity g.
func (e Envelope) Is(g Granularity) bool {
	return e.granularity == g
}

// Has reports whether a decorator is present for key.
func (e Envelope) Has(key DecoratorKey) bool {
	_, ok := e.decorators[key]
	return ok
}

// Decorator returns the raw value stored under key.
func (e Envelope) Decorator(key DecoratorKey) (any, bool) {
	v, ok := e.decorators[key]
	return v, ok
}

// DecoratorMatches applies pred to the value stored under key. A missing
// decorator never matches.
func (e Envelope) DecoratorMatches(key DecoratorKey, pred func(any) bool) bool {
	v, ok := e.decorators[key]
	if !ok {
		return false
	}
	return pred(v)
}

// Keys returns the decorator keys in lexical order.
func (e Envelope) Keys() []DecoratorKey {
	keys := make([]DecoratorKey, 0, len(e.decorators))
	for k := range e.decorators {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s/%s%v", e.kind, e.granularity, e.Keys())
}

// Get returns the decorator stored under key when it holds a T.
func Get[T any](e Envelope, key DecoratorKey) (T, bool) {
	var zero T
	v, ok := e.decorators[key]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Matches is a typed DecoratorMatches. A decorator of the wrong type never
// matches.
func Matches[T any](e Envelope, key DecoratorKey, pred func(T) bool) bool {
	v, ok := Get[T](e, key)
	if !ok {
		return false
	}
	return pred(v)
}
