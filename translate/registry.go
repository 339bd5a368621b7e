// Package translate turns agent envelopes into typed client events.
//
// A Registry holds an ordered list of rules. Resolve applies the first rule
// whose predicate accepts the envelope. The default rules are pairwise disjoint,
// so the order never changes which event an envelope produces.
package translate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum-optimism/infra/op-harness/envelope"
	"github.com/ethereum-optimism/infra/op-harness/events"
)

// Rule converts one shape of envelope into a client event.
type Rule interface {
	Name() string
	// CanTranslate must be a pure predicate over the envelope shape.
	CanTranslate(e envelope.Envelope) bool
	// Translate is only called when CanTranslate returned true.
	Translate(e envelope.Envelope) (events.ClientEvent, error)
}

// TranslationFault is returned when a matching rule could not build an event.
// The envelope is dropped; the run continues.
type TranslationFault struct {
	Rule     string
	Envelope envelope.Envelope
	Err      error
}

func (f *TranslationFault) Error() string {
	return fmt.Sprintf("translation fault in rule %s for %s: %v", f.Rule, f.Envelope, f.Err)
}

func (f *TranslationFault) Unwrap() error {
	return f.Err
}

// IsTranslationFault checks if the error is or wraps a TranslationFault
func IsTranslationFault(err error) bool {
	var fault *TranslationFault
	return err != nil && errors.As(err, &fault)
}

// Registry is an ordered, concurrency-safe rule list.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewRegistry(rules ...Rule) *Registry {
	r := &Registry{}
	for _, rule := range rules {
		r.Register(rule)
	}
	return r
}

// NewDefaultRegistry returns a registry loaded with DefaultRules.
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultRules()...)
}

// Register appends a rule. Rules registered later are consulted later.
func (r *Registry) Register(rule Rule) {
	if rule == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Resolve translates e with the first matching rule. matched is false when no
// rule applies, which is not an error. A matching rule that fails yields a
// *TranslationFault.
func (r *Registry) Resolve(e envelope.Envelope) (ev events.ClientEvent, matched bool, err error) {
	r.mu.RLock()
	var rule Rule
	for _, candidate := range r.rules {
		if candidate.CanTranslate(e) {
			rule = candidate
			break
		}
	}
	r.mu.RUnlock()

	if rule == nil {
		return nil, false, nil
	}

	ev, err = rule.Translate(e)
	if err != nil {
		return nil, true, &TranslationFault{Rule: rule.Name(), Envelope: e, Err: err}
	}
	if ev == nil {
		return nil, true, &TranslationFault{Rule: rule.Name(), Envelope: e, Err: errors.New("rule produced no event")}
	}
	return ev, true, nil
}

// Matching lists the names of every rule whose predicate accepts e.
func (r *Registry) Matching(e envelope.Envelope) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, rule := range r.rules {
		if rule.CanTranslate(e) {
			names = append(names, rule.Name())
		}
	}
	return names
}

// Rules returns the registered rule names in evaluation order.
func (r *Registry) Rules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		names = append(names, rule.Name())
	}
	return names
}

// RuleFunc adapts a predicate and a translation function into a Rule.
type RuleFunc struct {
	RuleName string
	Match    func(envelope.Envelope) bool
	Apply    func(envelope.Envelope) (events.ClientEvent, error)
}

func (f *RuleFunc) Name() string {
	return f.RuleName
}

func (f *RuleFunc) CanTranslate(e envelope.Envelope) bool {
	return f.Match(e)
}

func (f *RuleFunc) Translate(e envelope.Envelope) (events.ClientEvent, error) {
	return f.Apply(e)
}
