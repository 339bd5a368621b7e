// Package aggregator implements the harness event bus.
//
// Publish delivers an event synchronously to every subscribed listener whose
// declared kinds include the event's kind, in subscription order. Publish calls
// are serialized, so listeners never see two events concurrently and need no
// locking for state derived from their callbacks. A listener must not call
// Publish on the same aggregator from inside Handle; doing so deadlocks.
package aggregator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/events"
	"github.com/ethereum-optimism/infra/op-harness/metrics"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event aggregator closed")

// DispatchError is a listener failure during Publish. It is logged and
// counted, never returned to the publisher.
type DispatchError struct {
	Listener string
	Kind     events.Kind
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("listener %s failed handling %s: %v", e.Listener, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

type subscription struct {
	id       uint64
	listener Listener
}

// Config configures an EventAggregator.
type Config struct {
	Log log.Logger
	// Trace receives a debug line per published event whose kind is not
	// suppressed with IgnoreTracing. Nil disables tracing.
	Trace log.Logger
}

// EventAggregator is the single publish/subscribe bus of a harness process.
type EventAggregator struct {
	log   log.Logger
	trace log.Logger

	// dispatchMu serializes Publish. subMu guards the subscriber list and is
	// never held while a listener runs.
	dispatchMu sync.Mutex
	subMu      sync.Mutex
	subs       []subscription
	nextID     uint64
	noTrace    events.Kinds

	closed   atomic.Bool
	failures atomic.Uint64
}

func New(cfg Config) *EventAggregator {
	logger := cfg.Log
	if logger == nil {
		logger = log.New()
	}
	return &EventAggregator{
		log:   logger,
		trace: cfg.Trace,
	}
}

// Subscription removes its listener when Unsubscribe is called.
type Subscription struct {
	agg *EventAggregator
	id  uint64
}

// Unsubscribe stops delivery to the listener. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.agg == nil {
		return
	}
	s.agg.remove(func(sub subscription) bool { return sub.id == s.id })
}

// Subscribe adds l after all current listeners. l only receives events
// published after Subscribe returns.
func (a *EventAggregator) Subscribe(l Listener) *Subscription {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.nextID++
	a.subs = append(a.subs, subscription{id: a.nextID, listener: l})
	a.log.Debug("Listener subscribed", "listener", listenerName(l), "handles", l.Handles())
	return &Subscription{agg: a, id: a.nextID}
}

// Unsubscribe removes the first subscription of l. Listeners compared this way
// must be comparable, which holds for the pointer types returned by the
// adapters in this package.
func (a *EventAggregator) Unsubscribe(l Listener) bool {
	return a.remove(func(sub subscription) bool { return sub.listener == l })
}

func (a *EventAggregator) remove(match func(subscription) bool) bool {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for i, sub := range a.subs {
		if match(sub) {
			// copy so snapshots taken by an in-flight Publish stay intact
			next := make([]subscription, 0, len(a.subs)-1)
			next = append(next, a.subs[:i]...)
			next = append(next, a.subs[i+1:]...)
			a.subs = next
			a.log.Debug("Listener unsubscribed", "listener", listenerName(sub.listener))
			return true
		}
	}
	return false
}

// IgnoreTracing suppresses trace output for the given kinds. Delivery to
// listeners is unaffected.
func (a *EventAggregator) IgnoreTracing(kinds ...events.Kind) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.noTrace = a.noTrace.With(kinds...)
}

// Traced reports whether events of kind k are written to the trace log.
func (a *EventAggregator) Traced(k events.Kind) bool {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	return a.trace != nil && !a.noTrace.Has(k)
}

// Publish delivers ev to every interested listener before returning.
func (a *EventAggregator) Publish(ev events.ClientEvent) error {
	if ev == nil {
		return errors.New("cannot publish nil event")
	}
	if a.closed.Load() {
		return ErrClosed
	}

	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()

	a.subMu.Lock()
	subs := a.subs
	traced := a.trace != nil && !a.noTrace.Has(ev.Kind())
	a.subMu.Unlock()

	kind := ev.Kind()
	metrics.RecordEventPublished(kind.String())
	if traced {
		a.trace.Debug("Event published", "kind", kind, "instance", ev.Instance(), "event", fmt.Sprintf("%+v", ev))
	}

	for _, sub := range subs {
		if !sub.listener.Handles().Has(kind) {
			continue
		}
		if err := deliver(sub.listener, ev); err != nil {
			a.failures.Add(1)
			dispatchErr := &DispatchError{Listener: listenerName(sub.listener), Kind: kind, Err: err}
			a.log.Error("Event listener failed", "listener", dispatchErr.Listener, "kind", kind, "err", err)
			metrics.RecordDispatchFailure(dispatchErr.Listener, kind.String())
		}
	}
	return nil
}

// Drain blocks until any in-flight Publish has returned.
func (a *EventAggregator) Drain() {
	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()
}

// Close rejects further publishes and waits for the in-flight one.
func (a *EventAggregator) Close() {
	a.closed.Store(true)
	a.Drain()
}

// DispatchFailures is the number of listener errors and panics seen so far.
func (a *EventAggregator) DispatchFailures() uint64 {
	return a.failures.Load()
}

// Len returns the number of subscribed listeners.
func (a *EventAggregator) Len() int {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	return len(a.subs)
}

func deliver(l Listener, ev events.ClientEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l.Handle(ev)
}
