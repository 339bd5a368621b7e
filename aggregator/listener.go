package aggregator

import (
	"fmt"

	"github.com/ethereum-optimism/infra/op-harness/events"
)

// Listener receives the events whose kind is in Handles.
type Listener interface {
	Handles() events.Kinds
	Handle(ev events.ClientEvent) error
}

// Named listeners are identified by Name in logs and metrics.
type Named interface {
	Name() string
}

func listenerName(l Listener) string {
	if n, ok := l.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", l)
}

type funcListener struct {
	name  string
	kinds events.Kinds
	fn    func(events.ClientEvent) error
}

func (f *funcListener) Name() string                       { return f.name }
func (f *funcListener) Handles() events.Kinds              { return f.kinds }
func (f *funcListener) Handle(ev events.ClientEvent) error { return f.fn(ev) }

// Func adapts fn into a listener for kinds.
func Func(name string, kinds events.Kinds, fn func(events.ClientEvent) error) Listener {
	return &funcListener{name: name, kinds: kinds, fn: fn}
}

// On adapts a handler for a single event variant.
func On[E events.ClientEvent](name string, fn func(E) error) Listener {
	var zero E
	return &funcListener{
		name:  name,
		kinds: events.KindsOf(zero.Kind()),
		fn: func(ev events.ClientEvent) error {
			typed, ok := ev.(E)
			if !ok {
				return fmt.Errorf("unexpected event type %T", ev)
			}
			return fn(typed)
		},
	}
}

// Mux is a listener built from per-variant handlers. Its Handles set is the
// union of the routed variants.
type Mux struct {
	name     string
	kinds    events.Kinds
	handlers map[events.Kind]func(events.ClientEvent) error
}

func NewMux(name string) *Mux {
	return &Mux{
		name:     name,
		handlers: make(map[events.Kind]func(events.ClientEvent) error),
	}
}

// Route registers fn for variant E on m and returns m.
func Route[E events.ClientEvent](m *Mux, fn func(E) error) *Mux {
	var zero E
	kind := zero.Kind()
	m.kinds = m.kinds.With(kind)
	m.handlers[kind] = func(ev events.ClientEvent) error {
		typed, ok := ev.(E)
		if !ok {
			return fmt.Errorf("unexpected event type %T for %s", ev, kind)
		}
		return fn(typed)
	}
	return m
}

func (m *Mux) Name() string {
	return m.name
}

func (m *Mux) Handles() events.Kinds {
	return m.kinds
}

func (m *Mux) Handle(ev events.ClientEvent) error {
	h, ok := m.handlers[ev.Kind()]
	if !ok {
		return nil
	}
	return h(ev)
}
