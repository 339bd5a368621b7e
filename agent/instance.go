// Package agent holds the harness view of a running test agent: its liveness
// record and the launcher interface used to start and stop it.
package agent

import (
	"fmt"
	"sync"
	"time"
)

// Liveness is the communication state of an agent instance.
type Liveness int

const (
	Alive Liveness = iota
	Stalled
	Terminated
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Stalled:
		return "stalled"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("liveness(%d)", int(l))
	}
}

// Instance tracks one agent. The communication timeout monitor moves it between
// Alive and Stalled; only the runner terminates it.
type Instance struct {
	id string

	mu       sync.RWMutex
	lastSeen time.Time
	state    Liveness
	handle   Handle
	complete bool
}

func NewInstance(id string, now time.Time) *Instance {
	return &Instance{id: id, lastSeen: now}
}

func (i *Instance) ID() string {
	return i.id
}

func (i *Instance) LastSeen() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastSeen
}

func (i *Instance) State() Liveness {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Touch records traffic at now. It returns true when the instance recovers
// from a stall. Terminated instances are left untouched.
func (i *Instance) Touch(now time.Time) (recovered bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == Terminated {
		return false
	}
	if now.After(i.lastSeen) {
		i.lastSeen = now
	}
	if i.state == Stalled {
		i.state = Alive
		return true
	}
	return false
}

// MarkStalled moves an Alive instance to Stalled and reports whether it did.
func (i *Instance) MarkStalled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Alive {
		return false
	}
	i.state = Stalled
	return true
}

func (i *Instance) MarkTerminated() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = Terminated
}

// MarkComplete records that the instance signalled the end of its run. It
// returns false if it had already done so.
func (i *Instance) MarkComplete() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.complete {
		return false
	}
	i.complete = true
	return true
}

func (i *Instance) Complete() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.complete
}

func (i *Instance) SetHandle(h Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handle = h
}

func (i *Instance) Handle() Handle {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.handle
}
