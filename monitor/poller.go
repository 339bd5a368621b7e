// Package monitor implements the watchdogs that observe agent liveness: the
// communication timeout monitor and the blocking dialog monitors. Monitors only
// communicate by publishing events.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/clock"

	"github.com/ethereum-optimism/infra/op-harness/events"
)

// Publisher is the subset of the event aggregator the monitors use.
type Publisher interface {
	Publish(ev events.ClientEvent) error
}

// poller runs tick on every interval until stopped or its context ends.
type poller struct {
	clock    clock.Clock
	interval time.Duration
	tick     func(ctx context.Context)

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newPoller(clk clock.Clock, interval time.Duration, tick func(ctx context.Context)) *poller {
	return &poller{
		clock:    clk,
		interval: interval,
		tick:     tick,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (p *poller) start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return false
	}
	p.started = true
	go p.run(ctx)
	return true
}

func (p *poller) run(ctx context.Context) {
	defer close(p.doneCh)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.Ch():
			// stop wins over a tick that raced with it
			select {
			case <-p.stopCh:
				return
			default:
			}
			p.tick(ctx)
		}
	}
}

// stop ends the loop and waits for an in-flight tick. It is safe to call
// more than once and before start.
func (p *poller) stop() {
	p.mu.Lock()
	started := p.started
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.mu.Unlock()
	if started {
		<-p.doneCh
	}
}
