package runner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/mod/semver"
	"golang.org/x/time/rate"

	"github.com/ethereum-optimism/infra/op-harness/agent"
	"github.com/ethereum-optimism/infra/op-harness/aggregator"
	"github.com/ethereum-optimism/infra/op-harness/events"
	"github.com/ethereum-optimism/infra/op-harness/metrics"
	"github.com/ethereum-optimism/infra/op-harness/transport"
)

// pass tracks the agents of one run and decides when the run is over. It is
// subscribed to the aggregator for the duration of the run, so its handlers
// run under dispatch and must not block or publish.
type pass struct {
	*aggregator.Mux
	runID     string
	log       log.Logger
	now       func() time.Time
	grace     time.Duration
	limiter   *rate.Limiter
	untrack   func(instanceID string)
	instances []*agent.Instance
	byID      map[string]*agent.Instance

	// terminate queues instances whose dialog could not be dismissed. The
	// runner stops them outside of dispatch.
	terminate chan string

	mu        sync.Mutex
	stalledAt map[string]time.Time
	fault     *FaultError
	doneOnce  sync.Once
	done      chan struct{}
}

type passConfig struct {
	runID      string
	log        log.Logger
	now        func() time.Time
	grace      time.Duration
	faultRate  float64
	faultBurst int
	untrack    func(instanceID string)
	instances  []*agent.Instance
}

func newPass(cfg passConfig) *pass {
	p := &pass{
		Mux:       aggregator.NewMux("runner"),
		runID:     cfg.runID,
		log:       cfg.log,
		now:       cfg.now,
		grace:     cfg.grace,
		limiter:   rate.NewLimiter(rate.Limit(cfg.faultRate), cfg.faultBurst),
		untrack:   cfg.untrack,
		instances: cfg.instances,
		byID:      make(map[string]*agent.Instance, len(cfg.instances)),
		terminate: make(chan string, len(cfg.instances)),
		stalledAt: make(map[string]time.Time),
		done:      make(chan struct{}),
	}
	if p.untrack == nil {
		p.untrack = func(string) {}
	}
	for _, inst := range cfg.instances {
		p.byID[inst.ID()] = inst
	}
	aggregator.Route(p.Mux, p.onRunInitialized)
	aggregator.Route(p.Mux, p.onRunSignalComplete)
	aggregator.Route(p.Mux, p.onCommunicationTimedOut)
	aggregator.Route(p.Mux, p.onTranslationFaulted)
	aggregator.Route(p.Mux, p.onDialogDismissFailed)
	return p
}

func (p *pass) ids() []string {
	ids := make([]string, 0, len(p.instances))
	for _, inst := range p.instances {
		ids = append(ids, inst.ID())
	}
	return ids
}

// finish ends the run. Only the first call has an effect; a nil fault means
// the run completed.
func (p *pass) finish(fault *FaultError) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.fault = fault
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *pass) result() *FaultError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fault
}

func (p *pass) onRunInitialized(ev events.RunInitialized) error {
	p.log.Info("Agent initialized", "instance", ev.InstanceID, "version", ev.AgentVersion, "methods", ev.TotalMethods)
	checkAgentVersion(p.log, ev)
	return nil
}

func (p *pass) onRunSignalComplete(ev events.RunSignalComplete) error {
	inst, ok := p.byID[ev.InstanceID]
	if !ok {
		return nil
	}
	if inst.MarkComplete() {
		p.log.Info("Agent signalled completion", "instance", ev.InstanceID, "messages", ev.TotalMessages)
		p.untrack(ev.InstanceID)
	}
	p.evaluate()
	return nil
}

func (p *pass) onCommunicationTimedOut(ev events.CommunicationTimedOut) error {
	inst, ok := p.byID[ev.InstanceID]
	if !ok || inst.Complete() {
		return nil
	}
	if p.grace <= 0 {
		p.finish(stallFault(ev.InstanceID, ev.Silence))
		return nil
	}
	p.mu.Lock()
	p.stalledAt[ev.InstanceID] = p.now()
	p.mu.Unlock()
	p.log.Warn("Agent stalled, waiting for recovery", "instance", ev.InstanceID, "grace", p.grace)
	return nil
}

func (p *pass) onTranslationFaulted(ev events.TranslationFaulted) error {
	if p.limiter.Allow() {
		return nil
	}
	p.log.Error("Translation fault budget exhausted", "instance", ev.InstanceID, "rule", ev.Rule)
	p.finish(&FaultError{Reason: FaultTranslationFlood, InstanceID: ev.InstanceID, Err: ev.Err})
	return nil
}

func (p *pass) onDialogDismissFailed(ev events.DialogDismissFailed) error {
	if ev.InstanceID == "" {
		p.log.Error("Failed to dismiss host dialog", "dialog", ev.Dialog.Title, "err", ev.Err)
		p.finish(&FaultError{Reason: FaultDialogDismissFailure, Err: ev.Err})
		return nil
	}
	inst, ok := p.byID[ev.InstanceID]
	if !ok || inst.State() == agent.Terminated {
		return nil
	}
	p.log.Error("Failed to dismiss dialog, terminating agent", "instance", ev.InstanceID, "dialog", ev.Dialog.Title, "err", ev.Err)
	inst.MarkTerminated()
	p.untrack(ev.InstanceID)
	select {
	case p.terminate <- ev.InstanceID:
	default:
	}
	if !inst.Complete() {
		p.evaluateAfterLoss(ev)
		return nil
	}
	p.evaluate()
	return nil
}

// evaluate completes the run once no instance is still expected to report.
func (p *pass) evaluate() {
	pending, completed := p.counts()
	if pending == 0 && completed > 0 {
		p.finish(nil)
	}
}

func (p *pass) evaluateAfterLoss(ev events.DialogDismissFailed) {
	pending, completed := p.counts()
	if pending > 0 {
		return
	}
	if completed == 0 {
		p.finish(&FaultError{
			Reason:     FaultDialogDismissFailure,
			InstanceID: ev.InstanceID,
			Err:        fmt.Errorf("no agent left running: %w", ev.Err),
		})
		return
	}
	p.finish(nil)
}

func (p *pass) counts() (pending, completed int) {
	for _, inst := range p.instances {
		switch {
		case inst.Complete():
			completed++
		case inst.State() != agent.Terminated:
			pending++
		}
	}
	return pending, completed
}

// checkStalls faults the run when a stalled instance did not recover within
// the grace window.
func (p *pass) checkStalls(now time.Time) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.stalledAt))
	for id := range p.stalledAt {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var expired string
	var silence time.Duration
	for _, id := range ids {
		inst := p.byID[id]
		if inst.Complete() || inst.State() != agent.Stalled {
			delete(p.stalledAt, id)
			continue
		}
		if now.Sub(p.stalledAt[id]) >= p.grace {
			expired = id
			silence = now.Sub(inst.LastSeen())
			break
		}
	}
	p.mu.Unlock()
	if expired != "" {
		p.finish(stallFault(expired, silence))
	}
}

func stallFault(instanceID string, silence time.Duration) *FaultError {
	return &FaultError{
		Reason:     FaultCommunicationStall,
		InstanceID: instanceID,
		Err:        fmt.Errorf("no communication for %s", silence.Truncate(time.Millisecond)),
	}
}

func checkAgentVersion(logger log.Logger, ev events.RunInitialized) {
	if ev.AgentVersion == "" {
		return
	}
	v := ev.AgentVersion
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		logger.Warn("Agent reported an invalid protocol version", "instance", ev.InstanceID, "version", ev.AgentVersion)
		return
	}
	if semver.Major(v) != semver.Major(transport.ProtocolVersion) {
		logger.Warn("Agent protocol version mismatch", "instance", ev.InstanceID, "version", v, "expected", transport.ProtocolVersion)
		metrics.RecordAgentVersionMismatch(semver.Major(v))
	}
}
