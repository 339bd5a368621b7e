package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/clock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/agent"
	"github.com/ethereum-optimism/infra/op-harness/events"
	"github.com/ethereum-optimism/infra/op-harness/metrics"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultStallThreshold = 5 * time.Minute
)

type TimeoutConfig struct {
	Log          log.Logger
	Clock        clock.Clock
	PollInterval time.Duration
	Threshold    time.Duration
}

// CommunicationTimeoutMonitor declares an agent stalled once it has been
// silent for longer than the threshold. It publishes one CommunicationTimedOut
// per stall episode; traffic after a stall returns the instance to Alive
// without publishing anything.
type CommunicationTimeoutMonitor struct {
	log       log.Logger
	clock     clock.Clock
	threshold time.Duration
	pub       Publisher
	poller    *poller

	mu        sync.Mutex
	instances map[string]*agent.Instance
}

func NewCommunicationTimeoutMonitor(cfg TimeoutConfig, pub Publisher) *CommunicationTimeoutMonitor {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultStallThreshold
	}
	m := &CommunicationTimeoutMonitor{
		log:       cfg.Log,
		clock:     cfg.Clock,
		threshold: cfg.Threshold,
		pub:       pub,
		instances: make(map[string]*agent.Instance),
	}
	m.poller = newPoller(cfg.Clock, cfg.PollInterval, func(context.Context) { m.Check() })
	return m
}

// Track starts watching inst. Its last-seen time is reset to now, so the
// silence window starts when it is armed.
func (m *CommunicationTimeoutMonitor) Track(inst *agent.Instance) {
	inst.Touch(m.clock.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID()] = inst
}

func (m *CommunicationTimeoutMonitor) Untrack(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, instanceID)
}

// Touch records traffic from instanceID. Unknown instances are ignored.
func (m *CommunicationTimeoutMonitor) Touch(instanceID string) {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if inst.Touch(m.clock.Now()) {
		m.log.Info("Agent communication recovered", "instance", instanceID)
	}
}

func (m *CommunicationTimeoutMonitor) Name() string {
	return "communication-timeout-monitor"
}

func (m *CommunicationTimeoutMonitor) Handles() events.Kinds {
	return events.AgentKinds
}

// Handle resets the silence window of the event's instance.
func (m *CommunicationTimeoutMonitor) Handle(ev events.ClientEvent) error {
	m.Touch(ev.Instance())
	return nil
}

// Check runs one poll. It returns the instances that crossed the threshold on
// this tick, sorted by id.
func (m *CommunicationTimeoutMonitor) Check() []string {
	m.mu.Lock()
	tracked := make([]*agent.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		tracked = append(tracked, inst)
	}
	m.mu.Unlock()
	sort.Slice(tracked, func(i, j int) bool { return tracked[i].ID() < tracked[j].ID() })

	now := m.clock.Now()
	var stalled []string
	for _, inst := range tracked {
		lastSeen := inst.LastSeen()
		silence := now.Sub(lastSeen)
		if silence < m.threshold {
			continue
		}
		if !inst.MarkStalled() {
			continue
		}
		stalled = append(stalled, inst.ID())
		m.log.Warn("Agent communication timed out", "instance", inst.ID(), "silence", silence, "threshold", m.threshold)
		metrics.RecordCommunicationTimeout(inst.ID())
		ev := events.CommunicationTimedOut{InstanceID: inst.ID(), LastSeen: lastSeen, Silence: silence}
		if err := m.pub.Publish(ev); err != nil {
			m.log.Error("Failed to publish communication timeout", "instance", inst.ID(), "err", err)
		}
	}
	return stalled
}

// Start begins polling. The loop ends on Stop or when ctx is done.
func (m *CommunicationTimeoutMonitor) Start(ctx context.Context) {
	if m.poller.start(ctx) {
		m.log.Debug("Communication timeout monitor started", "threshold", m.threshold, "interval", m.poller.interval)
	}
}

// Stop ends polling and waits for an in-flight check.
func (m *CommunicationTimeoutMonitor) Stop() {
	m.poller.stop()
}
