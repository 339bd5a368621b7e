package runner

import (
	"errors"
	"sync"

	"github.com/ethereum-optimism/optimism/op-service/clock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/aggregator"
	"github.com/ethereum-optimism/infra/op-harness/envelope"
	"github.com/ethereum-optimism/infra/op-harness/events"
	"github.com/ethereum-optimism/infra/op-harness/metrics"
	"github.com/ethereum-optimism/infra/op-harness/translate"
)

// Publisher is the part of the event aggregator the ingestor needs.
type Publisher interface {
	Publish(ev events.ClientEvent) error
}

// EnvelopeRecorder persists raw envelopes as they are accepted.
type EnvelopeRecorder interface {
	Record(instanceID string, env envelope.Envelope) error
}

// Intake is the set of instances a run accepts envelopes from.
type Intake struct {
	// Instances lists the launched instance ids.
	Instances []string
	// AdmitAny accepts envelopes from instance ids not in Instances.
	AdmitAny bool
	// Touch is called for every accepted envelope, translated or not.
	Touch func(instanceID string)
	// Recorder, when set, receives every accepted envelope.
	Recorder EnvelopeRecorder
}

type intake struct {
	Intake
	mu    sync.Mutex
	known map[string]*sync.Mutex
}

func (in *intake) lookup(instanceID string) (*sync.Mutex, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	mu, ok := in.known[instanceID]
	if !ok && in.AdmitAny {
		mu = new(sync.Mutex)
		in.known[instanceID] = mu
		ok = true
	}
	return mu, ok
}

// Ingestor is the inbound edge of the core. It translates each accepted
// envelope and publishes the resulting event, keeping the acceptance order of
// every instance.
type Ingestor struct {
	log      log.Logger
	clock    clock.Clock
	registry *translate.Registry
	pub      Publisher

	// mu is held for reading by every AcceptEnvelope call, so Close waits for
	// in-flight envelopes to be published.
	mu      sync.RWMutex
	current *intake
}

func NewIngestor(logger log.Logger, clk clock.Clock, registry *translate.Registry, pub Publisher) *Ingestor {
	if logger == nil {
		logger = log.New()
	}
	if clk == nil {
		clk = clock.SystemClock
	}
	if registry == nil {
		registry = translate.NewDefaultRegistry()
	}
	return &Ingestor{log: logger, clock: clk, registry: registry, pub: pub}
}

// Open starts accepting envelopes for the given intake, replacing any
// previous one.
func (i *Ingestor) Open(cfg Intake) {
	in := &intake{Intake: cfg, known: make(map[string]*sync.Mutex, len(cfg.Instances))}
	for _, id := range cfg.Instances {
		in.known[id] = new(sync.Mutex)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.current = in
}

// Close stops intake. It returns once every in-flight envelope has been
// published; later calls to AcceptEnvelope fail with ErrDraining.
func (i *Ingestor) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.current = nil
}

// Accepting reports whether an intake is open.
func (i *Ingestor) Accepting() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.current != nil
}

// AcceptEnvelope translates env and publishes the resulting event. Envelopes
// no rule matches are dropped silently. An envelope that matches a rule but
// fails translation is logged, dropped and reported as TranslationFaulted;
// it is not an error for the sender.
func (i *Ingestor) AcceptEnvelope(instanceID string, env envelope.Envelope) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	in := i.current
	if in == nil {
		return ErrDraining
	}
	instMu, ok := in.lookup(instanceID)
	if !ok {
		i.log.Warn("Envelope from unknown instance", "instance", instanceID, "kind", env.Kind())
		return ErrUnknownInstance
	}
	instMu.Lock()
	defer instMu.Unlock()

	if in.Touch != nil {
		in.Touch(instanceID)
	}
	if in.Recorder != nil {
		if err := in.Recorder.Record(instanceID, env); err != nil {
			i.log.Warn("Failed to record envelope", "instance", instanceID, "err", err)
		}
	}

	ev, matched, err := i.registry.Resolve(env)
	if err != nil {
		var fault *translate.TranslationFault
		rule := "unknown"
		if errors.As(err, &fault) {
			rule = fault.Rule
		}
		i.log.Warn("Dropping envelope that failed translation", "instance", instanceID, "rule", rule, "envelope", env.String(), "err", err)
		metrics.RecordEnvelope("fault")
		metrics.RecordTranslationFault(rule)
		return i.publish(events.TranslationFaulted{InstanceID: instanceID, Rule: rule, Err: err, At: i.clock.Now()})
	}
	if !matched {
		metrics.RecordEnvelope("ignored")
		return nil
	}
	metrics.RecordEnvelope("translated")
	return i.publish(events.WithInstance(ev, instanceID))
}

func (i *Ingestor) publish(ev events.ClientEvent) error {
	if err := i.pub.Publish(ev); err != nil {
		if errors.Is(err, aggregator.ErrClosed) {
			return ErrDraining
		}
		return err
	}
	return nil
}
