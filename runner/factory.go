package runner

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum-optimism/optimism/op-service/clock"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"

	"github.com/ethereum-optimism/infra/op-harness/agent"
	"github.com/ethereum-optimism/infra/op-harness/aggregator"
	"github.com/ethereum-optimism/infra/op-harness/events"
	"github.com/ethereum-optimism/infra/op-harness/logging"
	"github.com/ethereum-optimism/infra/op-harness/reporting"
	"github.com/ethereum-optimism/infra/op-harness/translate"
	"github.com/ethereum-optimism/infra/op-harness/transport"
)

// FactoryConfig is everything needed to build the runners of one process.
type FactoryConfig struct {
	Log   log.Logger
	Clock clock.Clock
	// Trace receives the aggregator debug trace. Nil disables it.
	Trace log.Logger

	Launcher agent.Launcher
	// Transport overrides the HTTP transport built from ListenAddr.
	Transport  Transport
	ListenAddr string
	TagFilter  string
	Registry   *translate.Registry

	Settings Settings

	// Out receives console and CI output. Defaults to stdout.
	Out   io.Writer
	Color bool
	// JUnitFile, when set, receives a JUnit report of every run.
	JUnitFile string
	// LogDir, when set, receives a plain text summary of every run.
	LogDir string
	// Extensions are report sinks attached to every runner, such as the run
	// history stores.
	Extensions []reporting.Sink
	// Listeners are subscribed for the lifetime of the process.
	Listeners []aggregator.Listener
}

// Factory is the composition root of the harness. It owns the process-wide
// event aggregator, the ingestor and the transport, and builds runners that
// share them.
type Factory struct {
	cfg       FactoryConfig
	log       log.Logger
	agg       *aggregator.EventAggregator
	ingestor  *Ingestor
	transport Transport
}

// quietKinds are left out of the aggregator debug trace.
var quietKinds = []events.Kind{
	events.KindRunInitialized,
	events.KindClassBegin,
	events.KindClassCompleted,
	events.KindRunSignalComplete,
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("factory requires an agent launcher")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	cfg.Settings.applyDefaults()

	agg := aggregator.New(aggregator.Config{Log: cfg.Log, Trace: cfg.Trace})
	agg.IgnoreTracing(quietKinds...)
	for _, l := range cfg.Listeners {
		agg.Subscribe(l)
	}

	f := &Factory{
		cfg: cfg,
		log: cfg.Log,
		agg: agg,
	}
	f.ingestor = NewIngestor(cfg.Log, cfg.Clock, cfg.Registry, agg)

	f.transport = cfg.Transport
	if f.transport == nil {
		srv, err := transport.NewServer(transport.Config{
			Log:        cfg.Log,
			ListenAddr: cfg.ListenAddr,
			ClientConfig: transport.ClientConfig{
				TestPackage: cfg.Settings.TestPackage,
				TagFilter:   cfg.TagFilter,
			},
		}, f.ingestor)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		f.transport = srv
	}
	return f, nil
}

func (f *Factory) Aggregator() *aggregator.EventAggregator {
	return f.agg
}

func (f *Factory) Ingestor() *Ingestor {
	return f.ingestor
}

func (f *Factory) Transport() Transport {
	return f.transport
}

// NewRunner builds the runner for mode.
func (f *Factory) NewRunner(mode Mode) (*Runner, error) {
	switch mode {
	case ModeContinuous:
		return f.NewContinuousRunner(), nil
	case ModeOneShot:
		return f.NewOneShotRunner(), nil
	case ModeCI:
		return f.NewCIRunner(), nil
	case ModeTransportOnly:
		return f.NewTransportOnlyRunner(), nil
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// NewContinuousRunner runs a single agent and re-runs when the test package
// changes or the run interval elapses.
func (f *Factory) NewContinuousRunner() *Runner {
	settings := f.cfg.Settings
	settings.Agents = 1
	return f.newRunner(ModeContinuous, settings, f.consoleSink(), f.liveHandler())
}

// NewOneShotRunner runs every configured agent once and prints the report.
func (f *Factory) NewOneShotRunner() *Runner {
	return f.newRunner(ModeOneShot, f.cfg.Settings, f.consoleSink(), f.liveHandler())
}

// NewCIRunner runs once and writes TeamCity service messages instead of the
// console report.
func (f *Factory) NewCIRunner() *Runner {
	return f.newRunner(ModeCI, f.cfg.Settings, f.reportSinks(reporting.NewTeamCitySink(f.cfg.Out)), nil)
}

// NewTransportOnlyRunner serves the transport without launching agents or
// building a report.
func (f *Factory) NewTransportOnlyRunner() *Runner {
	settings := f.cfg.Settings
	settings.Agents = 0
	return f.newRunner(ModeTransportOnly, settings, reporting.NoopSink{}, f.liveHandler())
}

func (f *Factory) consoleSink() reporting.Sink {
	return f.reportSinks(reporting.NewConsoleSink(f.cfg.Out, "Test Results"))
}

func (f *Factory) reportSinks(primary reporting.Sink) reporting.Sink {
	sinks := reporting.NewMultiSink(f.log, primary)
	if f.cfg.JUnitFile != "" {
		sinks.Add(reporting.NewJUnitSink(f.cfg.JUnitFile))
	}
	if f.cfg.LogDir != "" {
		sinks.Add(logging.NewSummaryFileSink(f.cfg.LogDir))
	}
	for _, ext := range f.cfg.Extensions {
		sinks.Add(ext)
	}
	return sinks
}

func (f *Factory) liveHandler() aggregator.Listener {
	return reporting.NewConsoleResultHandler(f.cfg.Out, f.cfg.Color)
}

func (f *Factory) newRunner(mode Mode, settings Settings, sink reporting.Sink, live aggregator.Listener) *Runner {
	return &Runner{
		mode:      mode,
		log:       f.log.New("mode", string(mode)),
		clock:     f.cfg.Clock,
		tracer:    otel.Tracer("op-harness runner"),
		agg:       f.agg,
		ingestor:  f.ingestor,
		transport: f.transport,
		launcher:  f.cfg.Launcher,
		settings:  settings,
		sink:      sink,
		live:      live,
	}
}
