package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/clock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-harness/agent"
	"github.com/ethereum-optimism/infra/op-harness/aggregator"
	"github.com/ethereum-optimism/infra/op-harness/logging"
	"github.com/ethereum-optimism/infra/op-harness/metrics"
	"github.com/ethereum-optimism/infra/op-harness/monitor"
	"github.com/ethereum-optimism/infra/op-harness/reporting"
	"github.com/ethereum-optimism/infra/op-harness/transport"
)

const (
	DefaultStallGrace       = 30 * time.Second
	DefaultTerminateTimeout = 10 * time.Second
	DefaultFaultRate        = 1.0
	DefaultFaultBurst       = 20

	sinkTimeout = 30 * time.Second
)

// Transport is the web edge agents report to.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	TestPageURL(query string, instanceID string) string
	SetClientConfig(cfg transport.ClientConfig)
	ClientConfig() transport.ClientConfig
}

// Settings are the per-mode launch and watchdog parameters of a runner.
type Settings struct {
	Agents      int
	Flavor      agent.Flavor
	QueryString string
	ShowWindow  bool
	ForceStart  bool
	TestPackage string

	PollInterval     time.Duration
	StallThreshold   time.Duration
	StallGrace       time.Duration
	DialogInterval   time.Duration
	RunInterval      time.Duration
	TerminateTimeout time.Duration
	FaultRate        float64
	FaultBurst       int

	// DialogProbe returns the message box probe for an instance. Nil disables
	// dialog monitoring.
	DialogProbe func(instanceID string) monitor.DialogProbe
	// AssertProbe watches the host for debug assert dialogs when set.
	AssertProbe monitor.DialogProbe

	// RecordDir enables envelope recording into per-run directories.
	RecordDir string
}

func (s *Settings) applyDefaults() {
	if s.Agents <= 0 {
		s.Agents = 1
	}
	if s.PollInterval <= 0 {
		s.PollInterval = monitor.DefaultPollInterval
	}
	if s.StallThreshold <= 0 {
		s.StallThreshold = monitor.DefaultStallThreshold
	}
	if s.StallGrace <= 0 {
		s.StallGrace = DefaultStallGrace
	}
	if s.DialogInterval <= 0 {
		s.DialogInterval = monitor.DefaultDialogInterval
	}
	if s.TerminateTimeout <= 0 {
		s.TerminateTimeout = DefaultTerminateTimeout
	}
	if s.FaultRate <= 0 {
		s.FaultRate = DefaultFaultRate
	}
	if s.FaultBurst <= 0 {
		s.FaultBurst = DefaultFaultBurst
	}
}

// Runner sequences the agent lifecycle of one execution mode.
type Runner struct {
	mode      Mode
	log       log.Logger
	clock     clock.Clock
	tracer    trace.Tracer
	agg       *aggregator.EventAggregator
	ingestor  *Ingestor
	transport Transport
	launcher  agent.Launcher
	settings  Settings
	sink      reporting.Sink
	live      aggregator.Listener

	mu    sync.Mutex
	state State
	last  *Result
}

func (r *Runner) Mode() Mode {
	return r.mode
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastResult is the result of the most recent pass, or nil.
func (r *Runner) LastResult() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	if prev != s {
		r.log.Debug("Runner state changed", "from", prev, "to", s)
	}
	metrics.RecordRunnerState(string(r.mode), s.String(), stateNames)
}

// Run executes the runner. One-shot and CI runners return after one pass
// with the pass error, if any. Continuous and transport-only runners return
// when ctx is done.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.setState(StateStarting)
	if err := r.transport.Start(ctx); err != nil {
		r.setState(StateFaulted)
		err = fmt.Errorf("failed to start transport: %w", err)
		return &Result{Mode: r.mode, State: StateFaulted, Err: err}, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.TerminateTimeout)
		defer cancel()
		if err := r.transport.Stop(stopCtx); err != nil {
			r.log.Warn("Failed to stop transport", "err", err)
		}
	}()

	switch r.mode {
	case ModeContinuous:
		return r.runContinuous(ctx)
	case ModeTransportOnly:
		return r.runTransportOnly(ctx)
	default:
		res := r.runPass(ctx)
		return res, res.error()
	}
}

func (res *Result) error() error {
	if res.Fault != nil {
		return res.Fault
	}
	return res.Err
}

func (r *Runner) runContinuous(ctx context.Context) (*Result, error) {
	var changes <-chan struct{}
	if r.settings.TestPackage != "" {
		w, err := NewSourceWatcher(r.log, r.settings.TestPackage)
		if err != nil {
			r.log.Warn("Not watching the test package", "path", r.settings.TestPackage, "err", err)
		} else {
			w.Start(ctx)
			defer w.Close()
			changes = w.Changes()
		}
	}
	var interval <-chan time.Time
	if r.settings.RunInterval > 0 {
		ticker := r.clock.NewTicker(r.settings.RunInterval)
		defer ticker.Stop()
		interval = ticker.Ch()
	}

	var last *Result
	for {
		res := r.runPass(ctx)
		last = res
		if ctx.Err() != nil {
			return last, nil
		}
		switch {
		case res.Fault != nil:
			r.log.Warn("Run faulted, waiting for the next trigger", "run", res.RunID, "reason", res.Fault.Reason, "err", res.Fault)
		case res.Err != nil:
			r.log.Error("Run failed, waiting for the next trigger", "run", res.RunID, "err", res.Err)
		}
		r.log.Info("Waiting for test package changes", "path", r.settings.TestPackage, "interval", r.settings.RunInterval)
		select {
		case <-ctx.Done():
			return last, nil
		case <-changes:
		case <-interval:
		}
	}
}

func (r *Runner) runTransportOnly(ctx context.Context) (*Result, error) {
	start := r.clock.Now()
	runID := uuid.NewString()
	r.setState(StateAgentsLaunching)

	var subs []*aggregator.Subscription
	if r.live != nil {
		subs = append(subs, r.agg.Subscribe(r.live))
	}
	rec := r.openRecorder(runID)
	r.ingestor.Open(Intake{AdmitAny: true, Recorder: recorderOrNil(rec)})
	r.setState(StateRunning)
	r.log.Info("Serving transport only, waiting for shutdown")

	<-ctx.Done()

	r.setState(StateDraining)
	r.ingestor.Close()
	r.agg.Drain()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	r.closeRecorder(rec)
	r.setState(StateCompleted)
	res := &Result{RunID: runID, Mode: r.mode, State: StateCompleted, Duration: r.clock.Now().Sub(start)}
	r.setLast(res)
	return res, nil
}

func (r *Runner) setLast(res *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = res
}

func (r *Runner) openRecorder(runID string) *logging.EnvelopeRecorder {
	if r.settings.RecordDir == "" {
		return nil
	}
	rec, err := logging.NewEnvelopeRecorder(r.settings.RecordDir, runID, r.log)
	if err != nil {
		r.log.Warn("Envelope recording disabled", "err", err)
		return nil
	}
	r.log.Info("Recording envelopes", "path", rec.Path())
	return rec
}

func (r *Runner) closeRecorder(rec *logging.EnvelopeRecorder) {
	if rec == nil {
		return
	}
	if err := rec.Close(); err != nil {
		r.log.Warn("Failed to close envelope recording", "err", err)
	}
}

func recorderOrNil(rec *logging.EnvelopeRecorder) EnvelopeRecorder {
	if rec == nil {
		return nil
	}
	return rec
}

// runPass runs agents once from Starting to Completed or Faulted.
func (r *Runner) runPass(ctx context.Context) *Result {
	start := r.clock.Now()
	runID := uuid.NewString()
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("run %s", runID))
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(r.mode)), attribute.Int("agents", r.settings.Agents))
	logger := r.log.New("run", runID)

	r.setState(StateStarting)
	instances := make([]*agent.Instance, r.settings.Agents)
	for i := range instances {
		instances[i] = agent.NewInstance(fmt.Sprintf("agent-%s-%d", runID[:8], i+1), start)
	}

	report := reporting.NewTestReport(runID, r.settings.TestPackage, start)
	timeouts := monitor.NewCommunicationTimeoutMonitor(monitor.TimeoutConfig{
		Log:          logger,
		Clock:        r.clock,
		PollInterval: r.settings.PollInterval,
		Threshold:    r.settings.StallThreshold,
	}, r.agg)
	dialogs := monitor.NewDialogMonitorRunner(monitor.DialogConfig{
		Log:      logger,
		Clock:    r.clock,
		Interval: r.settings.DialogInterval,
	}, r.agg)
	p := newPass(passConfig{
		runID:      runID,
		log:        logger,
		now:        r.clock.Now,
		grace:      r.settings.StallGrace,
		faultRate:  r.settings.FaultRate,
		faultBurst: r.settings.FaultBurst,
		untrack:    timeouts.Untrack,
		instances:  instances,
	})

	// results are recorded before the pass sees the completion signal
	subs := []*aggregator.Subscription{r.agg.Subscribe(reporting.NewReportBuilder(report, r.clock.Now))}
	if r.live != nil {
		subs = append(subs, r.agg.Subscribe(r.live))
	}
	subs = append(subs, r.agg.Subscribe(timeouts), r.agg.Subscribe(p))

	rec := r.openRecorder(runID)
	r.ingestor.Open(Intake{Instances: p.ids(), Touch: timeouts.Touch, Recorder: recorderOrNil(rec)})

	release := func() {
		timeouts.Stop()
		dialogs.Stop()
		r.ingestor.Close()
		r.agg.Drain()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		r.closeRecorder(rec)
		if err := r.teardown(ctx, instances); err != nil {
			logger.Warn("Agent teardown incomplete", "err", err)
		}
	}

	r.setState(StateAgentsLaunching)
	logger.Info("Launching agents", "count", len(instances), "flavor", r.settings.Flavor)
	if err := r.launch(ctx, instances); err != nil {
		release()
		r.setState(StateFaulted)
		span.RecordError(err)
		var launchErr *LaunchError
		if !errors.As(err, &launchErr) {
			err = &LaunchError{Err: err}
		}
		res := &Result{RunID: runID, Mode: r.mode, State: StateFaulted, Err: err, Duration: r.clock.Now().Sub(start)}
		logger.Error("Agent launch failed", "err", err)
		metrics.RecordRun(string(r.mode), runID, res.resultLabel(), 0, 0, 0, res.Duration)
		r.setLast(res)
		return res
	}

	for _, inst := range instances {
		if !inst.Complete() {
			timeouts.Track(inst)
		}
		if r.settings.DialogProbe != nil {
			if probe := r.settings.DialogProbe(inst.ID()); probe != nil {
				dialogs.Add(monitor.NewMessageBoxMonitor(inst.ID(), probe))
			}
		}
	}
	if r.settings.AssertProbe != nil {
		dialogs.Add(monitor.NewDebugAssertMonitor(r.settings.AssertProbe))
	}
	timeouts.Start(ctx)
	if dialogs.Len() > 0 {
		dialogs.Start(ctx)
	}

	r.setState(StateRunning)
	fault := r.wait(ctx, p, dialogs)

	if fault == nil {
		r.setState(StateDraining)
	}
	release()

	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := r.sink.Emit(emitCtx, report); err != nil {
		logger.Error("Failed to emit report", "err", err)
		metrics.RecordErrorDetails("error emitting report", err)
	}

	res := &Result{RunID: runID, Mode: r.mode, State: StateCompleted, Report: report, Duration: r.clock.Now().Sub(start)}
	if fault != nil {
		res.State = StateFaulted
		res.Fault = fault
		span.RecordError(fault)
	}
	r.setState(res.State)

	stats := report.Stats()
	span.SetAttributes(
		attribute.String("result", res.resultLabel()),
		attribute.Int("total", stats.Total),
		attribute.Int("failed", stats.Failed),
	)
	metrics.RecordRun(string(r.mode), runID, res.resultLabel(), stats.Total, stats.Passed, stats.Failed, res.Duration)
	logger.Info("Run finished",
		"state", res.State,
		"result", report.FinalResult(),
		"total", stats.Total,
		"passed", stats.Passed,
		"failed", stats.Failed,
		"ignored", stats.Ignored,
		"system", stats.SystemFailures,
		"duration", res.Duration,
	)
	r.setLast(res)
	return res
}

// wait blocks in Running until the pass finishes, faults or ctx is done.
func (r *Runner) wait(ctx context.Context, p *pass, dialogs *monitor.DialogMonitorRunner) *FaultError {
	ticker := r.clock.NewTicker(r.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return p.result()
		case <-ctx.Done():
			p.finish(&FaultError{Reason: FaultCanceled, Err: ctx.Err()})
			return p.result()
		case id := <-p.terminate:
			dialogs.Remove(id)
			if inst, ok := p.byID[id]; ok {
				if err := r.terminate(ctx, inst); err != nil {
					p.log.Warn("Failed to terminate agent", "instance", id, "err", err)
				}
			}
		case <-ticker.Ch():
			p.checkStalls(r.clock.Now())
		}
	}
}

func (r *Runner) launch(ctx context.Context, instances []*agent.Instance) error {
	multiple := len(instances) > 1
	launches := pool.New().
		WithErrors().
		WithFirstError().
		WithMaxGoroutines(len(instances)).
		WithContext(ctx).
		WithCancelOnError()
	for _, inst := range instances {
		launches.Go(func(ctx context.Context) error {
			ctx, span := r.tracer.Start(ctx, fmt.Sprintf("launch %s", inst.ID()))
			defer span.End()
			cfg := agent.LaunchConfig{
				InstanceID:  inst.ID(),
				Flavor:      r.settings.Flavor,
				TestPageURL: r.transport.TestPageURL(r.settings.QueryString, inst.ID()),
				ShowWindow:  r.settings.ShowWindow,
				ForceStart:  r.settings.ForceStart,
				Multiple:    multiple,
			}
			h, err := r.launcher.LaunchAgent(ctx, cfg)
			metrics.RecordAgentLaunch(string(r.settings.Flavor), err)
			if err != nil {
				span.RecordError(err)
				return &LaunchError{InstanceID: inst.ID(), Err: err}
			}
			inst.SetHandle(h)
			r.log.Info("Agent launched", "instance", inst.ID(), "url", cfg.TestPageURL)
			return nil
		})
	}
	return launches.Wait()
}

func (r *Runner) terminate(ctx context.Context, inst *agent.Instance) error {
	inst.MarkTerminated()
	h := inst.Handle()
	if h == nil {
		return nil
	}
	inst.SetHandle(nil)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.TerminateTimeout)
	defer cancel()
	if err := r.launcher.TerminateAgent(ctx, h); err != nil {
		return fmt.Errorf("failed to terminate agent %s: %w", inst.ID(), err)
	}
	return nil
}

// teardown stops every launched agent concurrently.
func (r *Runner) teardown(ctx context.Context, instances []*agent.Instance) error {
	var g errgroup.Group
	for _, inst := range instances {
		g.Go(func() error {
			return r.terminate(ctx, inst)
		})
	}
	return g.Wait()
}
