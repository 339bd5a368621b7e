package runner

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-harness/agent"
	"github.com/ethereum-optimism/infra/op-harness/envelope"
	"github.com/ethereum-optimism/infra/op-harness/events"
	"github.com/ethereum-optimism/infra/op-harness/transport"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

type testHandle string

func (h testHandle) InstanceID() string { return string(h) }

// mockLauncher records launches and runs onLaunch for every agent it starts,
// standing in for the agent process.
type mockLauncher struct {
	mock.Mock
	onLaunch func(cfg agent.LaunchConfig)
	launched atomic.Int32
}

func newMockLauncher() *mockLauncher {
	return &mockLauncher{}
}

func (m *mockLauncher) LaunchAgent(ctx context.Context, cfg agent.LaunchConfig) (agent.Handle, error) {
	args := m.Called(ctx, cfg)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	m.launched.Add(1)
	if m.onLaunch != nil {
		go m.onLaunch(cfg)
	}
	return testHandle(cfg.InstanceID), nil
}

func (m *mockLauncher) TerminateAgent(ctx context.Context, h agent.Handle) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

func (m *mockLauncher) launchSucceeds() *mockLauncher {
	m.On("LaunchAgent", mock.Anything, mock.Anything).Return(nil)
	m.On("TerminateAgent", mock.Anything, mock.Anything).Return(nil)
	return m
}

func instanceSuffix(suffix string) any {
	return mock.MatchedBy(func(cfg agent.LaunchConfig) bool {
		return strings.HasSuffix(cfg.InstanceID, suffix)
	})
}

type fakeTransport struct {
	mu      sync.Mutex
	cfg     transport.ClientConfig
	started atomic.Bool
	stopped atomic.Bool
}

func (f *fakeTransport) Start(context.Context) error {
	f.started.Store(true)
	return nil
}

func (f *fakeTransport) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

func (f *fakeTransport) TestPageURL(query string, instanceID string) string {
	return "http://harness.test/test-page?" + query + "&instance=" + instanceID
}

func (f *fakeTransport) SetClientConfig(cfg transport.ClientConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

func (f *fakeTransport) ClientConfig() transport.ClientConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestFactory(t *testing.T, launcher agent.Launcher, settings Settings, out *syncBuffer) *Factory {
	f, err := NewFactory(FactoryConfig{
		Log:       discardLogger(),
		Launcher:  launcher,
		Transport: &fakeTransport{},
		Settings:  settings,
		Out:       out,
	})
	require.NoError(t, err)
	return f
}

// send feeds envelopes for instanceID, ignoring rejections after the run
// stopped accepting.
func send(ing *Ingestor, instanceID string, envs ...envelope.Envelope) {
	for _, env := range envs {
		_ = ing.AcceptEnvelope(instanceID, env)
	}
}

func method(name string) envelope.MethodMetadata {
	return envelope.MethodMetadata{Namespace: "Acme.Tests", Class: "CalculatorTests", Method: name}
}

func runInitializedEnv(version string) envelope.Envelope {
	return envelope.New(envelope.KindTestInfrastructure, envelope.GranularityHarness, envelope.Decorators{
		envelope.KeyStage:       envelope.StageStarting,
		envelope.KeyHarnessInfo: envelope.HarnessInfo{Version: version, TotalMethods: 2},
	})
}

func completeEnv() envelope.Envelope {
	return envelope.New(envelope.KindTestInfrastructure, envelope.GranularityHarness, envelope.Decorators{
		envelope.KeyStage:         envelope.StageFinishing,
		envelope.KeyTotalMessages: 4,
	})
}

func classEnv(stage envelope.Stage) envelope.Envelope {
	return envelope.New(envelope.KindTestExecution, envelope.GranularityTest, envelope.Decorators{
		envelope.KeyStage:         stage,
		envelope.KeyClassMetadata: envelope.ClassMetadata{Namespace: "Acme.Tests", Class: "CalculatorTests"},
	})
}

func passedEnv(name string) envelope.Envelope {
	return envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, envelope.Decorators{
		envelope.KeyOutcome:        envelope.OutcomePassed,
		envelope.KeyMethodMetadata: method(name),
		envelope.KeyScenarioResult: envelope.ScenarioResult{Outcome: envelope.OutcomePassed, Started: t0, Finished: t0.Add(time.Second)},
	})
}

func failedEnv(name string, excType string, msg string) envelope.Envelope {
	return envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, envelope.Decorators{
		envelope.KeyOutcome:        envelope.OutcomeFailed,
		envelope.KeyMethodMetadata: method(name),
		envelope.KeyScenarioResult: envelope.ScenarioResult{
			Outcome:   envelope.OutcomeFailed,
			Started:   t0,
			Finished:  t0.Add(time.Second),
			Exception: &envelope.ExceptionInfo{Type: excType, Message: msg},
		},
	})
}

// brokenPassedEnv matches the passed rule but lacks the method metadata the
// rule requires.
func brokenPassedEnv() envelope.Envelope {
	return envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, envelope.Decorators{
		envelope.KeyOutcome: envelope.OutcomePassed,
	})
}

func debugEnv() envelope.Envelope {
	return envelope.New(envelope.KindDebug, envelope.GranularityHarness, envelope.Decorators{
		envelope.KeyMessage: "loading",
	})
}

type publishRecorder struct {
	mu  sync.Mutex
	got []events.ClientEvent
	err error
}

func (p *publishRecorder) Publish(ev events.ClientEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.got = append(p.got, ev)
	return nil
}

func (p *publishRecorder) received() []events.ClientEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.ClientEvent(nil), p.got...)
}
