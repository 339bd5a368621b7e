package translate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-harness/envelope"
	"github.com/ethereum-optimism/infra/op-harness/events"
)

var (
	t0     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	method = envelope.MethodMetadata{Namespace: "App.Tests", Class: "CartTests", Method: "T1"}
)

// countingRule wraps a rule and counts Translate calls
type countingRule struct {
	Rule
	calls int
}

func (c *countingRule) Translate(e envelope.Envelope) (events.ClientEvent, error) {
	c.calls++
	return c.Rule.Translate(e)
}

// TestMethodFailedRule covers the failed-with-exception rule end to end
func TestMethodFailedRule(t *testing.T) {
	reg := NewDefaultRegistry()
	e := envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, envelope.Decorators{
		envelope.KeyOutcome:        envelope.OutcomeTimeout,
		envelope.KeyMethodMetadata: method,
		envelope.KeyScenarioResult: envelope.ScenarioResult{
			Outcome:   envelope.OutcomeTimeout,
			Started:   t0,
			Finished:  t0.Add(3 * time.Second),
			Exception: &envelope.ExceptionInfo{Type: "TimeoutException", Message: "took too long"},
		},
	})

	ev, matched, err := reg.Resolve(e)
	require.NoError(t, err)
	require.True(t, matched)

	failed, ok := ev.(events.MethodFailed)
	require.True(t, ok, "expected MethodFailed, got %T", ev)
	assert.Equal(t, method, failed.Method)
	assert.Equal(t, envelope.OutcomeTimeout, failed.Outcome)
	assert.Equal(t, "took too long", failed.Exception.Message)
	assert.Equal(t, 3*time.Second, failed.Duration())
}

// TestDefaultRulesTranslate checks each default rule against a representative envelope
func TestDefaultRulesTranslate(t *testing.T) {
	class := envelope.ClassMetadata{Namespace: "App.Tests", Class: "CartTests"}
	tests := []struct {
		name     string
		env      envelope.Envelope
		expected events.Kind
	}{
		{
			name: "run initialized",
			env: envelope.New(envelope.KindTestInfrastructure, envelope.GranularityHarness, envelope.Decorators{
				envelope.KeyStage:       envelope.StageStarting,
				envelope.KeyHarnessInfo: envelope.HarnessInfo{Version: "v1.0.0", TotalMethods: 4},
			}),
			expected: events.KindRunInitialized,
		},
		{
			name: "run signal complete",
			env: envelope.New(envelope.KindTestInfrastructure, envelope.GranularityHarness, envelope.Decorators{
				envelope.KeyStage:         envelope.StageFinishing,
				envelope.KeyTotalMessages: 10,
			}),
			expected: events.KindRunSignalComplete,
		},
		{
			name: "class begin",
			env: envelope.New(envelope.KindTestExecution, envelope.GranularityTest, envelope.Decorators{
				envelope.KeyStage:         envelope.StageStarting,
				envelope.KeyClassMetadata: class,
			}),
			expected: events.KindClassBegin,
		},
		{
			name: "class completed",
			env: envelope.New(envelope.KindTestExecution, envelope.GranularityTest, envelope.Decorators{
				envelope.KeyStage:         envelope.StageFinishing,
				envelope.KeyClassMetadata: class,
			}),
			expected: events.KindClassCompleted,
		},
		{
			name: "method begin",
			env: envelope.New(envelope.KindTestExecution, envelope.GranularityTestScenario, envelope.Decorators{
				envelope.KeyStage:          envelope.StageStarting,
				envelope.KeyMethodMetadata: method,
			}),
			expected: events.KindMethodBegin,
		},
		{
			name: "method ignored",
			env: envelope.New(envelope.KindTestExecution, envelope.GranularityTestScenario, envelope.Decorators{
				envelope.KeyIgnore:         true,
				envelope.KeyMessage:        "flaky on CI",
				envelope.KeyMethodMetadata: method,
			}),
			expected: events.KindMethodIgnored,
		},
		{
			name: "method passed",
			env: envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, envelope.Decorators{
				envelope.KeyOutcome:        envelope.OutcomePassed,
				envelope.KeyMethodMetadata: method,
			}),
			expected: events.KindMethodPassed,
		},
		{
			name: "method failed without exception",
			env: envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, envelope.Decorators{
				envelope.KeyOutcome:        envelope.OutcomeInconclusive,
				envelope.KeyMethodMetadata: method,
			}),
			expected: events.KindMethodFailed,
		},
		{
			name: "unhandled exception",
			env: envelope.New(envelope.KindError, envelope.GranularityHarness, envelope.Decorators{
				envelope.KeyException: envelope.ExceptionInfo{Message: "boom"},
			}),
			expected: events.KindUnhandledException,
		},
	}
	reg := NewDefaultRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, matched, err := reg.Resolve(tt.env)
			require.NoError(t, err)
			require.True(t, matched)
			assert.Equal(t, tt.expected, ev.Kind())
		})
	}
}

// TestFailedWithoutExceptionSynthesizesMessage makes sure a bare failure is not silently dropped
func TestFailedWithoutExceptionSynthesizesMessage(t *testing.T) {
	e := envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, envelope.Decorators{
		envelope.KeyOutcome:        envelope.OutcomeInconclusive,
		envelope.KeyMethodMetadata: method,
	})
	ev, matched, err := NewDefaultRegistry().Resolve(e)
	require.NoError(t, err)
	require.True(t, matched)
	failed := ev.(events.MethodFailed)
	assert.Contains(t, failed.Exception.Message, "Inconclusive")
}

// TestResolveNoMatch verifies that chatter is ignored without error
func TestResolveNoMatch(t *testing.T) {
	tests := []struct {
		name string
		env  envelope.Envelope
	}{
		{name: "debug", env: envelope.New(envelope.KindDebug, envelope.GranularityHarness, envelope.Decorators{envelope.KeyMessage: "hi"})},
		{name: "not executed", env: envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, envelope.Decorators{envelope.KeyOutcome: envelope.OutcomeNotExecuted})},
		{name: "running stage", env: envelope.New(envelope.KindTestExecution, envelope.GranularityTest, envelope.Decorators{envelope.KeyStage: envelope.StageRunning})},
		{name: "error without exception", env: envelope.New(envelope.KindError, envelope.GranularityHarness, nil)},
	}
	reg := NewDefaultRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, matched, err := reg.Resolve(tt.env)
			require.NoError(t, err)
			assert.False(t, matched)
			assert.Nil(t, ev)
		})
	}
}

// TestErrorOutcomeMatchesNoRule leaves Error outcomes untranslated with or without an exception
func TestErrorOutcomeMatchesNoRule(t *testing.T) {
	reg := NewDefaultRegistry()
	for _, ex := range []*envelope.ExceptionInfo{nil, {Type: "InvalidOperationException", Message: "boom"}} {
		d := envelope.Decorators{
			envelope.KeyOutcome:        envelope.OutcomeError,
			envelope.KeyMethodMetadata: method,
		}
		if ex != nil {
			d[envelope.KeyScenarioResult] = envelope.ScenarioResult{Outcome: envelope.OutcomeError, Exception: ex}
		}
		e := envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, d)
		assert.Empty(t, reg.Matching(e))
		_, matched, err := reg.Resolve(e)
		assert.False(t, matched)
		assert.NoError(t, err)
	}
}

// TestResolveFault checks that a matching envelope missing required data yields a TranslationFault
func TestResolveFault(t *testing.T) {
	e := envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, envelope.Decorators{
		envelope.KeyOutcome: envelope.OutcomePassed,
	})
	ev, matched, err := NewDefaultRegistry().Resolve(e)
	require.Error(t, err)
	assert.True(t, matched)
	assert.Nil(t, ev)
	assert.True(t, IsTranslationFault(err))

	var fault *TranslationFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, RuleMethodPassed, fault.Rule)
	assert.Contains(t, fault.Error(), "methodMetadata")
}

// TestResolveMalformedTimestampIsFault turns an undecodable timestamp into a TranslationFault
func TestResolveMalformedTimestampIsFault(t *testing.T) {
	e, err := envelope.Decode([]byte(`{"kind":"TestResult","granularity":"TestScenario","decorators":{"outcome":"Passed","methodMetadata":{"class":"C","method":"T1"},"timestamp":"not-a-time"}}`))
	require.NoError(t, err)

	_, matched, err := NewDefaultRegistry().Resolve(e)
	assert.True(t, matched)
	require.True(t, IsTranslationFault(err))
	assert.Contains(t, err.Error(), "unexpected type")
}

// TestResolveTranslatesExactlyOnce makes sure only the first matching rule runs, once
func TestResolveTranslatesExactlyOnce(t *testing.T) {
	var counters []*countingRule
	reg := NewRegistry()
	for _, r := range DefaultRules() {
		c := &countingRule{Rule: r}
		counters = append(counters, c)
		reg.Register(c)
	}

	e := envelope.New(envelope.KindTestResult, envelope.GranularityTestScenario, envelope.Decorators{
		envelope.KeyOutcome:        envelope.OutcomePassed,
		envelope.KeyMethodMetadata: method,
	})
	_, matched, err := reg.Resolve(e)
	require.NoError(t, err)
	require.True(t, matched)

	total := 0
	for _, c := range counters {
		total += c.calls
	}
	assert.Equal(t, 1, total)
}

// TestFirstMatchWins documents that a custom overlapping rule registered first takes precedence
func TestFirstMatchWins(t *testing.T) {
	custom := &RuleFunc{
		RuleName: "custom-debug",
		Match:    func(e envelope.Envelope) bool { return e.Kind() == envelope.KindDebug },
		Apply: func(e envelope.Envelope) (events.ClientEvent, error) {
			return events.UnhandledException{Exception: envelope.ExceptionInfo{Message: "debug"}}, nil
		},
	}
	reg := NewRegistry(custom)
	for _, r := range DefaultRules() {
		reg.Register(r)
	}
	reg.Register(nil)

	assert.Equal(t, "custom-debug", reg.Rules()[0])
	assert.Len(t, reg.Rules(), len(DefaultRules())+1)

	ev, matched, err := reg.Resolve(envelope.New(envelope.KindDebug, envelope.GranularityHarness, nil))
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, events.KindUnhandledException, ev.Kind())
}

// TestNilEventIsFault guards against rules that return neither an event nor an error
func TestNilEventIsFault(t *testing.T) {
	reg := NewRegistry(&RuleFunc{
		RuleName: "broken",
		Match:    func(envelope.Envelope) bool { return true },
		Apply:    func(envelope.Envelope) (events.ClientEvent, error) { return nil, nil },
	})
	_, matched, err := reg.Resolve(envelope.New(envelope.KindDebug, envelope.GranularityHarness, nil))
	assert.True(t, matched)
	assert.True(t, IsTranslationFault(err))
}

// TestDefaultRulesAreDisjoint evaluates every rule over a corpus of envelope shapes
// and asserts no envelope is accepted by more than one rule
func TestDefaultRulesAreDisjoint(t *testing.T) {
	reg := NewDefaultRegistry()
	kinds := []envelope.MessageKind{
		envelope.KindUnknown, envelope.KindDebug, envelope.KindInformation, envelope.KindWarning,
		envelope.KindError, envelope.KindEnvironment, envelope.KindTestExecution,
		envelope.KindTestResult, envelope.KindTestInfrastructure,
	}
	grans := []envelope.Granularity{
		envelope.GranularityUnknown, envelope.GranularityHarness, envelope.GranularityTestGroup,
		envelope.GranularityTest, envelope.GranularityTestScenario,
	}
	stages := []envelope.Stage{
		envelope.StageNone, envelope.StageStarting, envelope.StageRunning,
		envelope.StageFinishing, envelope.StageCanceling,
	}
	outcomes := []envelope.Outcome{
		envelope.OutcomeNone, envelope.OutcomePassed, envelope.OutcomeFailed, envelope.OutcomeError,
		envelope.OutcomeTimeout, envelope.OutcomeInconclusive, envelope.OutcomeNotExecuted, envelope.OutcomeAborted,
	}

	checked := 0
	for _, kind := range kinds {
		for _, gran := range grans {
			for _, stage := range stages {
				for _, outcome := range outcomes {
					for _, withException := range []bool{false, true} {
						for _, ignore := range []bool{false, true} {
							d := envelope.Decorators{envelope.KeyMethodMetadata: method}
							if stage != envelope.StageNone {
								d[envelope.KeyStage] = stage
							}
							if outcome != envelope.OutcomeNone {
								d[envelope.KeyOutcome] = outcome
							}
							sr := envelope.ScenarioResult{Outcome: outcome}
							if withException {
								sr.Exception = &envelope.ExceptionInfo{Message: "x"}
								d[envelope.KeyException] = envelope.ExceptionInfo{Message: "x"}
							}
							d[envelope.KeyScenarioResult] = sr
							if ignore {
								d[envelope.KeyIgnore] = true
							}
							e := envelope.New(kind, gran, d)
							matches := reg.Matching(e)
							require.LessOrEqual(t, len(matches), 1, "envelope %s matched %v", e, matches)
							checked++
						}
					}
				}
			}
		}
	}
	assert.Equal(t, len(kinds)*len(grans)*len(stages)*len(outcomes)*4, checked)
}
