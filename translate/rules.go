package translate

import (
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-harness/envelope"
	"github.com/ethereum-optimism/infra/op-harness/events"
)

// Default rule names.
const (
	RuleRunInitialized     = "run-initialized"
	RuleRunSignalComplete  = "run-signal-complete"
	RuleClassBegin         = "class-begin"
	RuleClassCompleted     = "class-completed"
	RuleMethodBegin        = "method-begin"
	RuleMethodIgnored      = "method-ignored"
	RuleMethodPassed       = "method-passed"
	RuleMethodFailed       = "method-failed"
	RuleMethodFailedNoInfo = "method-failed-without-exception"
	RuleUnhandledException = "unhandled-exception"
)

// DefaultRules returns the standard rule set. The predicates partition on
// (kind, granularity) first and then on stage, ignore flag, outcome and
// exception presence, so at most one rule accepts any envelope.
func DefaultRules() []Rule {
	return []Rule{
		&RuleFunc{RuleName: RuleRunInitialized, Match: harnessAt(envelope.StageStarting), Apply: translateRunInitialized},
		&RuleFunc{RuleName: RuleRunSignalComplete, Match: harnessAt(envelope.StageFinishing), Apply: translateRunSignalComplete},
		&RuleFunc{RuleName: RuleClassBegin, Match: classAt(envelope.StageStarting), Apply: translateClassBegin},
		&RuleFunc{RuleName: RuleClassCompleted, Match: classAt(envelope.StageFinishing), Apply: translateClassCompleted},
		&RuleFunc{RuleName: RuleMethodBegin, Match: matchMethodBegin, Apply: translateMethodBegin},
		&RuleFunc{RuleName: RuleMethodIgnored, Match: matchMethodIgnored, Apply: translateMethodIgnored},
		&RuleFunc{RuleName: RuleMethodPassed, Match: matchMethodPassed, Apply: translateMethodPassed},
		&RuleFunc{RuleName: RuleMethodFailed, Match: matchMethodFailed, Apply: translateMethodFailed},
		&RuleFunc{RuleName: RuleMethodFailedNoInfo, Match: matchMethodFailedNoInfo, Apply: translateMethodFailedNoInfo},
		&RuleFunc{RuleName: RuleUnhandledException, Match: matchUnhandledException, Apply: translateUnhandledException},
	}
}

func shape(e envelope.Envelope, kind envelope.MessageKind, g envelope.Granularity) bool {
	return e.Kind() == kind && e.Is(g)
}

func stageIs(e envelope.Envelope, s envelope.Stage) bool {
	return envelope.Matches(e, envelope.KeyStage, func(v envelope.Stage) bool { return v == s })
}

func ignored(e envelope.Envelope) bool {
	return envelope.Matches(e, envelope.KeyIgnore, func(v bool) bool { return v })
}

func outcomeMatches(e envelope.Envelope, pred func(envelope.Outcome) bool) bool {
	return envelope.Matches(e, envelope.KeyOutcome, pred)
}

func hasScenarioException(e envelope.Envelope) bool {
	return envelope.Matches(e, envelope.KeyScenarioResult, func(v envelope.ScenarioResult) bool {
		return v.Exception != nil
	})
}

func harnessAt(s envelope.Stage) func(envelope.Envelope) bool {
	return func(e envelope.Envelope) bool {
		return shape(e, envelope.KindTestInfrastructure, envelope.GranularityHarness) && stageIs(e, s)
	}
}

func classAt(s envelope.Stage) func(envelope.Envelope) bool {
	return func(e envelope.Envelope) bool {
		return shape(e, envelope.KindTestExecution, envelope.GranularityTest) && stageIs(e, s)
	}
}

func matchMethodBegin(e envelope.Envelope) bool {
	return shape(e, envelope.KindTestExecution, envelope.GranularityTestScenario) &&
		stageIs(e, envelope.StageStarting) &&
		!ignored(e)
}

func matchMethodIgnored(e envelope.Envelope) bool {
	return shape(e, envelope.KindTestExecution, envelope.GranularityTestScenario) && ignored(e)
}

func matchMethodPassed(e envelope.Envelope) bool {
	return shape(e, envelope.KindTestResult, envelope.GranularityTestScenario) &&
		outcomeMatches(e, func(o envelope.Outcome) bool { return o == envelope.OutcomePassed })
}

func matchMethodFailed(e envelope.Envelope) bool {
	return shape(e, envelope.KindTestResult, envelope.GranularityTestScenario) &&
		outcomeMatches(e, envelope.Outcome.IsFailure) &&
		hasScenarioException(e)
}

func matchMethodFailedNoInfo(e envelope.Envelope) bool {
	return shape(e, envelope.KindTestResult, envelope.GranularityTestScenario) &&
		outcomeMatches(e, envelope.Outcome.IsFailure) &&
		!hasScenarioException(e)
}

func matchUnhandledException(e envelope.Envelope) bool {
	return e.Kind() == envelope.KindError && e.Has(envelope.KeyException)
}

// required returns the decorator under key or an error naming what is missing.
func required[T any](e envelope.Envelope, key envelope.DecoratorKey) (T, error) {
	v, ok := envelope.Get[T](e, key)
	if !ok {
		var zero T
		if e.Has(key) {
			return zero, fmt.Errorf("decorator %q has unexpected type", key)
		}
		return zero, fmt.Errorf("missing decorator %q", key)
	}
	return v, nil
}

// optional is like required but tolerates a missing decorator.
func optional[T any](e envelope.Envelope, key envelope.DecoratorKey) (T, error) {
	if !e.Has(key) {
		var zero T
		return zero, nil
	}
	return required[T](e, key)
}

func translateRunInitialized(e envelope.Envelope) (events.ClientEvent, error) {
	info, err := optional[envelope.HarnessInfo](e, envelope.KeyHarnessInfo)
	if err != nil {
		return nil, err
	}
	assembly, err := optional[envelope.AssemblyMetadata](e, envelope.KeyAssemblyMetadata)
	if err != nil {
		return nil, err
	}
	at, err := optional[time.Time](e, envelope.KeyTimestamp)
	if err != nil {
		return nil, err
	}
	return events.RunInitialized{
		AgentVersion: info.Version,
		TotalMethods: info.TotalMethods,
		Assembly:     assembly.Name,
		Started:      at,
	}, nil
}

func translateRunSignalComplete(e envelope.Envelope) (events.ClientEvent, error) {
	total, err := optional[int](e, envelope.KeyTotalMessages)
	if err != nil {
		return nil, err
	}
	at, err := optional[time.Time](e, envelope.KeyTimestamp)
	if err != nil {
		return nil, err
	}
	return events.RunSignalComplete{TotalMessages: total, Finished: at}, nil
}

func translateClassBegin(e envelope.Envelope) (events.ClientEvent, error) {
	class, err := required[envelope.ClassMetadata](e, envelope.KeyClassMetadata)
	if err != nil {
		return nil, err
	}
	at, err := optional[time.Time](e, envelope.KeyTimestamp)
	if err != nil {
		return nil, err
	}
	return events.ClassBegin{Class: class, Started: at}, nil
}

func translateClassCompleted(e envelope.Envelope) (events.ClientEvent, error) {
	class, err := required[envelope.ClassMetadata](e, envelope.KeyClassMetadata)
	if err != nil {
		return nil, err
	}
	at, err := optional[time.Time](e, envelope.KeyTimestamp)
	if err != nil {
		return nil, err
	}
	return events.ClassCompleted{Class: class, Finished: at}, nil
}

func translateMethodBegin(e envelope.Envelope) (events.ClientEvent, error) {
	method, err := required[envelope.MethodMetadata](e, envelope.KeyMethodMetadata)
	if err != nil {
		return nil, err
	}
	at, err := optional[time.Time](e, envelope.KeyTimestamp)
	if err != nil {
		return nil, err
	}
	return events.MethodBegin{Method: method, Started: at}, nil
}

func translateMethodIgnored(e envelope.Envelope) (events.ClientEvent, error) {
	method, err := required[envelope.MethodMetadata](e, envelope.KeyMethodMetadata)
	if err != nil {
		return nil, err
	}
	msg, err := optional[string](e, envelope.KeyMessage)
	if err != nil {
		return nil, err
	}
	at, err := optional[time.Time](e, envelope.KeyTimestamp)
	if err != nil {
		return nil, err
	}
	return events.MethodIgnored{Method: method, Message: msg, Finished: at}, nil
}

func translateMethodPassed(e envelope.Envelope) (events.ClientEvent, error) {
	method, err := required[envelope.MethodMetadata](e, envelope.KeyMethodMetadata)
	if err != nil {
		return nil, err
	}
	result, err := optional[envelope.ScenarioResult](e, envelope.KeyScenarioResult)
	if err != nil {
		return nil, err
	}
	return events.MethodPassed{
		Method: method,
		Timing: events.Timing{Started: result.Started, Finished: result.Finished},
	}, nil
}

func translateMethodFailed(e envelope.Envelope) (events.ClientEvent, error) {
	method, err := required[envelope.MethodMetadata](e, envelope.KeyMethodMetadata)
	if err != nil {
		return nil, err
	}
	result, err := required[envelope.ScenarioResult](e, envelope.KeyScenarioResult)
	if err != nil {
		return nil, err
	}
	outcome, _ := envelope.Get[envelope.Outcome](e, envelope.KeyOutcome)
	return events.MethodFailed{
		Method:    method,
		Outcome:   outcome,
		Exception: *result.Exception,
		Timing:    events.Timing{Started: result.Started, Finished: result.Finished},
	}, nil
}

func translateMethodFailedNoInfo(e envelope.Envelope) (events.ClientEvent, error) {
	method, err := required[envelope.MethodMetadata](e, envelope.KeyMethodMetadata)
	if err != nil {
		return nil, err
	}
	result, err := optional[envelope.ScenarioResult](e, envelope.KeyScenarioResult)
	if err != nil {
		return nil, err
	}
	outcome, _ := envelope.Get[envelope.Outcome](e, envelope.KeyOutcome)
	ex, err := optional[envelope.ExceptionInfo](e, envelope.KeyException)
	if err != nil {
		return nil, err
	}
	if ex.Message == "" {
		ex.Message = fmt.Sprintf("test reported outcome %s without exception details", outcome)
	}
	return events.MethodFailed{
		Method:    method,
		Outcome:   outcome,
		Exception: ex,
		Timing:    events.Timing{Started: result.Started, Finished: result.Finished},
	}, nil
}

func translateUnhandledException(e envelope.Envelope) (events.ClientEvent, error) {
	ex, err := required[envelope.ExceptionInfo](e, envelope.KeyException)
	if err != nil {
		return nil, err
	}
	at, err := optional[time.Time](e, envelope.KeyTimestamp)
	if err != nil {
		return nil, err
	}
	return events.UnhandledException{Exception: ex, At: at}, nil
}
