// Package reporting accumulates translated test results into a TestReport and
// hands finished reports to sinks.
package reporting

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-harness/envelope"
)

// ResultType is the outcome of one test case as recorded in a report.
type ResultType int

const (
	ResultPassed ResultType = iota
	ResultFailed
	ResultIgnored
	// ResultSystemGeneratedFailure is a failure raised by the harness itself,
	// such as a blocking dialog or an agent error outside any test.
	ResultSystemGeneratedFailure
)

func (r ResultType) String() string {
	switch r {
	case ResultPassed:
		return "passed"
	case ResultFailed:
		return "failed"
	case ResultIgnored:
		return "ignored"
	case ResultSystemGeneratedFailure:
		return "system-failure"
	default:
		return "unknown"
	}
}

// IsFailure reports whether the result fails the run.
func (r ResultType) IsFailure() bool {
	return r == ResultFailed || r == ResultSystemGeneratedFailure
}

// FinalResult is the overall verdict of a report.
type FinalResult int

const (
	Success FinalResult = iota
	Failure
)

func (f FinalResult) String() string {
	if f == Failure {
		return "failure"
	}
	return "success"
}

// TestCaseResult is one entry of a TestReport.
type TestCaseResult struct {
	InstanceID string
	Method     envelope.MethodMetadata
	// Name is used for results that do not belong to a test method.
	Name      string
	Result    ResultType
	Started   time.Time
	Finished  time.Time
	Message   string
	Exception *envelope.ExceptionInfo
}

// FullName identifies the test case, falling back to Name for system results.
func (r TestCaseResult) FullName() string {
	if full := r.Method.FullName(); full != "" {
		return full
	}
	return r.Name
}

func (r TestCaseResult) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() || r.Finished.Before(r.Started) {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// FailureMessage is the text shown for a failed result.
func (r TestCaseResult) FailureMessage() string {
	if r.Exception != nil {
		return r.Exception.FullMessage()
	}
	return r.Message
}

// ReportStats holds the computed counters of a report. Failed counts every
// failure result and SystemFailures is the system generated share of it.
type ReportStats struct {
	Total          int
	Passed         int
	Failed         int
	Ignored        int
	SystemFailures int
}

// TestReport is the ordered result list of one run. Counters and the final
// verdict are computed from the results on demand.
type TestReport struct {
	runID       string
	testPackage string
	started     time.Time

	mu        sync.RWMutex
	completed time.Time
	results   []TestCaseResult
}

func NewTestReport(runID, testPackage string, started time.Time) *TestReport {
	return &TestReport{
		runID:       runID,
		testPackage: testPackage,
		started:     started,
		completed:   started,
	}
}

func (r *TestReport) RunID() string {
	return r.runID
}

func (r *TestReport) TestPackage() string {
	return r.testPackage
}

func (r *TestReport) Started() time.Time {
	return r.started
}

// Completed is the time the last result was accepted.
func (r *TestReport) Completed() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completed
}

// AddResult appends res and moves the completion time to at.
func (r *TestReport) AddResult(res TestCaseResult, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	if at.After(r.completed) {
		r.completed = at
	}
}

// Results returns a copy of the results in acceptance order.
func (r *TestReport) Results() []TestCaseResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]TestCaseResult(nil), r.results...)
}

func (r *TestReport) Stats() ReportStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s ReportStats
	for _, res := range r.results {
		s.Total++
		switch res.Result {
		case ResultPassed:
			s.Passed++
		case ResultFailed:
			s.Failed++
		case ResultIgnored:
			s.Ignored++
		case ResultSystemGeneratedFailure:
			s.Failed++
			s.SystemFailures++
		}
	}
	return s
}

func (r *TestReport) TotalResults() int {
	return r.Stats().Total
}

func (r *TestReport) TotalPassed() int {
	return r.Stats().Passed
}

// TotalFailed counts every failure result, system generated ones included.
// It always equals len(Failures()).
func (r *TestReport) TotalFailed() int {
	return r.Stats().Failed
}

func (r *TestReport) TotalIgnored() int {
	return r.Stats().Ignored
}

func (r *TestReport) TotalSystemFailures() int {
	return r.Stats().SystemFailures
}

// FinalResult is Failure iff any failed or system generated failure exists.
func (r *TestReport) FinalResult() FinalResult {
	s := r.Stats()
	if s.Failed > 0 {
		return Failure
	}
	return Success
}

// TimeToComplete is the sum of the durations of all results.
func (r *TestReport) TimeToComplete() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total time.Duration
	for _, res := range r.results {
		total += res.Duration()
	}
	return total
}

// Failures returns the failed and system generated results.
func (r *TestReport) Failures() []TestCaseResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TestCaseResult
	for _, res := range r.results {
		if res.Result.IsFailure() {
			out = append(out, res)
		}
	}
	return out
}

// TryFindByFullName returns the first result with the given full name.
func (r *TestReport) TryFindByFullName(fullName string) (TestCaseResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, res := range r.results {
		if res.FullName() == fullName {
			return res, true
		}
	}
	return TestCaseResult{}, false
}

func (r *TestReport) String() string {
	s := r.Stats()
	return fmt.Sprintf("run %s: %d results, %d passed, %d failed, %d ignored, %d system failures (%s)",
		r.runID, s.Total, s.Passed, s.Failed, s.Ignored, s.SystemFailures, r.FinalResult())
}
