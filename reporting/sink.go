package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Sink consumes a finished report. Emit is called once per run, while the
// runner is draining.
type Sink interface {
	Emit(ctx context.Context, report *TestReport) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, report *TestReport) error

func (f SinkFunc) Emit(ctx context.Context, report *TestReport) error {
	return f(ctx, report)
}

// NoopSink discards reports.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, *TestReport) error {
	return nil
}

// MultiSink emits to every sink in order and joins their errors. A failing
// sink does not prevent the others from running.
type MultiSink struct {
	log   log.Logger
	sinks []Sink
}

func NewMultiSink(logger log.Logger, sinks ...Sink) *MultiSink {
	if logger == nil {
		logger = log.New()
	}
	return &MultiSink{log: logger, sinks: sinks}
}

func (m *MultiSink) Add(s Sink) {
	m.sinks = append(m.sinks, s)
}

func (m *MultiSink) Len() int {
	return len(m.sinks)
}

func (m *MultiSink) Emit(ctx context.Context, report *TestReport) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, report); err != nil {
			m.log.Error("Report sink failed", "sink", fmt.Sprintf("%T", s), "run", report.RunID(), "err", err)
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Snapshot is the serialized form of a report stored by the history sinks.
type Snapshot struct {
	RunID          string           `json:"runId"`
	TestPackage    string           `json:"testPackage,omitempty"`
	Started        time.Time        `json:"started"`
	Completed      time.Time        `json:"completed"`
	Result         string           `json:"result"`
	Total          int              `json:"total"`
	Passed         int              `json:"passed"`
	Failed         int              `json:"failed"`
	Ignored        int              `json:"ignored"`
	SystemFailures int              `json:"systemFailures"`
	TimeToComplete time.Duration    `json:"timeToComplete"`
	Results        []SnapshotResult `json:"results"`
}

type SnapshotResult struct {
	Name       string        `json:"name"`
	InstanceID string        `json:"instance,omitempty"`
	Result     string        `json:"result"`
	Duration   time.Duration `json:"duration"`
	Message    string        `json:"message,omitempty"`
}

func NewSnapshot(report *TestReport) Snapshot {
	s := report.Stats()
	snap := Snapshot{
		RunID:          report.RunID(),
		TestPackage:    report.TestPackage(),
		Started:        report.Started(),
		Completed:      report.Completed(),
		Result:         report.FinalResult().String(),
		Total:          s.Total,
		Passed:         s.Passed,
		Failed:         s.Failed,
		Ignored:        s.Ignored,
		SystemFailures: s.SystemFailures,
		TimeToComplete: report.TimeToComplete(),
	}
	for _, res := range report.Results() {
		sr := SnapshotResult{
			Name:       res.FullName(),
			InstanceID: res.InstanceID,
			Result:     res.Result.String(),
			Duration:   res.Duration(),
		}
		if res.Result.IsFailure() || res.Result == ResultIgnored {
			sr.Message = res.FailureMessage()
		}
		snap.Results = append(snap.Results, sr)
	}
	return snap
}
