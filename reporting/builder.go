package reporting

import (
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-harness/aggregator"
	"github.com/ethereum-optimism/infra/op-harness/envelope"
	"github.com/ethereum-optimism/infra/op-harness/events"
)

// ReportBuilder is the listener that appends result events to a TestReport.
// Reports are only mutated from inside event dispatch.
type ReportBuilder struct {
	*aggregator.Mux
	report *TestReport
	now    func() time.Time
}

func NewReportBuilder(report *TestReport, now func() time.Time) *ReportBuilder {
	if now == nil {
		now = time.Now
	}
	b := &ReportBuilder{
		Mux:    aggregator.NewMux("report-builder"),
		report: report,
		now:    now,
	}
	aggregator.Route(b.Mux, b.onPassed)
	aggregator.Route(b.Mux, b.onFailed)
	aggregator.Route(b.Mux, b.onIgnored)
	aggregator.Route(b.Mux, b.onUnhandledException)
	aggregator.Route(b.Mux, b.onBlockingDialog)
	return b
}

func (b *ReportBuilder) Report() *TestReport {
	return b.report
}

func (b *ReportBuilder) onPassed(ev events.MethodPassed) error {
	b.report.AddResult(TestCaseResult{
		InstanceID: ev.InstanceID,
		Method:     ev.Method,
		Result:     ResultPassed,
		Started:    ev.Started,
		Finished:   ev.Finished,
	}, b.now())
	return nil
}

func (b *ReportBuilder) onFailed(ev events.MethodFailed) error {
	exc := ev.Exception
	b.report.AddResult(TestCaseResult{
		InstanceID: ev.InstanceID,
		Method:     ev.Method,
		Result:     ResultFailed,
		Started:    ev.Started,
		Finished:   ev.Finished,
		Message:    exc.Message,
		Exception:  &exc,
	}, b.now())
	return nil
}

func (b *ReportBuilder) onIgnored(ev events.MethodIgnored) error {
	b.report.AddResult(TestCaseResult{
		InstanceID: ev.InstanceID,
		Method:     ev.Method,
		Result:     ResultIgnored,
		Finished:   ev.Finished,
		Message:    ev.Message,
	}, b.now())
	return nil
}

func (b *ReportBuilder) onUnhandledException(ev events.UnhandledException) error {
	exc := ev.Exception
	b.report.AddResult(TestCaseResult{
		InstanceID: ev.InstanceID,
		Name:       "UnhandledException",
		Result:     ResultSystemGeneratedFailure,
		Finished:   ev.At,
		Message:    exc.Message,
		Exception:  &exc,
	}, b.now())
	return nil
}

func (b *ReportBuilder) onBlockingDialog(ev events.BlockingDialogDetected) error {
	b.report.AddResult(TestCaseResult{
		InstanceID: ev.InstanceID,
		Name:       fmt.Sprintf("BlockingDialog: %s", ev.Dialog.Title),
		Result:     ResultSystemGeneratedFailure,
		Finished:   ev.At,
		Message:    dialogMessage(ev.Dialog),
		Exception:  &envelope.ExceptionInfo{Type: ev.Dialog.Kind.String(), Message: dialogMessage(ev.Dialog)},
	}, b.now())
	return nil
}

func dialogMessage(d events.Dialog) string {
	if d.Text == "" {
		return fmt.Sprintf("a blocking %s dialog %q was shown", d.Kind, d.Title)
	}
	return fmt.Sprintf("a blocking %s dialog %q was shown: %s", d.Kind, d.Title, d.Text)
}
