package reporting

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-harness/aggregator"
	"github.com/ethereum-optimism/infra/op-harness/events"
)

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}

func resultString(r ResultType) string {
	switch r {
	case ResultPassed:
		return "✓ pass"
	case ResultFailed:
		return "✗ fail"
	case ResultIgnored:
		return "- skip"
	case ResultSystemGeneratedFailure:
		return "! system"
	default:
		return "? unknown"
	}
}

// ConsoleSink prints the report as a table followed by the failure details.
type ConsoleSink struct {
	out   io.Writer
	title string
	// ShowPassed adds a row per passed test; by default only non-passing
	// results are listed.
	ShowPassed bool
}

func NewConsoleSink(out io.Writer, title string) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{out: out, title: title}
}

func (s *ConsoleSink) Emit(_ context.Context, report *TestReport) error {
	_, err := io.WriteString(s.out, s.Format(report))
	return err
}

// Format renders the report without writing it.
func (s *ConsoleSink) Format(report *TestReport) string {
	var buf strings.Builder

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	title := s.title
	if title == "" {
		title = "Test Results"
	}
	if report.TestPackage() != "" {
		title = fmt.Sprintf("%s (%s)", title, report.TestPackage())
	}
	t.SetTitle(title)
	t.AppendHeader(table.Row{"TEST", "INSTANCE", "DURATION", "RESULT"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "TEST", WidthMax: 120, WidthMaxEnforcer: text.WrapSoft},
		{Name: "DURATION", Align: text.AlignRight},
	})

	for _, res := range report.Results() {
		if res.Result == ResultPassed && !s.ShowPassed {
			continue
		}
		t.AppendRow(table.Row{res.FullName(), res.InstanceID, formatDuration(res.Duration()), resultString(res.Result)})
	}

	stats := report.Stats()
	final := report.FinalResult()
	switch {
	case final == Failure:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case stats.Ignored > 0:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	case stats.Total > 0:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	default:
		t.SetStyle(table.StyleDefault)
	}

	t.AppendFooter(table.Row{
		fmt.Sprintf("TOTAL %d  PASSED %d  FAILED %d  IGNORED %d", stats.Total, stats.Passed, stats.Failed, stats.Ignored),
		"",
		formatDuration(report.TimeToComplete()),
		strings.ToUpper(final.String()),
	})
	t.Render()

	failures := report.Failures()
	if len(failures) > 0 {
		buf.WriteString("\nFailures:\n")
		for i, f := range failures {
			fmt.Fprintf(&buf, "%d) %s\n", i+1, f.FullName())
			if msg := f.FailureMessage(); msg != "" {
				fmt.Fprintf(&buf, "   %s\n", strings.ReplaceAll(stripansi.Strip(msg), "\n", "\n   "))
			}
			if f.Exception != nil && f.Exception.StackTrace != "" {
				fmt.Fprintf(&buf, "   %s\n", strings.ReplaceAll(stripansi.Strip(f.Exception.StackTrace), "\n", "\n   "))
			}
		}
	}
	return buf.String()
}

// ConsoleResultHandler prints one line per result as results arrive.
type ConsoleResultHandler struct {
	*aggregator.Mux
	mu    sync.Mutex
	out   io.Writer
	color bool
}

func NewConsoleResultHandler(out io.Writer, color bool) *ConsoleResultHandler {
	if out == nil {
		out = os.Stdout
	}
	h := &ConsoleResultHandler{Mux: aggregator.NewMux("console-result-handler"), out: out, color: color}
	aggregator.Route(h.Mux, func(ev events.MethodPassed) error {
		return h.line(text.FgGreen, "PASS", ev.Method.FullName(), formatDuration(ev.Duration()))
	})
	aggregator.Route(h.Mux, func(ev events.MethodFailed) error {
		return h.line(text.FgRed, "FAIL", ev.Method.FullName(), firstLine(ev.Exception.FullMessage()))
	})
	aggregator.Route(h.Mux, func(ev events.MethodIgnored) error {
		return h.line(text.FgYellow, "SKIP", ev.Method.FullName(), ev.Message)
	})
	aggregator.Route(h.Mux, func(ev events.UnhandledException) error {
		return h.line(text.FgRed, "ERROR", "unhandled exception", firstLine(ev.Exception.FullMessage()))
	})
	aggregator.Route(h.Mux, func(ev events.BlockingDialogDetected) error {
		return h.line(text.FgRed, "DIALOG", ev.Dialog.Title, ev.Dialog.Text)
	})
	return h
}

func (h *ConsoleResultHandler) line(color text.Color, label, name, detail string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.color {
		label = color.Sprint(label)
	}
	detail = stripansi.Strip(detail)
	var err error
	if detail == "" {
		_, err = fmt.Fprintf(h.out, "%-6s %s\n", label, name)
	} else {
		_, err = fmt.Fprintf(h.out, "%-6s %s: %s\n", label, name, detail)
	}
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
