package reporting

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/acarl005/stripansi"
)

var teamCityEscaper = strings.NewReplacer(
	"|", "||",
	"'", "|'",
	"\n", "|n",
	"\r", "|r",
	"[", "|[",
	"]", "|]",
)

// TeamCityEscape escapes a value for use inside a service message attribute.
func TeamCityEscape(s string) string {
	return teamCityEscaper.Replace(stripansi.Strip(s))
}

// TeamCitySink writes the report as TeamCity service messages, the CI
// reporting protocol.
type TeamCitySink struct {
	out io.Writer
}

func NewTeamCitySink(out io.Writer) *TeamCitySink {
	if out == nil {
		out = os.Stdout
	}
	return &TeamCitySink{out: out}
}

func (s *TeamCitySink) Emit(_ context.Context, report *TestReport) error {
	w := &tcWriter{out: s.out}
	suite := report.TestPackage()
	if suite == "" {
		suite = "op-harness"
	}
	w.message("testSuiteStarted", "name", suite)
	for _, res := range report.Results() {
		name := res.FullName()
		w.message("testStarted", "name", name, "captureStandardOutput", "false")
		switch res.Result {
		case ResultIgnored:
			w.message("testIgnored", "name", name, "message", res.Message)
		case ResultFailed, ResultSystemGeneratedFailure:
			details := ""
			if res.Exception != nil {
				details = res.Exception.StackTrace
			}
			w.message("testFailed", "name", name, "message", res.FailureMessage(), "details", details)
		}
		w.message("testFinished", "name", name, "duration", fmt.Sprintf("%d", res.Duration().Milliseconds()))
	}
	w.message("testSuiteFinished", "name", suite)
	return w.err
}

type tcWriter struct {
	out io.Writer
	err error
}

func (w *tcWriter) message(name string, attrs ...string) {
	if w.err != nil {
		return
	}
	var b strings.Builder
	b.WriteString("##teamcity[")
	b.WriteString(name)
	for i := 0; i+1 < len(attrs); i += 2 {
		fmt.Fprintf(&b, " %s='%s'", attrs[i], TeamCityEscape(attrs[i+1]))
	}
	b.WriteString("]\n")
	_, w.err = io.WriteString(w.out, b.String())
}
