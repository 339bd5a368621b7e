package reporting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/jstemmer/go-junit-report/v2/junit"
)

// JUnitSink writes the report as a JUnit XML file, one testsuite per class.
type JUnitSink struct {
	path     string
	hostname string
}

func NewJUnitSink(path string) *JUnitSink {
	hostname, _ := os.Hostname()
	return &JUnitSink{path: path, hostname: hostname}
}

func (s *JUnitSink) Emit(_ context.Context, report *TestReport) error {
	suites := BuildJUnit(report, s.hostname)
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create junit directory: %w", err)
	}
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create junit file %s: %w", s.path, err)
	}
	defer f.Close()
	if err := suites.WriteXML(f); err != nil {
		return fmt.Errorf("failed to write junit file %s: %w", s.path, err)
	}
	return f.Close()
}

// BuildJUnit converts a report into JUnit test suites grouped by class.
func BuildJUnit(report *TestReport, hostname string) junit.Testsuites {
	byClass := make(map[string]*junit.Testsuite)
	durations := make(map[string]time.Duration)
	var order []string
	for _, res := range report.Results() {
		class := res.Method.Class
		if res.Method.Namespace != "" {
			class = res.Method.Namespace + "." + res.Method.Class
		}
		if class == "" {
			class = "harness"
		}
		suite, ok := byClass[class]
		if !ok {
			suite = &junit.Testsuite{
				Name:     class,
				ID:       len(order),
				Hostname: hostname,
				Package:  report.TestPackage(),
			}
			suite.SetTimestamp(report.Started())
			byClass[class] = suite
			order = append(order, class)
		}
		suite.AddTestcase(junitCase(class, res))
		durations[class] += res.Duration()
	}

	out := junit.Testsuites{Name: report.RunID(), Time: junitSeconds(report.TimeToComplete())}
	for _, class := range order {
		suite := byClass[class]
		suite.Time = junitSeconds(durations[class])
		out.AddSuite(*suite)
	}
	return out
}

func junitCase(class string, res TestCaseResult) junit.Testcase {
	name := res.Method.Method
	if name == "" {
		name = res.Name
	}
	tc := junit.Testcase{
		Name:      name,
		Classname: class,
		Time:      junitSeconds(res.Duration()),
	}
	switch res.Result {
	case ResultIgnored:
		tc.Skipped = &junit.Result{Message: stripansi.Strip(res.Message)}
	case ResultFailed:
		tc.Failure = junitResult(res)
	case ResultSystemGeneratedFailure:
		tc.Error = junitResult(res)
	}
	return tc
}

func junitResult(res TestCaseResult) *junit.Result {
	r := &junit.Result{Message: stripansi.Strip(res.FailureMessage())}
	if res.Exception != nil {
		r.Type = res.Exception.Type
		r.Data = stripansi.Strip(res.Exception.StackTrace)
	}
	return r
}

func junitSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
