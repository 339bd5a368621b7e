package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "harness"
)

var (
	Debug                bool = true
	validResults              = []string{"success", "failure", "faulted"}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "events_published_total",
		Help:      "Count of events published on the event aggregator",
	}, []string{
		"kind",
	})

	dispatchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "dispatch_failures_total",
		Help:      "Count of listener errors and panics during dispatch",
	}, []string{
		"listener",
		"kind",
	})

	envelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "envelopes_total",
		Help:      "Count of envelopes accepted from agents, by translation outcome",
	}, []string{
		"outcome",
	})

	translationFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "translation_faults_total",
		Help:      "Count of envelopes that matched a rule but failed translation",
	}, []string{
		"rule",
	})

	communicationTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "communication_timeouts_total",
		Help:      "Count of agent stall episodes",
	}, []string{
		"instance",
	})

	dialogsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "dialogs_total",
		Help:      "Count of blocking dialogs found on agent hosts",
	}, []string{
		"kind",
		"dismissed",
	})

	agentLaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "agent_launches_total",
		Help:      "Count of agent launch attempts",
	}, []string{
		"flavor",
		"result",
	})

	agentVersionMismatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "agent_version_mismatch_total",
		Help:      "Count of agents reporting an incompatible protocol version",
	}, []string{
		"version",
	})

	runnerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "runner_state",
		Help:      "Current runner state, one series per state set to 1 when active",
	}, []string{
		"mode",
		"state",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of test runs",
	}, []string{
		"mode",
		"run_id",
		"result",
	})

	runTestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_tests_total",
		Help:      "Total number of test results received",
	}, []string{
		"mode",
	})

	runTestsPassed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_tests_passed",
		Help:      "Number of passed tests",
	}, []string{
		"mode",
	})

	runTestsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_tests_failed",
		Help:      "Number of failed tests",
	}, []string{
		"mode",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall clock duration of the last run",
	}, []string{
		"mode",
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordEventPublished(kind string) {
	eventsPublishedTotal.WithLabelValues(kind).Inc()
}

func RecordDispatchFailure(listener string, kind string) {
	if Debug {
		log.Debug("metric inc",
			"m", "dispatch_failures_total",
			"listener", listener,
			"kind", kind,
		)
	}
	dispatchFailuresTotal.WithLabelValues(listener, kind).Inc()
}

// RecordEnvelope counts an accepted envelope. outcome is one of "translated",
// "ignored" or "fault".
func RecordEnvelope(outcome string) {
	envelopesTotal.WithLabelValues(outcome).Inc()
}

func RecordTranslationFault(rule string) {
	translationFaultsTotal.WithLabelValues(rule).Inc()
}

func RecordCommunicationTimeout(instance string) {
	if Debug {
		log.Debug("metric inc",
			"m", "communication_timeouts_total",
			"instance", instance,
		)
	}
	communicationTimeoutsTotal.WithLabelValues(instance).Inc()
}

func RecordDialog(kind string, dismissed bool) {
	dialogsTotal.WithLabelValues(kind, fmt.Sprintf("%t", dismissed)).Inc()
}

func RecordAgentLaunch(flavor string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	agentLaunchesTotal.WithLabelValues(flavor, result).Inc()
}

func RecordAgentVersionMismatch(version string) {
	agentVersionMismatchTotal.WithLabelValues(version).Inc()
}

// RecordRunnerState marks state as the active state for mode.
func RecordRunnerState(mode string, state string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		runnerState.WithLabelValues(mode, s).Set(v)
	}
}

func RecordRun(
	mode string,
	runID string,
	result string,
	total int,
	passed int,
	failed int,
	duration time.Duration,
) {
	if !isValidResult(result) {
		log.Error("RecordRun - invalid result", "result", result)
		return
	}
	runResults.WithLabelValues(mode, runID, result).Set(1)
	runTestsTotal.WithLabelValues(mode).Add(float64(total))
	runTestsPassed.WithLabelValues(mode).Add(float64(passed))
	runTestsFailed.WithLabelValues(mode).Add(float64(failed))
	runDuration.WithLabelValues(mode, runID).Set(duration.Seconds())
}

func isValidResult(result string) bool {
	return slices.Contains(validResults, result)
}
