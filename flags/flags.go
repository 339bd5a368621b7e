package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-harness/monitor"
	"github.com/ethereum-optimism/infra/op-harness/runner"
)

const EnvVarPrefix = "OP_HARNESS"

var (
	Mode = &cli.StringFlag{
		Name:     "mode",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "MODE"),
		Usage:    "Runner mode: continuous, oneshot, ci or transport",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Path to a YAML or TOML file with default settings. Flags that are set explicitly take precedence",
	}
	TestPackage = &cli.StringFlag{
		Name:    "test-package",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_PACKAGE"),
		Usage:   "Path to the test bundle the agents load. Watched for changes in continuous mode",
	}
	Agents = &cli.IntFlag{
		Name:    "agents",
		Value:   1,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "AGENTS"),
		Usage:   "Number of agents to run in parallel",
	}
	Browser = &cli.StringFlag{
		Name:    "browser",
		Value:   "chrome",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BROWSER"),
		Usage:   "Agent flavor: selfhosted, firefox, chrome or edge",
	}
	LaunchCommand = &cli.StringFlag{
		Name:    "launch-command",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LAUNCH_COMMAND"),
		Usage:   "Command template used to start an agent, e.g. 'chromium --headless {url}'. Supports {url}, {instance} and {flavor}",
	}
	ShowBrowser = &cli.BoolFlag{
		Name:    "show-browser",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_BROWSER"),
		Usage:   "Show the agent window instead of running headless",
	}
	ForceBrowserStart = &cli.BoolFlag{
		Name:    "force-browser-start",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FORCE_BROWSER_START"),
		Usage:   "Start a new agent process even if one is already running",
	}
	QueryString = &cli.StringFlag{
		Name:    "query-string",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "QUERY_STRING"),
		Usage:   "Query string appended to the test page URL",
	}
	TagFilter = &cli.StringFlag{
		Name:    "tag-filter",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TAG_FILTER"),
		Usage:   "Test tag expression handed to agents through the client configuration",
	}
	ListenAddr = &cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:0",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LISTEN_ADDR"),
		Usage:   "Address the agent transport listens on",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz-addr",
		Value:   "0.0.0.0:8080",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Address of the /healthz endpoint",
	}
	PollInterval = &cli.DurationFlag{
		Name:    "poll-interval",
		Value:   monitor.DefaultPollInterval,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "POLL_INTERVAL"),
		Usage:   "How often agent communication is checked",
	}
	StallThreshold = &cli.DurationFlag{
		Name:    "stall-threshold",
		Value:   monitor.DefaultStallThreshold,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STALL_THRESHOLD"),
		Usage:   "Silence after which an agent is considered stalled",
	}
	StallGrace = &cli.DurationFlag{
		Name:    "stall-grace",
		Value:   runner.DefaultStallGrace,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STALL_GRACE"),
		Usage:   "How long a stalled agent may take to recover before the run faults",
	}
	DialogInterval = &cli.DurationFlag{
		Name:    "dialog-interval",
		Value:   monitor.DefaultDialogInterval,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DIALOG_INTERVAL"),
		Usage:   "How often agent hosts are checked for blocking dialogs",
	}
	TranslationFaultRate = &cli.Float64Flag{
		Name:    "translation-fault-rate",
		Value:   runner.DefaultFaultRate,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TRANSLATION_FAULT_RATE"),
		Usage:   "Sustained rate of malformed envelopes per second tolerated before the run faults",
	}
	TranslationFaultBurst = &cli.IntFlag{
		Name:    "translation-fault-burst",
		Value:   runner.DefaultFaultBurst,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TRANSLATION_FAULT_BURST"),
		Usage:   "Number of malformed envelopes tolerated in a burst",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Re-run interval in continuous mode (e.g. '30m'). 0 re-runs on test package changes only",
	}
	JUnitFile = &cli.StringFlag{
		Name:    "junit-file",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "JUNIT_FILE"),
		Usage:   "Write a JUnit XML report of every run to this path",
	}
	RedisURL = &cli.StringFlag{
		Name:    "redis-url",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REDIS_URL"),
		Usage:   "Store run history in Redis (e.g. 'redis://localhost:6379/0')",
	}
	PostgresDSN = &cli.StringFlag{
		Name:    "postgres-dsn",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "POSTGRES_DSN"),
		Usage:   "Store run history in Postgres",
	}
	LogDir = &cli.StringFlag{
		Name:    "log-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOG_DIR"),
		Usage:   "Directory for per-run summaries and envelope recordings. Defaults to 'logs'",
	}
	RecordEnvelopes = &cli.BoolFlag{
		Name:    "record-envelopes",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RECORD_ENVELOPES"),
		Usage:   "Record every accepted envelope under the log directory",
	}
)

var requiredFlags = []cli.Flag{
	Mode,
}

var optionalFlags = []cli.Flag{
	ConfigFile,
	TestPackage,
	Agents,
	Browser,
	LaunchCommand,
	ShowBrowser,
	ForceBrowserStart,
	QueryString,
	TagFilter,
	ListenAddr,
	HealthzAddr,
	PollInterval,
	StallThreshold,
	StallGrace,
	DialogInterval,
	TranslationFaultRate,
	TranslationFaultBurst,
	RunInterval,
	JUnitFile,
	RedisURL,
	PostgresDSN,
	LogDir,
	RecordEnvelopes,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
