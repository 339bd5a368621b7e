package harness

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-harness/agent"
	"github.com/ethereum-optimism/infra/op-harness/flags"
	"github.com/ethereum-optimism/infra/op-harness/runner"
)

// Config holds the application configuration
type Config struct {
	Mode          runner.Mode
	TestPackage   string
	Agents        int
	Flavor        agent.Flavor
	LaunchCommand string
	ShowBrowser   bool
	ForceStart    bool
	QueryString   string
	TagFilter     string
	ListenAddr    string
	HealthzAddr   string

	PollInterval          time.Duration // How often agent communication is checked
	StallThreshold        time.Duration // Silence before an agent counts as stalled
	StallGrace            time.Duration // Time a stalled agent gets to recover
	DialogInterval        time.Duration
	RunInterval           time.Duration // Continuous mode re-run interval, 0 watches the package only
	TranslationFaultRate  float64
	TranslationFaultBurst int

	JUnitFile       string
	RedisURL        string
	PostgresDSN     string
	LogDir          string // Directory for run summaries and envelope recordings
	RecordEnvelopes bool

	MetricsEnabled bool
	MetricsAddr    string

	Log log.Logger
}

// Duration is a time.Duration read from text, such as "30s" in a TOML or
// YAML config file.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// FileConfig is the optional config file. Zero values leave the flag
// defaults in place.
type FileConfig struct {
	TestPackage           string   `yaml:"test-package" toml:"test_package"`
	Agents                int      `yaml:"agents" toml:"agents"`
	Browser               string   `yaml:"browser" toml:"browser"`
	LaunchCommand         string   `yaml:"launch-command" toml:"launch_command"`
	ShowBrowser           bool     `yaml:"show-browser" toml:"show_browser"`
	ForceBrowserStart     bool     `yaml:"force-browser-start" toml:"force_browser_start"`
	QueryString           string   `yaml:"query-string" toml:"query_string"`
	TagFilter             string   `yaml:"tag-filter" toml:"tag_filter"`
	ListenAddr            string   `yaml:"listen-addr" toml:"listen_addr"`
	PollInterval          Duration `yaml:"poll-interval" toml:"poll_interval"`
	StallThreshold        Duration `yaml:"stall-threshold" toml:"stall_threshold"`
	StallGrace            Duration `yaml:"stall-grace" toml:"stall_grace"`
	DialogInterval        Duration `yaml:"dialog-interval" toml:"dialog_interval"`
	RunInterval           Duration `yaml:"run-interval" toml:"run_interval"`
	TranslationFaultRate  float64  `yaml:"translation-fault-rate" toml:"translation_fault_rate"`
	TranslationFaultBurst int      `yaml:"translation-fault-burst" toml:"translation_fault_burst"`
	JUnitFile             string   `yaml:"junit-file" toml:"junit_file"`
	RedisURL              string   `yaml:"redis-url" toml:"redis_url"`
	PostgresDSN           string   `yaml:"postgres-dsn" toml:"postgres_dsn"`
	LogDir                string   `yaml:"log-dir" toml:"log_dir"`
	RecordEnvelopes       bool     `yaml:"record-envelopes" toml:"record_envelopes"`
}

// LoadFileConfig reads a YAML (.yaml, .yml) or TOML (.toml) config file.
func LoadFileConfig(path string) (*FileConfig, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := new(FileConfig)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(contents, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(contents), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse toml config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file type %q, use .yaml, .yml or .toml", filepath.Ext(path))
	}
	return cfg, nil
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	file := new(FileConfig)
	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		var err error
		if file, err = LoadFileConfig(path); err != nil {
			return nil, err
		}
	}
	// explicitly set flags win over the file, the file wins over flag defaults
	str := func(f *cli.StringFlag, fromFile string) string {
		if fromFile != "" && !ctx.IsSet(f.Name) {
			return fromFile
		}
		return ctx.String(f.Name)
	}
	boolean := func(f *cli.BoolFlag, fromFile bool) bool {
		if !ctx.IsSet(f.Name) {
			return fromFile || ctx.Bool(f.Name)
		}
		return ctx.Bool(f.Name)
	}
	integer := func(f *cli.IntFlag, fromFile int) int {
		if fromFile != 0 && !ctx.IsSet(f.Name) {
			return fromFile
		}
		return ctx.Int(f.Name)
	}
	duration := func(f *cli.DurationFlag, fromFile Duration) time.Duration {
		if fromFile != 0 && !ctx.IsSet(f.Name) {
			return time.Duration(fromFile)
		}
		return ctx.Duration(f.Name)
	}

	mode, err := runner.ParseMode(ctx.String(flags.Mode.Name))
	if err != nil {
		return nil, err
	}
	flavor, err := agent.ParseFlavor(str(flags.Browser, file.Browser))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:                  mode,
		TestPackage:           str(flags.TestPackage, file.TestPackage),
		Agents:                integer(flags.Agents, file.Agents),
		Flavor:                flavor,
		LaunchCommand:         str(flags.LaunchCommand, file.LaunchCommand),
		ShowBrowser:           boolean(flags.ShowBrowser, file.ShowBrowser),
		ForceStart:            boolean(flags.ForceBrowserStart, file.ForceBrowserStart),
		QueryString:           str(flags.QueryString, file.QueryString),
		TagFilter:             str(flags.TagFilter, file.TagFilter),
		ListenAddr:            str(flags.ListenAddr, file.ListenAddr),
		HealthzAddr:           ctx.String(flags.HealthzAddr.Name),
		PollInterval:          duration(flags.PollInterval, file.PollInterval),
		StallThreshold:        duration(flags.StallThreshold, file.StallThreshold),
		StallGrace:            duration(flags.StallGrace, file.StallGrace),
		DialogInterval:        duration(flags.DialogInterval, file.DialogInterval),
		RunInterval:           duration(flags.RunInterval, file.RunInterval),
		TranslationFaultRate:  ctx.Float64(flags.TranslationFaultRate.Name),
		TranslationFaultBurst: integer(flags.TranslationFaultBurst, file.TranslationFaultBurst),
		JUnitFile:             str(flags.JUnitFile, file.JUnitFile),
		RedisURL:              str(flags.RedisURL, file.RedisURL),
		PostgresDSN:           str(flags.PostgresDSN, file.PostgresDSN),
		LogDir:                str(flags.LogDir, file.LogDir),
		RecordEnvelopes:       boolean(flags.RecordEnvelopes, file.RecordEnvelopes),
		Log:                   log,
	}
	if file.TranslationFaultRate != 0 && !ctx.IsSet(flags.TranslationFaultRate.Name) {
		cfg.TranslationFaultRate = file.TranslationFaultRate
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	cfg.MetricsEnabled = metricsCfg.Enabled
	cfg.MetricsAddr = net.JoinHostPort(metricsCfg.ListenAddr, strconv.Itoa(metricsCfg.ListenPort))

	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates the settings of the selected mode.
func (c *Config) Check() error {
	if c.Mode != runner.ModeTransportOnly && c.TestPackage == "" {
		return fmt.Errorf("a test package is required in %s mode", c.Mode)
	}
	if c.Agents <= 0 {
		return fmt.Errorf("agents must be positive, got %d", c.Agents)
	}
	if c.PollInterval <= 0 || c.StallThreshold <= 0 || c.DialogInterval <= 0 {
		return errors.New("poll, stall and dialog intervals must be positive")
	}
	if c.StallGrace < 0 || c.RunInterval < 0 {
		return errors.New("stall grace and run interval must not be negative")
	}
	if c.TranslationFaultRate <= 0 || c.TranslationFaultBurst <= 0 {
		return errors.New("translation fault rate and burst must be positive")
	}
	if _, err := url.ParseQuery(strings.TrimPrefix(c.QueryString, "?")); err != nil {
		return fmt.Errorf("invalid query string %q: %w", c.QueryString, err)
	}
	if c.Mode != runner.ModeTransportOnly && c.Flavor == agent.FlavorSelfHosted && c.LaunchCommand == "" {
		return errors.New("a launch command is required for self-hosted agents")
	}
	return nil
}

func (c *Config) resolvePaths() error {
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	for _, p := range []*string{&c.TestPackage, &c.JUnitFile, &c.LogDir} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for '%s': %w", *p, err)
		}
		*p = abs
	}
	return nil
}

// RecordDir is the envelope recording directory, or empty when recording is
// off.
func (c *Config) RecordDir() string {
	if !c.RecordEnvelopes {
		return ""
	}
	return c.LogDir
}
