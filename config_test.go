package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-harness/agent"
	"github.com/ethereum-optimism/infra/op-harness/flags"
	"github.com/ethereum-optimism/infra/op-harness/monitor"
	"github.com/ethereum-optimism/infra/op-harness/runner"
)

func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var cfgErr error
	app := &cli.App{
		Flags: flags.Flags,
		Action: func(ctx *cli.Context) error {
			cfg, cfgErr = NewConfig(ctx, log.NewLogger(log.DiscardHandler()))
			return nil
		},
	}
	if err := app.Run(append([]string{"op-harness"}, args...)); err != nil {
		return nil, err
	}
	return cfg, cfgErr
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

// TestNewConfigDefaults fills defaults and resolves paths
func TestNewConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t, "--mode", "oneshot", "--test-package", "tests.xap")
	require.NoError(t, err)

	assert.Equal(t, runner.ModeOneShot, cfg.Mode)
	assert.Equal(t, 1, cfg.Agents)
	assert.Equal(t, agent.FlavorChrome, cfg.Flavor)
	assert.Equal(t, monitor.DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, monitor.DefaultStallThreshold, cfg.StallThreshold)
	assert.Equal(t, runner.DefaultStallGrace, cfg.StallGrace)
	assert.Equal(t, runner.DefaultFaultBurst, cfg.TranslationFaultBurst)
	assert.True(t, filepath.IsAbs(cfg.TestPackage))
	assert.True(t, filepath.IsAbs(cfg.LogDir))
	assert.Equal(t, "logs", filepath.Base(cfg.LogDir))
	assert.Empty(t, cfg.RecordDir())
}

// TestNewConfigValidation rejects inconsistent settings
func TestNewConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing mode", args: []string{"--test-package", "a.xap"}, wantErr: "mode"},
		{name: "unknown mode", args: []string{"--mode", "watch", "--test-package", "a.xap"}, wantErr: "unknown mode"},
		{name: "missing package", args: []string{"--mode", "ci"}, wantErr: "test package is required"},
		{name: "unknown browser", args: []string{"--mode", "ci", "--test-package", "a.xap", "--browser", "lynx"}, wantErr: "unknown browser flavor"},
		{name: "no agents", args: []string{"--mode", "ci", "--test-package", "a.xap", "--agents", "0"}, wantErr: "agents must be positive"},
		{name: "zero poll interval", args: []string{"--mode", "ci", "--test-package", "a.xap", "--poll-interval", "0s"}, wantErr: "must be positive"},
		{name: "invalid query string", args: []string{"--mode", "ci", "--test-package", "a.xap", "--query-string", "tag=%zz"}, wantErr: "invalid query string"},
		{name: "self hosted without command", args: []string{"--mode", "ci", "--test-package", "a.xap", "--browser", "selfhosted"}, wantErr: "launch command is required"},
		{name: "missing config file", args: []string{"--mode", "ci", "--config", "/does/not/exist.yaml"}, wantErr: "failed to read config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestNewConfigTransportOnly needs no test package
func TestNewConfigTransportOnly(t *testing.T) {
	cfg, err := parseConfig(t, "--mode", "transport", "--browser", "selfhosted", "--record-envelopes", "--log-dir", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, runner.ModeTransportOnly, cfg.Mode)
	assert.Empty(t, cfg.TestPackage)
	assert.Equal(t, cfg.LogDir, cfg.RecordDir())
}

// TestNewConfigFromFile reads YAML and TOML files with flags taking precedence
func TestNewConfigFromFile(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		contents string
	}{
		{
			name: "config.yaml",
			file: "config.yaml",
			contents: `test-package: suite.xap
agents: 4
browser: firefox
stall-grace: 45s
run-interval: 10m
translation-fault-rate: 0.5
record-envelopes: true
`,
		},
		{
			name: "config.toml",
			file: "config.toml",
			contents: `test_package = "suite.xap"
agents = 4
browser = "firefox"
stall_grace = "45s"
run_interval = "10m"
translation_fault_rate = 0.5
record_envelopes = true
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.contents)

			cfg, err := parseConfig(t, "--mode", "continuous", "--config", path)
			require.NoError(t, err)
			assert.Equal(t, "suite.xap", filepath.Base(cfg.TestPackage))
			assert.Equal(t, 4, cfg.Agents)
			assert.Equal(t, agent.FlavorFirefox, cfg.Flavor)
			assert.Equal(t, 45*time.Second, cfg.StallGrace)
			assert.Equal(t, 10*time.Minute, cfg.RunInterval)
			assert.Equal(t, 0.5, cfg.TranslationFaultRate)
			assert.True(t, cfg.RecordEnvelopes)

			cfg, err = parseConfig(t, "--mode", "continuous", "--config", path, "--agents", "2", "--stall-grace", "5s")
			require.NoError(t, err)
			assert.Equal(t, 2, cfg.Agents)
			assert.Equal(t, 5*time.Second, cfg.StallGrace)
		})
	}
}

// TestLoadFileConfigErrors covers bad durations and unknown file types
func TestLoadFileConfigErrors(t *testing.T) {
	_, err := LoadFileConfig(writeFile(t, "config.yaml", "stall-grace: soon\n"))
	assert.Error(t, err)

	_, err = LoadFileConfig(writeFile(t, "config.toml", "poll_interval = \"3 seconds\"\n"))
	assert.Error(t, err)

	_, err = LoadFileConfig(writeFile(t, "config.json", "{}"))
	assert.ErrorContains(t, err, "unsupported config file type")
}
