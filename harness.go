// Package harness wires the runner, its report sinks and the operational
// endpoints into a cliapp lifecycle service.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/ethereum-optimism/infra/op-harness/agent"
	"github.com/ethereum-optimism/infra/op-harness/reporting"
	"github.com/ethereum-optimism/infra/op-harness/runner"
	"github.com/ethereum-optimism/infra/op-harness/service"
)

// harness implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &harness{}

// harness runs one runner for the lifetime of the process.
type harness struct {
	config  *Config
	version string
	factory *runner.Factory
	runner  *runner.Runner
	svc     *service.Service
	closers []io.Closer

	mu     sync.Mutex
	result *runner.Result
	cancel context.CancelFunc

	running atomic.Bool
	done    chan struct{}

	shutdownCallback func(error) // Callback to signal application shutdown
}

// Options are the dependencies New builds itself unless they are given.
type Options struct {
	Launcher agent.Launcher
	Out      io.Writer
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error), opts Options) (*harness, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		config.Log = log.New()
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}
	config.Log.Debug("Creating harness with config",
		"mode", config.Mode,
		"testPackage", config.TestPackage,
		"agents", config.Agents,
		"browser", config.Flavor,
		"runInterval", config.RunInterval)

	h := &harness{
		config:           config,
		version:          version,
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}

	launcher := opts.Launcher
	if launcher == nil {
		if config.Mode == runner.ModeTransportOnly {
			launcher = noLauncher{}
		} else {
			l, err := agent.NewCommandLauncher(config.LaunchCommand, config.Flavor, config.ShowBrowser, config.Log)
			if err != nil {
				return nil, fmt.Errorf("failed to create agent launcher: %w", err)
			}
			launcher = l
		}
	}

	extensions, err := h.historySinks(ctx)
	if err != nil {
		h.closeAll()
		return nil, err
	}

	// CI output is the TeamCity protocol on stdout, human logs would corrupt it
	runLog := config.Log
	if config.Mode == runner.ModeCI {
		runLog = log.NewLogger(log.DiscardHandler())
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	factory, err := runner.NewFactory(runner.FactoryConfig{
		Log:        runLog,
		Launcher:   launcher,
		ListenAddr: config.ListenAddr,
		TagFilter:  config.TagFilter,
		Settings: runner.Settings{
			Agents:         config.Agents,
			Flavor:         config.Flavor,
			QueryString:    config.QueryString,
			ShowWindow:     config.ShowBrowser,
			ForceStart:     config.ForceStart,
			TestPackage:    config.TestPackage,
			PollInterval:   config.PollInterval,
			StallThreshold: config.StallThreshold,
			StallGrace:     config.StallGrace,
			DialogInterval: config.DialogInterval,
			RunInterval:    config.RunInterval,
			FaultRate:      config.TranslationFaultRate,
			FaultBurst:     config.TranslationFaultBurst,
			RecordDir:      config.RecordDir(),
		},
		Out:        out,
		Color:      config.Mode != runner.ModeCI,
		JUnitFile:  config.JUnitFile,
		LogDir:     config.LogDir,
		Extensions: extensions,
	})
	if err != nil {
		h.closeAll()
		return nil, fmt.Errorf("failed to create runner factory: %w", err)
	}
	r, err := factory.NewRunner(config.Mode)
	if err != nil {
		h.closeAll()
		return nil, err
	}
	h.factory = factory
	h.runner = r

	h.svc = service.New(service.Config{
		Log:            config.Log,
		HealthzAddr:    config.HealthzAddr,
		MetricsAddr:    config.MetricsAddr,
		MetricsEnabled: config.MetricsEnabled,
	})
	h.svc.Healthz.SetStatus(func() string { return r.State().String() })

	config.Log.Info("harness.New: created runner", "mode", config.Mode, "version", version)
	return h, nil
}

func (h *harness) historySinks(ctx context.Context) ([]reporting.Sink, error) {
	var sinks []reporting.Sink
	if h.config.RedisURL != "" {
		client, err := reporting.NewRedisClient(ctx, h.config.RedisURL)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, client)
		sinks = append(sinks, reporting.NewRedisSink(client, h.config.Log))
	}
	if h.config.PostgresDSN != "" {
		pg, err := reporting.NewPostgresSink(ctx, h.config.PostgresDSN, h.config.Log)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, pg)
		sinks = append(sinks, pg)
	}
	return sinks, nil
}

// Start implements the cliapp.Lifecycle interface. One-shot and CI runs
// complete inside Start; continuous and transport-only runners keep running
// until Stop.
func (h *harness) Start(ctx context.Context) error {
	h.done = make(chan struct{})
	h.running.Store(true)

	if err := h.svc.Start(ctx); err != nil {
		h.running.Store(false)
		close(h.done)
		return NewRuntimeError(fmt.Errorf("failed to start service endpoints: %w", err))
	}

	switch h.config.Mode {
	case runner.ModeOneShot, runner.ModeCI:
		h.config.Log.Info("Starting op-harness in run-once mode", "mode", h.config.Mode)
		defer close(h.done)
		res, _ := h.runner.Run(ctx)
		h.setResult(res)
		if err := ResultError(res); err != nil {
			h.config.Log.Warn("Run did not pass", "err", err)
			return err
		}
		h.config.Log.Info("Tests completed, exiting (run-once mode)")
		go h.shutdownCallback(nil)
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	h.config.Log.Info("Starting op-harness", "mode", h.config.Mode, "interval", h.config.RunInterval)
	go func() {
		defer close(h.done)
		res, err := h.runner.Run(runCtx)
		h.setResult(res)
		if err != nil {
			h.config.Log.Error("Runner stopped", "err", err)
			h.shutdownCallback(NewRuntimeError(err))
		}
	}()
	return nil
}

// Stop implements the cliapp.Lifecycle interface.
func (h *harness) Stop(ctx context.Context) error {
	h.config.Log.Info("Stopping op-harness")
	if !h.running.Load() {
		h.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	h.running.Store(false)

	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	select {
	case <-h.done:
	case <-ctx.Done():
		err = fmt.Errorf("runner did not stop: %w", ctx.Err())
	}
	err = errors.Join(err, h.svc.Shutdown(ctx), h.closeAll())
	h.config.Log.Info("op-harness stopped")
	return err
}

// Stopped implements the cliapp.Lifecycle interface.
func (h *harness) Stopped() bool {
	return !h.running.Load()
}

// Result is the outcome of the most recent run, or nil.
func (h *harness) Result() *runner.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *harness) setResult(res *runner.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result = res
}

func (h *harness) closeAll() error {
	var errs []error
	for _, c := range h.closers {
		errs = append(errs, c.Close())
	}
	h.closers = nil
	return errors.Join(errs...)
}

// noLauncher backs the transport-only runner, which never launches agents.
type noLauncher struct{}

func (noLauncher) LaunchAgent(context.Context, agent.LaunchConfig) (agent.Handle, error) {
	return nil, errors.New("agents are not launched in transport mode")
}

func (noLauncher) TerminateAgent(context.Context, agent.Handle) error {
	return nil
}
