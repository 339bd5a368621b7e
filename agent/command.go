package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Placeholders expanded in CommandLauncher arguments.
const (
	PlaceholderURL      = "{url}"
	PlaceholderInstance = "{instance}"
	PlaceholderFlavor   = "{flavor}"
)

const defaultTerminateGrace = 5 * time.Second

// CommandLauncher starts each agent as an external process, for example a
// browser pointed at the test page.
type CommandLauncher struct {
	command string
	args    []string
	log     log.Logger
	grace   time.Duration

	// cmdBuilder is swapped in tests
	cmdBuilder func(name string, arg ...string) *exec.Cmd

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cmd  *exec.Cmd
	done chan error
}

// ProcessHandle is the Handle returned by CommandLauncher.
type ProcessHandle struct {
	ID  string
	PID int
}

func (h ProcessHandle) InstanceID() string {
	return h.ID
}

// DefaultCommand returns the command line used for a flavor when none is
// configured. The self-hosted flavor has no default.
func DefaultCommand(f Flavor, show bool) (string, []string, bool) {
	var headless []string
	if !show {
		headless = []string{"--headless"}
	}
	switch f {
	case FlavorFirefox:
		return "firefox", append(headless, "--new-instance", PlaceholderURL), true
	case FlavorChrome:
		return "google-chrome", append(headless, "--user-data-dir=/tmp/op-harness-"+PlaceholderInstance, PlaceholderURL), true
	case FlavorEdge:
		return "microsoft-edge", append(headless, "--user-data-dir=/tmp/op-harness-"+PlaceholderInstance, PlaceholderURL), true
	default:
		return "", nil, false
	}
}

// NewCommandLauncher builds a launcher from a command template such as
// "chromium --headless {url}". An empty template selects DefaultCommand.
func NewCommandLauncher(template string, flavor Flavor, show bool, logger log.Logger) (*CommandLauncher, error) {
	if logger == nil {
		logger = log.New()
	}
	var command string
	var args []string
	if fields := strings.Fields(template); len(fields) > 0 {
		command, args = fields[0], fields[1:]
	} else {
		var ok bool
		command, args, ok = DefaultCommand(flavor, show)
		if !ok {
			return nil, fmt.Errorf("a launch command is required for browser flavor %s", flavor)
		}
	}
	return &CommandLauncher{
		command:    command,
		args:       args,
		log:        logger,
		grace:      defaultTerminateGrace,
		cmdBuilder: exec.Command,
		procs:      make(map[string]*process),
	}, nil
}

func expandArgs(args []string, cfg LaunchConfig) []string {
	r := strings.NewReplacer(
		PlaceholderURL, cfg.TestPageURL,
		PlaceholderInstance, cfg.InstanceID,
		PlaceholderFlavor, string(cfg.Flavor),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// LaunchAgent starts the agent process. The process is not bound to ctx; it
// lives until TerminateAgent.
func (l *CommandLauncher) LaunchAgent(ctx context.Context, cfg LaunchConfig) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	_, running := l.procs[cfg.InstanceID]
	l.mu.Unlock()
	if running && !cfg.ForceStart {
		return nil, fmt.Errorf("agent %s is already running", cfg.InstanceID)
	}
	if running {
		if err := l.TerminateAgent(ctx, ProcessHandle{ID: cfg.InstanceID}); err != nil {
			l.log.Warn("Failed to stop previous agent before forced start", "instance", cfg.InstanceID, "err", err)
		}
	}

	args := expandArgs(l.args, cfg)
	cmd := l.cmdBuilder(l.command, args...)
	cmd.Env = append(os.Environ(),
		"OP_HARNESS_INSTANCE="+cfg.InstanceID,
		"OP_HARNESS_TEST_PAGE="+cfg.TestPageURL,
	)
	l.log.Debug("Launching agent", "instance", cfg.InstanceID, "command", l.command, "args", args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.command, err)
	}

	p := &process{cmd: cmd, done: make(chan error, 1)}
	go func() {
		p.done <- cmd.Wait()
		close(p.done)
	}()

	l.mu.Lock()
	l.procs[cfg.InstanceID] = p
	l.mu.Unlock()

	l.log.Info("Agent launched", "instance", cfg.InstanceID, "pid", cmd.Process.Pid)
	return ProcessHandle{ID: cfg.InstanceID, PID: cmd.Process.Pid}, nil
}

// TerminateAgent interrupts the agent process and kills it if it has not
// exited after the grace period.
func (l *CommandLauncher) TerminateAgent(ctx context.Context, h Handle) error {
	if h == nil {
		return errors.New("nil agent handle")
	}
	l.mu.Lock()
	p, ok := l.procs[h.InstanceID()]
	delete(l.procs, h.InstanceID())
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.log.Debug("Failed to signal agent, killing", "instance", h.InstanceID(), "err", err)
	}

	timer := time.NewTimer(l.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill agent %s: %w", h.InstanceID(), err)
	}
	<-p.done
	return nil
}

// Running returns the number of agent processes that have not been terminated.
func (l *CommandLauncher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

var _ Launcher = (*CommandLauncher)(nil)
