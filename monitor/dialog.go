package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/clock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/events"
	"github.com/ethereum-optimism/infra/op-harness/metrics"
)

const DefaultDialogInterval = 5 * time.Second

// DialogProbe looks for a modal window on an agent host. Implementations are
// platform specific and live outside the core.
type DialogProbe interface {
	// Detect returns the blocking dialog currently shown, or nil.
	Detect(ctx context.Context) (*events.Dialog, error)
	Dismiss(ctx context.Context, d events.Dialog) error
}

// DialogDismissError is published inside DialogDismissFailed when a detected
// dialog could not be closed.
type DialogDismissError struct {
	InstanceID string
	Dialog     events.Dialog
	Err        error
}

func (e *DialogDismissError) Error() string {
	target := e.InstanceID
	if target == "" {
		target = "host"
	}
	return fmt.Sprintf("failed to dismiss %s dialog %q on %s: %v", e.Dialog.Kind, e.Dialog.Title, target, e.Err)
}

func (e *DialogDismissError) Unwrap() error {
	return e.Err
}

// DialogMonitor watches one target for one kind of dialog.
type DialogMonitor struct {
	instanceID string
	kind       events.DialogKind
	probe      DialogProbe
}

// NewMessageBoxMonitor watches the window of a single agent instance.
func NewMessageBoxMonitor(instanceID string, probe DialogProbe) *DialogMonitor {
	return &DialogMonitor{instanceID: instanceID, kind: events.DialogMessageBox, probe: probe}
}

// NewDebugAssertMonitor watches the whole host for debug assertion dialogs.
// The events it produces are not attributed to an instance.
func NewDebugAssertMonitor(probe DialogProbe) *DialogMonitor {
	return &DialogMonitor{kind: events.DialogDebugAssert, probe: probe}
}

func (m *DialogMonitor) InstanceID() string {
	return m.instanceID
}

func (m *DialogMonitor) Kind() events.DialogKind {
	return m.kind
}

type DialogConfig struct {
	Log      log.Logger
	Clock    clock.Clock
	Interval time.Duration
}

// DialogMonitorRunner polls a set of dialog monitors. A detected dialog is
// published as BlockingDialogDetected and then dismissed; a failed dismissal
// is published as DialogDismissFailed for the runner to act on.
type DialogMonitorRunner struct {
	log    log.Logger
	clock  clock.Clock
	pub    Publisher
	poller *poller

	mu       sync.Mutex
	monitors []*DialogMonitor
}

func NewDialogMonitorRunner(cfg DialogConfig, pub Publisher, monitors ...*DialogMonitor) *DialogMonitorRunner {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDialogInterval
	}
	r := &DialogMonitorRunner{
		log:      cfg.Log,
		clock:    cfg.Clock,
		pub:      pub,
		monitors: monitors,
	}
	r.poller = newPoller(cfg.Clock, cfg.Interval, func(ctx context.Context) {
		if err := r.Check(ctx); err != nil {
			r.log.Warn("Dialog check failed", "err", err)
		}
	})
	return r
}

func (r *DialogMonitorRunner) Add(m *DialogMonitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors = append(r.monitors, m)
}

// Remove drops every monitor attached to instanceID.
func (r *DialogMonitorRunner) Remove(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.monitors[:0:0]
	for _, m := range r.monitors {
		if m.instanceID != instanceID {
			kept = append(kept, m)
		}
	}
	r.monitors = kept
}

func (r *DialogMonitorRunner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

// Check polls every monitor once. Probe errors are logged and skipped. The
// returned error joins the dismiss failures of this pass.
func (r *DialogMonitorRunner) Check(ctx context.Context) error {
	r.mu.Lock()
	monitors := append([]*DialogMonitor(nil), r.monitors...)
	r.mu.Unlock()

	var errs []error
	for _, m := range monitors {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.checkOne(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *DialogMonitorRunner) checkOne(ctx context.Context, m *DialogMonitor) error {
	found, err := m.probe.Detect(ctx)
	if err != nil {
		r.log.Debug("Dialog probe failed", "instance", m.instanceID, "kind", m.kind, "err", err)
		return nil
	}
	if found == nil {
		return nil
	}
	d := *found
	d.Kind = m.kind

	r.log.Warn("Blocking dialog detected", "instance", m.instanceID, "kind", d.Kind, "title", d.Title)
	if err := r.pub.Publish(events.BlockingDialogDetected{InstanceID: m.instanceID, Dialog: d, At: r.clock.Now()}); err != nil {
		r.log.Error("Failed to publish dialog detection", "instance", m.instanceID, "err", err)
	}

	if err := m.probe.Dismiss(ctx, d); err != nil {
		metrics.RecordDialog(d.Kind.String(), false)
		dismissErr := &DialogDismissError{InstanceID: m.instanceID, Dialog: d, Err: err}
		r.log.Error("Failed to dismiss blocking dialog", "instance", m.instanceID, "kind", d.Kind, "err", err)
		if err := r.pub.Publish(events.DialogDismissFailed{InstanceID: m.instanceID, Dialog: d, Err: dismissErr, At: r.clock.Now()}); err != nil {
			r.log.Error("Failed to publish dismiss failure", "instance", m.instanceID, "err", err)
		}
		return dismissErr
	}
	metrics.RecordDialog(d.Kind.String(), true)
	return nil
}

func (r *DialogMonitorRunner) Start(ctx context.Context) {
	if r.poller.start(ctx) {
		r.log.Debug("Dialog monitor started", "monitors", r.Len(), "interval", r.poller.interval)
	}
}

func (r *DialogMonitorRunner) Stop() {
	r.poller.stop()
}
