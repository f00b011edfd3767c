package buildvm

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrConfiguration is matched by every construction-time configuration error.
	ErrConfiguration      = errors.New("build VM configuration error")
	ErrServerDirMissing   = errors.New("build VM directory does not exist")
	ErrVagrantfileMissing = errors.New("build VM directory has no Vagrantfile")
	ErrBoxFileMissing     = errors.New("box file does not exist")

	ErrConnectLibvirt = errors.New("failed to connect to libvirt")
	ErrNoProvider     = errors.New("cannot determine build VM provider")
	ErrNoInstanceID   = errors.New("build VM has no instance id")

	// ErrLifecycle is matched by every *LifecycleError.
	ErrLifecycle = errors.New("build VM lifecycle error")
)

// LifecycleError reports a failed lifecycle operation. Err is the underlying
// tool or daemon failure.
type LifecycleError struct {
	Op string
	VM string
	// Detail is supplementary, best-effort context such as the VM status.
	Detail string
	Err    error
}

func (e *LifecycleError) Error() string {
	msg := fmt.Sprintf("build VM '%s': %s failed", e.VM, e.Op)
	if e.Detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *LifecycleError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrLifecycle}
	}
	return []error{e.Err, ErrLifecycle}
}

func lifecycleError(op, vm string, err error) *LifecycleError {
	return &LifecycleError{Op: op, VM: vm, Err: err}
}

func configError(err error, detail string) error {
	return errors.Join(err, errors.New(detail), ErrConfiguration)
}

// CleanupStep is the outcome of one best-effort step.
type CleanupStep struct {
	Name string
	Err  error
}

// CleanupReport lists best-effort steps in execution order.
type CleanupReport []CleanupStep

// Failed returns the steps that returned an error.
func (r CleanupReport) Failed() []CleanupStep {
	var failed []CleanupStep
	for _, s := range r {
		if s.Err != nil {
			failed = append(failed, s)
		}
	}
	return failed
}

// Err joins the errors of the failed steps, or returns nil.
func (r CleanupReport) Err() error {
	errs := make([]error, 0, len(r))
	for _, s := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, s.Err))
	}
	return errors.Join(errs...)
}

// cleanup runs best-effort steps and records their outcome. Failures are
// logged and never returned.
type cleanup struct {
	vm      string
	report  CleanupReport
	metrics *Metrics
	p       Provider
}

func (c *cleanup) run(name string, fn func() error) {
	err := fn()
	c.report = append(c.report, CleanupStep{Name: name, Err: err})
	if err != nil {
		slog.Info("cleanup step failed", "vmName", c.vm, "step", name, "error", err.Error())
		c.metrics.cleanupFailed(c.p, name)
		return
	}
	slog.Debug("cleanup step completed", "vmName", c.vm, "step", name)
}
