package testrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTestRunnerStartedTwice is TM_TEST_RUNNER_STARTED_TWICE: start() is
// idempotent-by-rejection, not idempotent-by-no-op — a second call fails.
var ErrTestRunnerStartedTwice = errors.New("test runner already started")

// PreExecuteFunc is the template hook run before asking the launcher to
// launch the test (e.g. directory setup, property snapshotting).
type PreExecuteFunc func(ctx context.Context) error

// FinalizeFunc is the best-effort hook invoked when the launcher
// guarantees execute() will never run for this attempt (e.g. a fatal
// device disconnect observed by the liveness probe).
type FinalizeFunc func(cause error)

// Runner is AbstractTestRunner: the common lifecycle wrapper around a
// Launcher. Construct one Runner per test attempt.
type Runner struct {
	launcher    *Launcher
	preExecute  PreExecuteFunc
	finalize    FinalizeFunc

	mu         sync.Mutex
	started    bool
	startedAt  time.Time
	killCount  int32
}

// NewRunner returns a Runner wrapping launcher.
func NewRunner(launcher *Launcher, preExecute PreExecuteFunc, finalize FinalizeFunc) *Runner {
	return &Runner{launcher: launcher, preExecute: preExecute, finalize: finalize}
}

// Start is idempotent-by-rejection: calling it twice returns
// ErrTestRunnerStartedTwice without re-launching anything.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrTestRunnerStartedTwice
	}
	r.started = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	if r.preExecute != nil {
		if err := r.preExecute(ctx); err != nil {
			return err
		}
	}
	return r.launcher.AsyncLaunchTest(ctx)
}

// StartedAt reports when Start was first called, whether or not that call
// succeeded; the zero time if Start has not yet been called.
func (r *Runner) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

// Kill forwards to the launcher and increments the kill counter.
func (r *Runner) Kill(_ time.Duration) {
	atomic.AddInt32(&r.killCount, 1)
	r.launcher.KillTest()
}

// KillCount returns how many times Kill has been called.
func (r *Runner) KillCount() int {
	return int(atomic.LoadInt32(&r.killCount))
}

// Result blocks for the launcher's shared test result.
func (r *Runner) Result() (TestExecutionResult, error) {
	return r.launcher.Result()
}

// IsRunning is the liveness probe forwarded to the launcher; onFatal is
// invoked at most once per Runner if a device disconnect is detected
// before execute() ever ran.
func (r *Runner) IsRunning() bool {
	return r.launcher.IsTestRunning(func(err *DisconnectedDeviceError) {
		if r.finalize != nil {
			r.finalize(err)
		}
	})
}
