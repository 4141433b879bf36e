// Package testrunner implements the Device Reservation & Local-Device Test
// Runner Launcher (§4.G/4.H): the AbstractTestRunner contract and a
// launcher coordinating one primary and zero or more secondary device
// executors through a cyclic-barrier rendezvous.
package testrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marcus-qen/devicelab/internal/labmodel"
	"go.uber.org/zap"
)

// ErrAlreadyReserved is returned by AsyncLaunchTest once an earlier call on
// the same launcher has reserved every device.
var ErrAlreadyReserved = errors.New("test already reserved devices")

// DisconnectedDeviceError reports which sub-device indices went away
// before the test ever entered execute(), the fatal
// DEVICE_DISCONNECTED_BEFORE_TEST_START cause named in §4.H.
type DisconnectedDeviceError struct {
	SubDeviceIndices []int
}

func (e *DisconnectedDeviceError) Error() string {
	return fmt.Sprintf("device(s) disconnected before test start: %v", e.SubDeviceIndices)
}

// ExecuteFunc is the primary's real test body (the template method named
// execute() in §4.G), run on the primary's executor goroutine only.
type ExecuteFunc func(ctx context.Context) (TestExecutionResult, error)

// Launcher is LocalDeviceTestRunnerLauncher. One Launcher serves one test
// attempt; construct a fresh Launcher per attempt.
type Launcher struct {
	testLocator labmodel.TestLocator
	reserver    Reserver
	execute     ExecuteFunc
	logger      *zap.Logger

	executors []*deviceExecutor
	barrier   *CyclicBarrier

	mu            sync.Mutex
	hasReserved   bool
	killed        bool
	inExecute     bool
	finalizedOnce bool
	result        *settableResult
	cancelFuncs   []context.CancelFunc
}

// NewLauncher returns a Launcher for one primary plus secondaryCount
// secondary device slots.
func NewLauncher(testLocator labmodel.TestLocator, secondaryCount int, reserver Reserver, execute ExecuteFunc, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	executors := make([]*deviceExecutor, 0, secondaryCount+1)
	executors = append(executors, newDeviceExecutor(0, true))
	for i := 1; i <= secondaryCount; i++ {
		executors = append(executors, newDeviceExecutor(i, false))
	}
	return &Launcher{
		testLocator: testLocator,
		reserver:    reserver,
		execute:     execute,
		logger:      logger.Named("testrunner.launcher"),
		executors:   executors,
		barrier:     NewCyclicBarrier(len(executors)),
		result:      newSettableResult(),
	}
}

// AsyncLaunchTest reserves every executor in iteration order; if any
// reservation fails, every prior reservation is released and the launcher
// never starts its rendezvous goroutines.
func (l *Launcher) AsyncLaunchTest(ctx context.Context) error {
	l.mu.Lock()
	if l.hasReserved {
		l.mu.Unlock()
		return ErrAlreadyReserved
	}
	l.mu.Unlock()

	for _, ex := range l.executors {
		device, err := l.reserver.Reserve(ctx, ex.subDeviceIndex)
		if err != nil {
			l.releaseReserved(ex.subDeviceIndex)
			return fmt.Errorf("reserve sub-device %d: %w", ex.subDeviceIndex, err)
		}
		ex.setDevice(device)
	}

	l.mu.Lock()
	l.hasReserved = true
	l.mu.Unlock()

	for _, ex := range l.executors {
		ex.setAssigned(true)
		execCtx, cancel := context.WithCancel(ctx)
		l.mu.Lock()
		l.cancelFuncs = append(l.cancelFuncs, cancel)
		l.mu.Unlock()
		go l.runExecutor(execCtx, ex)
	}
	return nil
}

// releaseReserved releases every executor whose sub-device index is less
// than upTo, used when a mid-sequence reservation fails.
func (l *Launcher) releaseReserved(upTo int) {
	for _, ex := range l.executors {
		if ex.subDeviceIndex >= upTo {
			continue
		}
		ex.mu.Lock()
		device := ex.device
		ex.mu.Unlock()
		l.reserver.Release(ex.subDeviceIndex, device)
	}
}

func (l *Launcher) runExecutor(ctx context.Context, ex *deviceExecutor) {
	if err := l.barrier.Await(ctx); err != nil {
		if ex.isPrimary {
			l.result.set(TestExecutionResult{}, err)
		}
		return
	}

	if ex.isPrimary {
		l.mu.Lock()
		l.inExecute = true
		l.mu.Unlock()

		result, err := l.execute(ctx)

		l.mu.Lock()
		l.inExecute = false
		l.mu.Unlock()

		l.result.set(result, err)
		return
	}

	// Secondary: block on the shared result, returning the same value the
	// primary published.
	_, _ = l.result.get()
}

// Result blocks until the primary publishes the shared test result.
func (l *Launcher) Result() (TestExecutionResult, error) {
	return l.result.get()
}

// IsTestRunning is the liveness probe from §4.H. It returns false and
// triggers onFatalDisconnect exactly once if a device has gone away before
// the test ever entered execute().
func (l *Launcher) IsTestRunning(onFatalDisconnect func(*DisconnectedDeviceError)) bool {
	l.mu.Lock()
	inExecute := l.inExecute
	hasReserved := l.hasReserved
	l.mu.Unlock()

	if inExecute {
		return true
	}

	var disconnected []int
	for _, ex := range l.executors {
		if !ex.aliveAndAssigned() {
			disconnected = append(disconnected, ex.subDeviceIndex)
		}
	}
	if len(disconnected) == 0 {
		return true
	}

	if hasReserved {
		l.mu.Lock()
		already := l.finalizedOnce
		l.finalizedOnce = true
		l.mu.Unlock()
		if !already && onFatalDisconnect != nil {
			onFatalDisconnect(&DisconnectedDeviceError{SubDeviceIndices: disconnected})
		}
	}
	return false
}

// MarkDeviceGone flags a sub-device as no longer alive, used by whatever
// observes device disconnects (the master syncer's DeviceDown handling,
// in the running system).
func (l *Launcher) MarkDeviceGone(subDeviceIndex int) {
	for _, ex := range l.executors {
		if ex.subDeviceIndex == subDeviceIndex {
			ex.setAlive(false)
			return
		}
	}
}

// KillTest cancels every reservation and breaks the rendezvous barrier so
// every blocked executor goroutine observes ErrBarrierBroken.
func (l *Launcher) KillTest() {
	l.mu.Lock()
	if l.killed {
		l.mu.Unlock()
		return
	}
	l.killed = true
	cancels := append([]context.CancelFunc(nil), l.cancelFuncs...)
	l.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	l.barrier.Break()
}
