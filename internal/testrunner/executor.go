package testrunner

import (
	"context"
	"sync"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

// Reserver performs the actual device reservation for one sub-device
// index of a test, delegating to the proxy device manager in the running
// system. Defined narrowly here so this package has no import-time
// dependency on internal/proxydevice.
type Reserver interface {
	Reserve(ctx context.Context, subDeviceIndex int) (labmodel.DeviceID, error)
	Release(subDeviceIndex int, device labmodel.DeviceID)
}

// deviceExecutor is one device's slot in a launcher's rendezvous: index 0
// is always the primary, the rest secondaries.
type deviceExecutor struct {
	subDeviceIndex int
	isPrimary      bool

	mu       sync.Mutex
	alive    bool
	device   labmodel.DeviceID
	assigned bool // true once this executor has entered the rendezvous for the current test
}

func newDeviceExecutor(idx int, isPrimary bool) *deviceExecutor {
	return &deviceExecutor{subDeviceIndex: idx, isPrimary: isPrimary, alive: true}
}

func (e *deviceExecutor) setDevice(d labmodel.DeviceID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device = d
}

func (e *deviceExecutor) setAssigned(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assigned = v
}

func (e *deviceExecutor) setAlive(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alive = v
}

// aliveAndAssigned reports whether this executor still looks healthy and
// is currently participating in the active test's rendezvous — the
// liveness check used by isTestRunning (§4.H).
func (e *deviceExecutor) aliveAndAssigned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive && e.assigned
}
