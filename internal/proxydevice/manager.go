// Package proxydevice implements the Proxy Device Manager (§4.E):
// asynchronous, cancellable, job-scoped device leasing. Concrete device
// matching/attachment is delegated to a Leaser; this package owns only the
// lease lifecycle (futures, cancellation, per-job membership gating).
package proxydevice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcus-qen/devicelab/internal/labmodel"
	"github.com/marcus-qen/devicelab/internal/workerpool"
	"go.uber.org/zap"
)

// CancelLeasingTimeout bounds how long releaseDevice waits for an
// in-flight lease to notice cancellation before proceeding with physical
// release regardless, per §4.E.
const CancelLeasingTimeout = 10 * time.Second

var (
	// ErrJobAlreadyAdded is returned by LeaseDevicesOfJobAsync for a job
	// locator that is already tracked.
	ErrJobAlreadyAdded = errors.New("job already added")
	// ErrJobNotFound is returned when an operation names a job the
	// manager has no record of.
	ErrJobNotFound = errors.New("job not found")
	// ErrTestAlreadyAdded is returned by LeaseDevicesOfTestAsync for a
	// test already present in its job.
	ErrTestAlreadyAdded = errors.New("test already added")
	// ErrDevicesAlreadyReleased is returned when adding a test to a job
	// whose devices have already been released.
	ErrDevicesAlreadyReleased = errors.New("devices of job already released")
	// ErrTestNotFound is returned when an operation names a test the
	// manager has no record of.
	ErrTestNotFound = errors.New("test not found")
)

// Leaser performs the actual device acquisition/release, out of scope for
// this package per spec §1. LeaseDevice must honor ctx cancellation
// promptly: Manager cancels it to implement release-during-lease.
type Leaser interface {
	LeaseDevice(ctx context.Context, job labmodel.JobLocator, test labmodel.TestLocator, subDeviceIndex int, req labmodel.DeviceRequirement) (labmodel.DeviceID, error)
	ReleaseDevice(job labmodel.JobLocator, test labmodel.TestLocator, device labmodel.DeviceID) error
}

type deviceState struct {
	mu             sync.Mutex
	subDeviceIndex int
	req            labmodel.DeviceRequirement
	released       bool
	cancel         context.CancelFunc
	done           chan struct{}
	device         labmodel.DeviceID
	err            error
}

type testState struct {
	locator labmodel.TestLocator
	future  *Future
	devices map[int]*deviceState
}

type jobState struct {
	mu       sync.Mutex
	released bool
	tests    map[labmodel.TestLocator]*testState
}

// Manager is the Proxy Device Manager. The zero value is not usable;
// construct with New.
type Manager struct {
	leaser           Leaser
	pool             *workerpool.Pool
	logger           *zap.Logger
	leaseImmediately bool

	mu   sync.Mutex
	jobs map[labmodel.JobLocator]*jobState
}

// Option configures a Manager.
type Option func(*Manager)

// WithLeaseImmediately controls whether leasing starts as soon as a test
// is added (true, the default) or is deferred until StartLeasing is
// called explicitly (false) — the "leaseImmediately" implementation
// switch named in §4.E.
func WithLeaseImmediately(v bool) Option {
	return func(m *Manager) { m.leaseImmediately = v }
}

// New returns a Manager that submits lease work to pool and delegates
// physical lease/release calls to leaser.
func New(leaser Leaser, pool *workerpool.Pool, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		leaser:           leaser,
		pool:             pool,
		logger:           logger.Named("proxydevice"),
		leaseImmediately: true,
		jobs:             make(map[labmodel.JobLocator]*jobState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LeaseDevicesOfJobAsync registers jobLocator and starts (or schedules, per
// leaseImmediately) leasing for every test in requirements, keyed by
// sub-device index within that test.
func (m *Manager) LeaseDevicesOfJobAsync(jobLocator labmodel.JobLocator, requirements map[labmodel.TestLocator]map[int]labmodel.DeviceRequirement) (map[labmodel.TestLocator]*Future, error) {
	m.mu.Lock()
	if _, exists := m.jobs[jobLocator]; exists {
		m.mu.Unlock()
		return nil, ErrJobAlreadyAdded
	}
	job := &jobState{tests: make(map[labmodel.TestLocator]*testState)}
	m.jobs[jobLocator] = job
	m.mu.Unlock()

	futures := make(map[labmodel.TestLocator]*Future, len(requirements))
	for testLocator, perDevice := range requirements {
		future, err := m.addTestLocked(jobLocator, job, testLocator, perDevice)
		if err != nil {
			return nil, err
		}
		futures[testLocator] = future
	}
	return futures, nil
}

// LeaseDevicesOfTestAsync adds a single test to an already-registered job.
func (m *Manager) LeaseDevicesOfTestAsync(jobLocator labmodel.JobLocator, testLocator labmodel.TestLocator, perDevice map[int]labmodel.DeviceRequirement) (*Future, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobLocator]
	m.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return m.addTestLocked(jobLocator, job, testLocator, perDevice)
}

func (m *Manager) addTestLocked(jobLocator labmodel.JobLocator, job *jobState, testLocator labmodel.TestLocator, perDevice map[int]labmodel.DeviceRequirement) (*Future, error) {
	job.mu.Lock()
	if job.released {
		job.mu.Unlock()
		return nil, ErrDevicesAlreadyReleased
	}
	if _, exists := job.tests[testLocator]; exists {
		job.mu.Unlock()
		return nil, ErrTestAlreadyAdded
	}

	ts := &testState{
		locator: testLocator,
		future:  newFuture(),
		devices: make(map[int]*deviceState, len(perDevice)),
	}
	for idx, req := range perDevice {
		ts.devices[idx] = &deviceState{subDeviceIndex: idx, req: req, done: make(chan struct{})}
	}
	job.tests[testLocator] = ts
	job.mu.Unlock()

	if m.leaseImmediately {
		m.startLeasingLocked(jobLocator, ts)
	}
	return ts.future, nil
}

// StartLeasing begins leasing for a test previously added with
// leaseImmediately disabled. It is a no-op if leasing already started.
func (m *Manager) StartLeasing(jobLocator labmodel.JobLocator, testLocator labmodel.TestLocator) error {
	m.mu.Lock()
	job, ok := m.jobs[jobLocator]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	job.mu.Lock()
	ts, ok := job.tests[testLocator]
	job.mu.Unlock()
	if !ok {
		return ErrTestNotFound
	}
	m.startLeasingLocked(jobLocator, ts)
	return nil
}

// startLeasingLocked submits a lease for each not-yet-released sub-device
// and arranges for the test's aggregate future to complete once every
// sub-device has resolved.
func (m *Manager) startLeasingLocked(jobLocator labmodel.JobLocator, ts *testState) {
	var wg sync.WaitGroup
	for _, ds := range ts.devices {
		ds.mu.Lock()
		if ds.released {
			ds.err = ErrLeaseCancelled
			close(ds.done)
			ds.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		ds.cancel = cancel
		ds.mu.Unlock()

		wg.Add(1)
		m.pool.Submit(func(ds *deviceState, ctx context.Context) func() {
			return func() {
				defer wg.Done()
				device, err := m.leaser.LeaseDevice(ctx, jobLocator, ts.locator, ds.subDeviceIndex, ds.req)
				if err != nil && ctx.Err() != nil {
					err = ErrLeaseCancelled
				}
				ds.mu.Lock()
				ds.device, ds.err = device, err
				ds.mu.Unlock()
				close(ds.done)
			}
		}(ds, ctx))
	}

	go func() {
		wg.Wait()
		result := labmodel.ProxyDevices{TestLocator: ts.locator, Devices: make(map[int]labmodel.ProxiedDevice, len(ts.devices))}
		var firstErr error
		for idx, ds := range ts.devices {
			ds.mu.Lock()
			err := ds.err
			device := ds.device
			ds.mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			result.Devices[idx] = labmodel.ProxiedDevice{SubDeviceIndex: idx, DeviceRequirement: ds.req, Device: device}
		}
		ts.future.complete(result, firstErr)
	}()
}

// ReleaseDevicesOfTest synchronously releases every sub-device of test.
// Idempotent: releasing a test whose job was already released is a no-op.
func (m *Manager) ReleaseDevicesOfTest(jobLocator labmodel.JobLocator, testLocator labmodel.TestLocator) error {
	m.mu.Lock()
	job, ok := m.jobs[jobLocator]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	job.mu.Lock()
	ts, ok := job.tests[testLocator]
	job.mu.Unlock()
	if !ok {
		return ErrTestNotFound
	}
	for _, ds := range ts.devices {
		m.releaseDevice(jobLocator, testLocator, ds)
	}
	return nil
}

// ReleaseDevicesOfJob synchronously releases every test's devices and
// forbids further lease calls for jobLocator.
func (m *Manager) ReleaseDevicesOfJob(jobLocator labmodel.JobLocator) error {
	m.mu.Lock()
	job, ok := m.jobs[jobLocator]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	job.mu.Lock()
	job.released = true
	tests := make([]*testState, 0, len(job.tests))
	for _, ts := range job.tests {
		tests = append(tests, ts)
	}
	job.mu.Unlock()

	for _, ts := range tests {
		for _, ds := range ts.devices {
			m.releaseDevice(jobLocator, ts.locator, ds)
		}
	}
	return nil
}

// releaseDevice never returns an error to the caller; failures are logged
// and swallowed so one device's failure does not block the others, per
// §4.E's failure semantics.
func (m *Manager) releaseDevice(jobLocator labmodel.JobLocator, testLocator labmodel.TestLocator, ds *deviceState) {
	ds.mu.Lock()
	if ds.released {
		ds.mu.Unlock()
		return
	}
	ds.released = true
	cancel := ds.cancel
	done := ds.done
	ds.mu.Unlock()

	if cancel != nil {
		select {
		case <-done:
		default:
			cancel()
			select {
			case <-done:
			case <-time.After(CancelLeasingTimeout):
				m.logger.Warn("timed out waiting for lease cancellation; proceeding with physical release",
					zap.Int("sub_device_index", ds.subDeviceIndex))
			}
		}
	}

	ds.mu.Lock()
	device := ds.device
	ds.mu.Unlock()
	if device == "" {
		return
	}
	if err := m.leaser.ReleaseDevice(jobLocator, testLocator, device); err != nil {
		m.logger.Warn("device release failed", zap.String("device", string(device)), zap.Error(err))
	}
}

// GetDevicesOfTest returns the same future handed back at lease time.
func (m *Manager) GetDevicesOfTest(jobLocator labmodel.JobLocator, testLocator labmodel.TestLocator) (*Future, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobLocator]
	m.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	job.mu.Lock()
	ts, ok := job.tests[testLocator]
	job.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, testLocator)
	}
	return ts.future, nil
}
