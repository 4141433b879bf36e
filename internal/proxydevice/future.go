package proxydevice

import (
	"errors"
	"sync"
	"time"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

// ErrLeaseCancelled is returned by Future.Get when the lease was cancelled
// before it completed, either because the device was released mid-lease or
// because it was already released when leasing was attempted.
var ErrLeaseCancelled = errors.New("device lease cancelled")

// ErrLeaseWaitTimeout is returned by Future.Get when the wait deadline
// elapses before the lease resolves one way or the other.
var ErrLeaseWaitTimeout = errors.New("timed out waiting for device lease")

// Future is the handle returned for an in-flight or completed device
// lease, mirroring the "blocking lease submitted to a thread pool, future
// recorded" shape in §4.E.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once

	result    labmodel.ProxyDevices
	err       error
	cancelled bool
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(result labmodel.ProxyDevices, err error) {
	f.mu.Lock()
	f.result, f.err = result, err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
}

// cancelledFuture returns an already-resolved Future in the cancelled
// state, used when a lease is requested on an already-released device.
func cancelledFuture() *Future {
	f := newFuture()
	f.mu.Lock()
	f.cancelled = true
	f.err = ErrLeaseCancelled
	f.mu.Unlock()
	close(f.done)
	return f
}

// Done reports whether the future has resolved (successfully, with error,
// or cancelled).
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Cancel marks the future cancelled if it has not yet resolved. It does
// not itself wait for in-flight work to notice; callers use Get with a
// timeout to bound that wait, per CANCEL_LEASING_TIMEOUT in §4.E.
func (f *Future) Cancel() {
	f.mu.Lock()
	alreadyDone := f.Done()
	if !alreadyDone {
		f.cancelled = true
		f.err = ErrLeaseCancelled
	}
	f.mu.Unlock()
	if !alreadyDone {
		f.closeOnce.Do(func() { close(f.done) })
	}
}

// Get blocks until the future resolves or timeout elapses.
func (f *Future) Get(timeout time.Duration) (labmodel.ProxyDevices, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	case <-time.After(timeout):
		return labmodel.ProxyDevices{}, ErrLeaseWaitTimeout
	}
}
