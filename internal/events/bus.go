// Package events implements the plugin-style, in-process publish/subscribe
// bus named in §5: delivery is synchronous on the publishing goroutine, and
// subscription is one-way — publishers hold no reference back to
// subscribers, avoiding the cyclic event-bus <-> component wiring flagged
// as a redesign target.
package events

import (
	"sync"
	"time"
)

// Type labels one of the lab's event kinds.
type Type string

const (
	TypeLocalDeviceUp      Type = "LOCAL_DEVICE_UP"
	TypeLocalDeviceChange  Type = "LOCAL_DEVICE_CHANGE"
	TypeLocalDeviceDown    Type = "LOCAL_DEVICE_DOWN"
	TypeLocalDeviceError   Type = "LOCAL_DEVICE_ERROR"
	TypeJobStart           Type = "JOB_START"
	TypeTestEnded          Type = "TEST_ENDED"
	TypeJobEnd             Type = "JOB_END"
	TypeLocalTestStarting  Type = "LOCAL_TEST_STARTING"

	// TypeConfigUpdated is an ADDED event (not named in the device-event
	// list of §5, but required by §4.D's ConfigUpdated handler) signaling
	// that the lab's device configuration changed and every known device
	// must be re-signed-up.
	TypeConfigUpdated Type = "CONFIG_UPDATED"
)

// Event is an immutable value record carrying the fields relevant to its
// Type; unused fields are left at their zero value.
type Event struct {
	Type      Type
	Timestamp time.Time

	DeviceUUID string
	JobID      string
	TestID     string

	// ExceptionDetail carries DeviceErrorChanged's updated error detail
	// (§4.D).
	ExceptionDetail string
}

// Handler observes events of a single Type, invoked synchronously on the
// publisher's goroutine.
type Handler func(Event)

// Bus is a one-way publish/subscribe registry. Zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// NewBus returns an empty, ready-to-use Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers handler to be invoked for every event of type t, in
// registration order, in addition to any already-registered handlers.
func (b *Bus) Subscribe(t Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
}

// Publish delivers event synchronously to every handler registered for its
// Type, in registration order. Handler panics are not recovered: per §5 a
// test's events are observed on a single owning goroutine, and a panicking
// handler indicates a programming error that should surface immediately
// rather than be swallowed silently.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
