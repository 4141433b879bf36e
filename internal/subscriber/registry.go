// Package subscriber implements the Message Subscriber Registry (§4.J): an
// explicit {messageTypeId -> subscriberFn} registration table and a
// dispatcher that invokes every matching subscriber sequentially, recording
// a start/end reception per invocation.
//
// The original describes reflection-scanned, annotation-driven subscriber
// discovery over a generic message-event type parameterized by a concrete
// Protobuf-message class. §9 redesigns that as explicit registration: Go has
// no annotation processor, and reflection-based method scanning is not how
// this codebase's dispatch tables are built elsewhere (see the teacher's
// agent.handleMessage type switch, generalized here into a registration
// API instead of a hardcoded switch).
package subscriber

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNilSubscriberFunc is returned by Register when fn is nil.
var ErrNilSubscriberFunc = errors.New("subscriber: fn must not be nil")

// MessageSend is an incoming Any-typed message envelope: TypeID names the
// concrete payload type, Payload carries the decoded value.
type MessageSend struct {
	TypeID  string
	Payload any
}

// SubscriberFunc handles one MessageSend payload and optionally returns a
// reply value.
type SubscriberFunc func(payload any) (any, error)

// Reception records one subscriber invocation for a dispatched message,
// mirroring the start/end timestamp and structured-error-capture shape
// named in §4.J.
type Reception struct {
	TypeID         string
	SubscriberName string
	StartedAt      time.Time
	EndedAt        time.Time
	Reply          any
	Err            error
}

// subscriberEntry is one registered handler for a message type.
type subscriberEntry struct {
	name string
	fn   SubscriberFunc
}

// Registry is the Message Subscriber Registry. Safe for concurrent use;
// Register is typically called once at startup, Dispatch continuously
// thereafter.
type Registry struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[string][]subscriberEntry
	invalid     []InvalidSubscriber
}

// InvalidSubscriber records a registration attempt that did not fit the
// expected shape (named "invalid subscribers" in §4.J).
type InvalidSubscriber struct {
	TypeID string
	Name   string
	Reason string
}

// New returns an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger.Named("subscriber"), subscribers: make(map[string][]subscriberEntry)}
}

// Register adds fn as a subscriber for typeID, identified by name for
// reception records and error logs. Multiple subscribers may register for
// the same typeID; they run in registration order.
func (r *Registry) Register(typeID, name string, fn SubscriberFunc) error {
	if fn == nil {
		r.mu.Lock()
		r.invalid = append(r.invalid, InvalidSubscriber{TypeID: typeID, Name: name, Reason: ErrNilSubscriberFunc.Error()})
		r.mu.Unlock()
		return ErrNilSubscriberFunc
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[typeID] = append(r.subscribers[typeID], subscriberEntry{name: name, fn: fn})
	return nil
}

// InvalidSubscribers returns every registration attempt rejected by
// Register, for diagnostics.
func (r *Registry) InvalidSubscribers() []InvalidSubscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InvalidSubscriber, len(r.invalid))
	copy(out, r.invalid)
	return out
}

// Dispatch unpacks msg and invokes every subscriber registered for
// msg.TypeID sequentially, in registration order, capturing one Reception
// per invocation. A subscriber's panic is not recovered here: per §7,
// interrupt/fatal conditions always propagate, and a subscriber crashing
// mid-dispatch is a programmer error the caller's own recovery (if any)
// should see.
func (r *Registry) Dispatch(msg MessageSend) []Reception {
	r.mu.RLock()
	entries := append([]subscriberEntry(nil), r.subscribers[msg.TypeID]...)
	r.mu.RUnlock()

	if len(entries) == 0 {
		r.logger.Debug("no subscribers registered for message type", zap.String("type_id", msg.TypeID))
		return nil
	}

	receptions := make([]Reception, 0, len(entries))
	for _, entry := range entries {
		rec := Reception{TypeID: msg.TypeID, SubscriberName: entry.name, StartedAt: time.Now()}
		reply, err := entry.fn(msg.Payload)
		rec.EndedAt = time.Now()
		rec.Reply = reply
		rec.Err = err
		if err != nil {
			r.logger.Warn("subscriber invocation failed",
				zap.String("type_id", msg.TypeID), zap.String("subscriber", entry.name), zap.Error(err))
		}
		receptions = append(receptions, rec)
	}
	return receptions
}

// MustRegister is a convenience for static startup wiring: it panics with a
// descriptive message rather than returning an error, since a nil fn at
// registration time is always a programmer mistake.
func (r *Registry) MustRegister(typeID, name string, fn SubscriberFunc) {
	if err := r.Register(typeID, name, fn); err != nil {
		panic(fmt.Sprintf("subscriber: MustRegister(%s, %s): %v", typeID, name, err))
	}
}
