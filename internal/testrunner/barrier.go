package testrunner

import (
	"context"
	"errors"
	"sync"
)

// ErrBarrierBroken is the sentinel returned to every waiter once a cyclic
// barrier breaks, replacing the broken-barrier-exception-as-control-flow
// pattern named in the design notes: one waiter's context cancellation
// translates into this error on every other waiter.
var ErrBarrierBroken = errors.New("barrier broken")

type barrierGeneration struct {
	ch chan struct{}
}

// CyclicBarrier lets a fixed number of parties rendezvous repeatedly. Go's
// stdlib has no equivalent primitive; this one models Java's
// CyclicBarrier closely enough for the primary/secondary device executor
// rendezvous in §4.H.
type CyclicBarrier struct {
	mu      sync.Mutex
	parties int
	waiting int
	broken  bool
	gen     *barrierGeneration
}

// NewCyclicBarrier returns a barrier for the given number of parties.
func NewCyclicBarrier(parties int) *CyclicBarrier {
	return &CyclicBarrier{parties: parties, gen: &barrierGeneration{ch: make(chan struct{})}}
}

// Await blocks until every party has called Await, or until ctx is
// cancelled, or until some other party broke the barrier. The last
// caller to arrive returns first and resets the barrier for a later
// generation; everyone else wakes to observe that reset.
func (b *CyclicBarrier) Await(ctx context.Context) error {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		return ErrBarrierBroken
	}
	gen := b.gen
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.gen = &barrierGeneration{ch: make(chan struct{})}
		close(gen.ch)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-gen.ch:
		b.mu.Lock()
		broken := b.broken
		b.mu.Unlock()
		if broken {
			return ErrBarrierBroken
		}
		return nil
	case <-ctx.Done():
		b.breakBarrier(gen)
		return ErrBarrierBroken
	}
}

// breakBarrier marks the barrier broken and wakes every current waiter
// with ErrBarrierBroken.
func (b *CyclicBarrier) breakBarrier(gen *barrierGeneration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return
	}
	b.broken = true
	b.waiting = 0
	select {
	case <-gen.ch:
	default:
		close(gen.ch)
	}
}

// Break manually breaks the barrier, e.g. when a kill() call must unblock
// every device executor immediately.
func (b *CyclicBarrier) Break() {
	b.mu.Lock()
	gen := b.gen
	b.mu.Unlock()
	b.breakBarrier(gen)
}
