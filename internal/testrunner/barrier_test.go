package testrunner

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCyclicBarrierReleasesAllParties(t *testing.T) {
	b := NewCyclicBarrier(3)
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Await(context.Background())
		}(i)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("barrier did not release all parties")
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("party %d got error %v, want nil", i, err)
		}
	}
}

func TestCyclicBarrierReusableAcrossGenerations(t *testing.T) {
	b := NewCyclicBarrier(2)
	for gen := 0; gen < 3; gen++ {
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := b.Await(context.Background()); err != nil {
					t.Errorf("generation %d: %v", gen, err)
				}
			}()
		}
		wg.Wait()
	}
}

func TestCyclicBarrierBreaksOnCancel(t *testing.T) {
	b := NewCyclicBarrier(2)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = b.Await(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	if errs[0] != ErrBarrierBroken {
		t.Fatalf("errs[0] = %v, want ErrBarrierBroken", errs[0])
	}

	// A fresh party arriving after the break also observes it broken.
	if err := b.Await(context.Background()); err != ErrBarrierBroken {
		t.Fatalf("post-break Await = %v, want ErrBarrierBroken", err)
	}
}
