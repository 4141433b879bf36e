package testrunner

import (
	"sync"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

// TestExecutionResult is what the primary's execute() produces and every
// secondary observes via the shared settable future, per §4.H step 3/4.
type TestExecutionResult struct {
	Result labmodel.TestResult
	Cause  labmodel.Cause
}

// settableResult is a write-once future shared by the primary (writer)
// and secondaries (readers) of one test rendezvous.
type settableResult struct {
	mu   sync.Mutex
	done chan struct{}

	value TestExecutionResult
	err   error
}

func newSettableResult() *settableResult {
	return &settableResult{done: make(chan struct{})}
}

func (s *settableResult) set(value TestExecutionResult, err error) {
	s.mu.Lock()
	s.value, s.err = value, err
	s.mu.Unlock()
	close(s.done)
}

func (s *settableResult) get() (TestExecutionResult, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}
