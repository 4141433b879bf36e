package labmodel

import "sync"

// TestExecutionUnit is one attempt of a test within a job. Properties is an
// append-or-overwrite multimap used to carry retry lineage and mode flags.
type TestExecutionUnit struct {
	ID         string
	Name       string
	JobID      string
	Locator    TestLocator
	Properties *PropertyMap

	mu              sync.Mutex
	status          TestStatus
	result          TestResult
	resultWithCause *ResultWithCause
}

// NewTestExecutionUnit creates a test attempt in the NEW state with
// UNKNOWN result and an empty property map.
func NewTestExecutionUnit(id, name, jobID string, locator TestLocator) *TestExecutionUnit {
	return &TestExecutionUnit{
		ID:         id,
		Name:       name,
		JobID:      jobID,
		Locator:    locator,
		Properties: NewPropertyMap(),
		status:     TestStatusNew,
		result:     ResultUnknown,
	}
}

// Status returns the current lifecycle state.
func (t *TestExecutionUnit) Status() TestStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus transitions the test to a new lifecycle state. Callers are
// expected to respect the NEW->ASSIGNED->RUNNING->DONE|SUSPENDED ordering;
// this method does not itself reject out-of-order transitions, since per
// §5 all events for a test are observed on a single owning thread.
func (t *TestExecutionUnit) SetStatus(s TestStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// Result returns the current (possibly still UNKNOWN) result.
func (t *TestExecutionUnit) Result() TestResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// ResultWithCause returns the result paired with its cause, if one has been
// recorded.
func (t *TestExecutionUnit) ResultWithCause() *ResultWithCause {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resultWithCause
}

// SetResult records the terminal result and its cause.
func (t *TestExecutionUnit) SetResult(result TestResult, cause Cause) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = result
	t.resultWithCause = &ResultWithCause{Result: result, Cause: cause}
}
