package retrypolicy

import (
	"testing"
	"time"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

type fakeAllocator struct {
	calls []string
	err   error
}

func (a *fakeAllocator) ExtraAllocation(test *labmodel.TestExecutionUnit) error {
	a.calls = append(a.calls, test.ID)
	return a.err
}

func newEndedTest(id string, result labmodel.TestResult, cause labmodel.Cause) *labmodel.TestExecutionUnit {
	t := labmodel.NewTestExecutionUnit(id, "sample_test", "job1", labmodel.TestLocator{JobID: "job1", TestID: id})
	t.SetResult(result, cause)
	return t
}

func TestPrePassRepeatRunsTagsAndCreatesExtras(t *testing.T) {
	cfg := Config{RetryLevel: LevelAll, TestAttempts: 3}
	engine := New(cfg, nil, nil)

	base := newEndedTest("t1", labmodel.ResultUnknown, labmodel.Cause{})
	created := 0
	extras := engine.PrePassRepeatRuns([]*labmodel.TestExecutionUnit{base}, func(b *labmodel.TestExecutionUnit, idx int) *labmodel.TestExecutionUnit {
		created++
		return labmodel.NewTestExecutionUnit("t1-r"+string(rune('0'+idx)), b.Name, b.JobID, b.Locator)
	})

	if v, _ := base.Properties.Get(labmodel.PropRepeatIndex); v != "1" {
		t.Fatalf("base REPEAT_INDEX = %q, want 1", v)
	}
	if len(extras) != 2 || created != 2 {
		t.Fatalf("expected 2 extra attempts for 3 repeat runs, got %d (created=%d)", len(extras), created)
	}
	if v, _ := extras[0].Properties.Get(labmodel.PropRepeatIndex); v != "2" {
		t.Fatalf("first extra REPEAT_INDEX = %q, want 2", v)
	}
	if v, _ := extras[1].Properties.Get(labmodel.PropRepeatIndex); v != "3" {
		t.Fatalf("second extra REPEAT_INDEX = %q, want 3", v)
	}
}

func TestPrePassNoRepeatCreatesNothing(t *testing.T) {
	cfg := Config{RetryLevel: LevelFail, TestAttempts: 3}
	engine := New(cfg, nil, nil)
	base := newEndedTest("t1", labmodel.ResultUnknown, labmodel.Cause{})

	extras := engine.PrePassRepeatRuns([]*labmodel.TestExecutionUnit{base}, func(b *labmodel.TestExecutionUnit, idx int) *labmodel.TestExecutionUnit {
		t.Fatal("newAttempt should not be called")
		return nil
	})
	if len(extras) != 0 {
		t.Fatalf("expected no extras, got %d", len(extras))
	}
	if v, _ := base.Properties.Get(labmodel.PropRepeatIndex); v != "1" {
		t.Fatalf("base REPEAT_INDEX = %q, want 1", v)
	}
}

func TestOnTestEndedRetryLevelAllAlwaysFinalizes(t *testing.T) {
	engine := New(Config{RetryLevel: LevelAll, TestAttempts: 5}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultFail, labmodel.Cause{})

	decision := engine.OnTestEnded(AttemptEndedInput{Test: test})
	if !decision.Finalized {
		t.Fatalf("expected ALL level to always finalize")
	}
	if !test.Properties.GetBool(labmodel.PropIsFinalAttempt) {
		t.Fatalf("expected IS_FINAL_ATTEMPT=true")
	}
}

func TestOnTestEndedForegoingPassAfterRetryFinalizes(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, nil, nil)
	foregoing := newEndedTest("t1", labmodel.ResultFail, labmodel.Cause{})
	current := newEndedTest("t1-retry", labmodel.ResultPass, labmodel.Cause{})

	decision := engine.OnTestEnded(AttemptEndedInput{Test: current, Foregoing: foregoing})
	if !decision.Finalized {
		t.Fatalf("expected finalize after a pass-after-retry")
	}
	if !foregoing.Properties.GetBool(labmodel.PropNonPassingBeforeRetryPass) {
		t.Fatalf("expected foregoing NONPASSING_BEFORE_RETRY_PASS=true")
	}
	if !current.Properties.GetBool(labmodel.PropPassAfterRetry) {
		t.Fatalf("expected current PASS_AFTER_RETRY=true")
	}
}

func TestOnTestEndedAllocationErrorNeverRetries(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultError, labmodel.Cause{IsAllocationError: true})

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:          test,
		PriorAttempts: []*labmodel.TestExecutionUnit{test},
	})
	if !decision.Finalized {
		t.Fatalf("expected allocation error to finalize without retry")
	}
}

func TestOnTestEndedFailLevelRetriesAndLinksAttempt(t *testing.T) {
	allocator := &fakeAllocator{}
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, allocator, nil)
	test := newEndedTest("t1", labmodel.ResultFail, labmodel.Cause{Kind: labmodel.CauseUnknown})
	newAttempt := labmodel.NewTestExecutionUnit("t1-retry", test.Name, test.JobID, test.Locator)

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    []*labmodel.TestExecutionUnit{test},
		JobRemainingTime: time.Hour,
		NewAttempt:       newAttempt,
	})

	if decision.Finalized {
		t.Fatalf("expected a retry to be created")
	}
	if decision.Reason != labmodel.TestResultReason(labmodel.ResultFail) {
		t.Fatalf("Reason = %v, want TEST_FAIL", decision.Reason)
	}
	if got, _ := decision.NewAttempt.Properties.Get(labmodel.PropForegoingTestID); got != "t1" {
		t.Fatalf("FOREGOING_TEST_ID = %q, want t1", got)
	}
	if got, _ := decision.NewAttempt.Properties.Get(labmodel.PropRetryIndex); got != "1" {
		t.Fatalf("RETRY_INDEX = %q, want 1", got)
	}
	if len(allocator.calls) != 1 || allocator.calls[0] != "t1-retry" {
		t.Fatalf("expected ExtraAllocation to be called once for the new attempt, got %v", allocator.calls)
	}
	if v, ok := test.Properties.Get(labmodel.PropIsFinalAttempt); !ok || v != "false" {
		t.Fatalf("IS_FINAL_ATTEMPT = %q (ok=%v), want explicit false", v, ok)
	}
}

func TestOnTestEndedContainerModeTakesPriorityOverLevel(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultError, labmodel.Cause{Kind: labmodel.CauseUnknown})

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    []*labmodel.TestExecutionUnit{test},
		JobRemainingTime: time.Hour,
		ContainerMode:    true,
		NewAttempt:       labmodel.NewTestExecutionUnit("t1-retry", test.Name, test.JobID, test.Locator),
	})
	if decision.Finalized || decision.Reason != labmodel.ReasonPotentialContainerIssue {
		t.Fatalf("expected POTENTIAL_CONTAINER_ISSUE, got finalized=%v reason=%v", decision.Finalized, decision.Reason)
	}
}

// TestOnTestEndedContainerErrorAttemptDoesNotCountAsValid is scenario S4: a
// single container-mode ERROR attempt must yield validAttempts==0, because
// container/UTP/drain-timeout classes are excluded from the valid-attempt
// count by how the attempt itself ended, not by why a later attempt exists.
func TestOnTestEndedContainerErrorAttemptDoesNotCountAsValid(t *testing.T) {
	allocator := &fakeAllocator{}
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 1}, allocator, nil)
	test := newEndedTest("t1", labmodel.ResultError, labmodel.Cause{Kind: labmodel.CauseUnknown})

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    []*labmodel.TestExecutionUnit{test},
		JobRemainingTime: time.Hour,
		ContainerMode:    true,
		NewAttempt:       labmodel.NewTestExecutionUnit("t1-retry", test.Name, test.JobID, test.Locator),
	})
	if decision.Finalized || decision.Reason != labmodel.ReasonPotentialContainerIssue {
		t.Fatalf("expected POTENTIAL_CONTAINER_ISSUE, got finalized=%v reason=%v", decision.Finalized, decision.Reason)
	}
	if got, _ := decision.NewAttempt.Properties.Get(labmodel.PropRetryIndex); got != "0" {
		t.Fatalf("RETRY_INDEX = %q, want 0 (container-mode ERROR attempt excluded from the valid count)", got)
	}
	if test.Properties.GetBool(labmodel.PropInvalidAttempt) != true {
		t.Fatalf("expected the ended container-mode ERROR attempt to be tagged invalid")
	}
}

func TestOnTestEndedContainerModeCustomerIssueErrorIsNotPotentialContainer(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultError, labmodel.Cause{Kind: labmodel.CauseCustomerIssue})

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    []*labmodel.TestExecutionUnit{test},
		JobRemainingTime: time.Hour,
		ContainerMode:    true,
		NewAttempt:       labmodel.NewTestExecutionUnit("t1-retry", test.Name, test.JobID, test.Locator),
	})
	// ERROR is not in the FAIL-level excluded set (PASS/SKIP), so it still
	// retries -- just tagged TEST_ERROR rather than POTENTIAL_CONTAINER_ISSUE.
	if decision.Finalized || decision.Reason != labmodel.TestResultReason(labmodel.ResultError) {
		t.Fatalf("expected TEST_ERROR fallback, got finalized=%v reason=%v", decision.Finalized, decision.Reason)
	}
}

func TestOnTestEndedDrainTimeoutRespectsMaxAttempts(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultError, labmodel.Cause{Kind: labmodel.CauseTimeout, Timeout: labmodel.TimeoutDrain})
	test.Properties.Set(labmodel.PropDrainTimeoutRetryAttempts, "5")

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    []*labmodel.TestExecutionUnit{test},
		JobRemainingTime: time.Hour,
		NewAttempt:       labmodel.NewTestExecutionUnit("t1-retry", test.Name, test.JobID, test.Locator),
	})
	// drain counter already at the cap, so it falls through to the plain
	// level-match reason instead of DRAIN_TIMEOUT_ERROR.
	if decision.Reason == labmodel.ReasonDrainTimeoutError {
		t.Fatalf("expected drain-timeout retry to be exhausted at the cap")
	}
}

func TestOnTestEndedInfraIssueExtraRetryAtLimit(t *testing.T) {
	allocator := &fakeAllocator{}
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, allocator, nil)
	test := newEndedTest("t3", labmodel.ResultError, labmodel.Cause{Kind: labmodel.CauseInfraIssue})
	prior := []*labmodel.TestExecutionUnit{
		newEndedTest("t1", labmodel.ResultFail, labmodel.Cause{}),
		newEndedTest("t2", labmodel.ResultFail, labmodel.Cause{}),
		test,
	}

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    prior,
		JobRemainingTime: time.Hour,
		Duration:         time.Minute,
		NewAttempt:       labmodel.NewTestExecutionUnit("t3-retry", test.Name, test.JobID, test.Locator),
	})
	if decision.Finalized || decision.Reason != labmodel.ReasonInfraIssueExtraRetry {
		t.Fatalf("expected INFRA_ISSUE_EXTRA_RETRY at the attempt limit, got finalized=%v reason=%v", decision.Finalized, decision.Reason)
	}
}

func TestOnTestEndedInfraIssueExtraRetryCancelledNearJobDeadline(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 1}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultError, labmodel.Cause{Kind: labmodel.CauseInfraIssue})

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    []*labmodel.TestExecutionUnit{test},
		JobRemainingTime: time.Minute, // below the 5-minute floor
		Duration:         time.Second,
	})
	if !decision.Finalized {
		t.Fatalf("expected the extra retry to be cancelled near the job deadline")
	}
}

func TestOnTestEndedInfraIssueExtraRetryBlockedDriver(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 1, DriverBlocklist: map[string]bool{"flaky-driver": true}}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultError, labmodel.Cause{Kind: labmodel.CauseInfraIssue})

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    []*labmodel.TestExecutionUnit{test},
		JobRemainingTime: time.Hour,
		Duration:         time.Second,
		Driver:           "flaky-driver",
	})
	if !decision.Finalized {
		t.Fatalf("expected blocklisted driver to forbid the extra retry")
	}
}

func TestOnTestEndedModeInheritanceForcesNonSandboxAndDisablesHybridUTP(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultFail, labmodel.Cause{})

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    []*labmodel.TestExecutionUnit{test},
		JobRemainingTime: time.Hour,
		SandboxMode:      false,
		ContainerMode:    false,
		NewAttempt:       labmodel.NewTestExecutionUnit("t1-retry", test.Name, test.JobID, test.Locator),
	})
	if decision.Finalized {
		t.Fatalf("expected a retry")
	}
	if v, _ := decision.NewAttempt.Properties.Get(labmodel.PropSandboxMode); v != "false" {
		t.Fatalf("expected SANDBOX_MODE forced to false, got %q", v)
	}
	if v, _ := decision.NewAttempt.Properties.Get(labmodel.PropContainerMode); v != "false" {
		t.Fatalf("expected CONTAINER_MODE forced to false, got %q", v)
	}
	if !decision.NewAttempt.Properties.GetBool(labmodel.PropHybridUTPForciblyDisable) {
		t.Fatalf("expected HYBRID_UTP_FORCIBLY_DISABLE=true when hybrid wasn't forced and no UTP configs were supplied")
	}
}

func TestOnTestEndedKeepsHybridWhenUTPConfigsSupplied(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultFail, labmodel.Cause{})

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:               test,
		PriorAttempts:      []*labmodel.TestExecutionUnit{test},
		JobRemainingTime:   time.Hour,
		UTPConfigsSupplied: true,
		NewAttempt:         labmodel.NewTestExecutionUnit("t1-retry", test.Name, test.JobID, test.Locator),
	})
	if decision.Finalized {
		t.Fatalf("expected a retry")
	}
	if decision.NewAttempt.Properties.GetBool(labmodel.PropHybridUTPForciblyDisable) {
		t.Fatalf("expected hybrid UTP to remain enabled when configs were explicitly supplied")
	}
}

func TestOnTestEndedAndroidNoValidUIDSetsFlag(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultFail, labmodel.Cause{ErrorID: labmodel.ErrorIDAndroidPkgMngrNoUID})

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    []*labmodel.TestExecutionUnit{test},
		JobRemainingTime: time.Hour,
		NewAttempt:       labmodel.NewTestExecutionUnit("t1-retry", test.Name, test.JobID, test.Locator),
	})
	if decision.Finalized {
		t.Fatalf("expected a retry")
	}
	if !decision.NewAttempt.Properties.GetBool(labmodel.PropRetryAfterNoValidUIDAssign) {
		t.Fatalf("expected RETRY_AFTER_NO_VALID_UID_ASSIGNED=true")
	}
}

func TestOnTestEndedJobExpiredFinalizes(t *testing.T) {
	engine := New(Config{RetryLevel: LevelFail, TestAttempts: 3}, nil, nil)
	test := newEndedTest("t1", labmodel.ResultFail, labmodel.Cause{})

	decision := engine.OnTestEnded(AttemptEndedInput{
		Test:             test,
		PriorAttempts:    []*labmodel.TestExecutionUnit{test},
		JobRemainingTime: 0,
	})
	if !decision.Finalized {
		t.Fatalf("expected an expired job timer to finalize without retry")
	}
}
