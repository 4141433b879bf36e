package retrypolicy

import (
	"strconv"
	"time"

	"github.com/marcus-qen/devicelab/internal/labmodel"
	"go.uber.org/zap"
)

// Allocator requests the extra device reservation a new retry attempt
// needs; failure is logged but never blocks finalizing the decision
// (§4.I step 6: "failure to allocate is logged but not fatal").
type Allocator interface {
	ExtraAllocation(test *labmodel.TestExecutionUnit) error
}

// Engine is the Test Retry Policy Engine. Construct one per job.
type Engine struct {
	cfg       Config
	allocator Allocator
	logger    *zap.Logger
	now       func() time.Time
}

// New returns an Engine for the given job-wide config.
func New(cfg Config, allocator Allocator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, allocator: allocator, logger: logger.Named("retrypolicy"), now: time.Now}
}

// WithClock overrides the engine's monotonic clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Decision reports what OnTestEnded decided for one ended attempt.
type Decision struct {
	Finalized  bool
	NewAttempt *labmodel.TestExecutionUnit
	Reason     labmodel.RetryReason
}

// AttemptEndedInput bundles everything the decision tree in §4.I needs,
// captured as a snapshot at event time (§4.I "Ordering guarantee").
type AttemptEndedInput struct {
	// Test is the attempt that just ended; its Result/ResultWithCause must
	// already be set.
	Test *labmodel.TestExecutionUnit
	// Foregoing is the attempt this one was itself a retry of, if any.
	Foregoing *labmodel.TestExecutionUnit
	// PriorAttempts lists every attempt so far sharing the same test name
	// and REPEAT_INDEX, including Test itself; used for valid-attempt
	// counting (§4.I step 4).
	PriorAttempts []*labmodel.TestExecutionUnit
	// JobRemainingTime is the job timer snapshot at event time; <= 0 means
	// the job's time budget has expired.
	JobRemainingTime time.Duration
	// Duration is how long Test itself ran.
	Duration time.Duration
	// Driver names the test driver, checked against Config.DriverBlocklist
	// for the INFRA_ISSUE extra retry gate.
	Driver string
	// ContainerMode/SandboxMode/UTPMode/UTPForcedHybrid/UTPConfigsSupplied
	// describe the ended attempt's execution mode.
	ContainerMode       bool
	SandboxMode         bool
	UTPMode             labmodel.UTPMode
	UTPForcedHybrid     bool
	UTPConfigsSupplied  bool
	// NewAttempt, if non-nil, is a freshly constructed (NEW-state, empty
	// properties) TestExecutionUnit the engine populates and returns when
	// it decides to retry. The caller owns ID/name/job assignment; the
	// engine never constructs attempts itself.
	NewAttempt *labmodel.TestExecutionUnit
}

// isValidAttempt reports whether t counts toward the valid-attempt budget
// (§4.I step 4). Validity is a property of how t itself ended — container,
// UTP, and drain-timeout classes are excluded — and OnTestEnded tags it onto
// t at end time; it must never be inferred from PropRetryReason, which
// records why a *successor* attempt was created, not how t ended.
func isValidAttempt(t *labmodel.TestExecutionUnit) bool {
	return !t.Properties.GetBool(labmodel.PropInvalidAttempt)
}

// endedAttemptIsInvalid classifies an ended attempt by its own result, cause,
// and execution mode (§4.I step 4): container-mode attempts that didn't end
// PASS/FAIL/a customer-issue ERROR, UTP-mode attempts that didn't end
// PASS/SKIP (absent a forced hybrid), and drain-timeout attempts, are all
// excluded from the valid-attempt count.
func endedAttemptIsInvalid(result labmodel.TestResult, cause labmodel.Cause, containerMode bool, utpMode labmodel.UTPMode, utpForcedHybrid bool) bool {
	if containerMode && result != labmodel.ResultPass && result != labmodel.ResultFail &&
		!(result == labmodel.ResultError && cause.Kind == labmodel.CauseCustomerIssue) {
		return true
	}
	if utpMode != "" && result != labmodel.ResultPass && result != labmodel.ResultSkip && !utpForcedHybrid {
		return true
	}
	if cause.Kind == labmodel.CauseTimeout && cause.Timeout == labmodel.TimeoutDrain {
		return true
	}
	return false
}

func matchesLevel(level Level, result labmodel.TestResult) bool {
	switch level {
	case LevelError:
		return result == labmodel.ResultError
	case LevelFail:
		return result == labmodel.ResultFail || result == labmodel.ResultError
	default:
		return false
	}
}

// OnTestEnded runs the §4.I decision tree for one ended attempt.
func (e *Engine) OnTestEnded(in AttemptEndedInput) Decision {
	// Step 1: repeat-all has already enumerated every attempt in the
	// pre-pass; nothing left to decide.
	if e.cfg.RetryLevel == LevelAll {
		in.Test.Properties.SetBool(labmodel.PropIsFinalAttempt, true)
		return Decision{Finalized: true}
	}

	// Step 2: a later attempt passed where the one it retried did not.
	if in.Foregoing != nil {
		foregoingResult := in.Foregoing.Result()
		if foregoingResult != labmodel.ResultPass && in.Test.Result() == labmodel.ResultPass {
			in.Foregoing.Properties.SetBool(labmodel.PropNonPassingBeforeRetryPass, true)
			in.Foregoing.Properties.SetBool(labmodel.PropVolatileTestInfoAfterEnds, true)
			in.Test.Properties.SetBool(labmodel.PropPassAfterRetry, true)
			in.Test.Properties.SetBool(labmodel.PropIsFinalAttempt, true)
			return Decision{Finalized: true}
		}
	}

	resultWithCause := in.Test.ResultWithCause()
	var cause labmodel.Cause
	if resultWithCause != nil {
		cause = resultWithCause.Cause
	}

	// Step 3: the device never attached; never retried.
	if cause.IsAllocationError {
		in.Test.Properties.SetBool(labmodel.PropIsFinalAttempt, true)
		return Decision{Finalized: true}
	}

	// Tag Test itself with how it ended before counting: PriorAttempts
	// includes Test, and every earlier attempt in that slice was already
	// tagged by its own OnTestEnded call.
	in.Test.Properties.SetBool(labmodel.PropInvalidAttempt,
		endedAttemptIsInvalid(in.Test.Result(), cause, in.ContainerMode, in.UTPMode, in.UTPForcedHybrid))

	validAttempts := 0
	for _, a := range in.PriorAttempts {
		if isValidAttempt(a) {
			validAttempts++
		}
	}
	allPriorReal := validAttempts == len(in.PriorAttempts)

	jobExpired := in.JobRemainingTime <= 0
	var reason labmodel.RetryReason
	chosen := false

	if !jobExpired && validAttempts <= e.cfg.TestAttempts {
		if validAttempts < e.cfg.TestAttempts {
			result := in.Test.Result()
			switch {
			case in.ContainerMode && result != labmodel.ResultPass && result != labmodel.ResultFail &&
				!(result == labmodel.ResultError && cause.Kind == labmodel.CauseCustomerIssue):
				reason = labmodel.ReasonPotentialContainerIssue
				chosen = true
			case in.UTPMode != "" && result != labmodel.ResultPass && result != labmodel.ResultSkip && !in.UTPForcedHybrid:
				reason = labmodel.PotentialUTPIssueReason(in.UTPMode)
				chosen = true
			case cause.Kind == labmodel.CauseTimeout && cause.Timeout == labmodel.TimeoutDrain &&
				drainRetryCount(in.Test) < MaxRetryAttemptsForDrainTimeout:
				reason = labmodel.ReasonDrainTimeoutError
				chosen = true
			case matchesLevel(e.cfg.RetryLevel, result):
				reason = labmodel.TestResultReason(result)
				chosen = true
			}
		} else if !e.cfg.DriverBlocklist[in.Driver] && allPriorReal {
			infra := cause.ErrorID == labmodel.ErrorIDInfraGeneric || cause.Kind == labmodel.CauseInfraIssue || cause.InfraIssueInChain
			if infra {
				cancelled := in.JobRemainingTime < MinJobRemainingTimeForInfraErrorExtraRetry ||
					in.Duration >= MaxTestDurationForInfraErrorExtraRetry ||
					in.Duration > in.JobRemainingTime
				if !cancelled {
					reason = labmodel.ReasonInfraIssueExtraRetry
					chosen = true
				}
			}
		}
	}

	if !chosen {
		in.Test.Properties.SetBool(labmodel.PropIsFinalAttempt, true)
		return Decision{Finalized: true}
	}

	in.Test.Properties.SetBool(labmodel.PropIsFinalAttempt, false)
	newAttempt := e.buildRetryAttempt(in, reason, validAttempts, cause)

	if e.allocator != nil {
		if err := e.allocator.ExtraAllocation(newAttempt); err != nil {
			e.logger.Warn("extra allocation for retry attempt failed",
				zap.String("test", newAttempt.ID), zap.Error(err))
		}
	}

	return Decision{Finalized: false, NewAttempt: newAttempt, Reason: reason}
}

// buildRetryAttempt populates in.NewAttempt per §4.I step 6's inheritance
// and linkage rules.
func (e *Engine) buildRetryAttempt(in AttemptEndedInput, reason labmodel.RetryReason, validAttempts int, cause labmodel.Cause) *labmodel.TestExecutionUnit {
	newAttempt := in.NewAttempt
	if newAttempt == nil {
		newAttempt = labmodel.NewTestExecutionUnit(in.Test.ID+"-retry", in.Test.Name, in.Test.JobID, in.Test.Locator)
	}

	newAttempt.Properties.InheritSubset(in.Test.Properties, labmodel.PropDrainTimeoutRetryAttempts, labmodel.PropRepeatIndex)

	newAttempt.Properties.Set(labmodel.PropForegoingTestID, in.Test.ID)
	newAttempt.Properties.Set(labmodel.PropForegoingTestResult, string(in.Test.Result()))
	newAttempt.Properties.Set(labmodel.PropRetryIndex, strconv.Itoa(validAttempts))
	newAttempt.Properties.Set(labmodel.PropRetryReason, string(reason))

	if in.SandboxMode {
		newAttempt.Properties.SetBool(labmodel.PropRetryAfterSandboxFails, true)
	} else {
		newAttempt.Properties.SetBool(labmodel.PropSandboxMode, false)
	}
	if in.ContainerMode {
		newAttempt.Properties.SetBool(labmodel.PropRetryAfterContainerFails, true)
	} else {
		newAttempt.Properties.SetBool(labmodel.PropContainerMode, false)
	}

	if !in.UTPForcedHybrid && !in.UTPConfigsSupplied {
		newAttempt.Properties.SetBool(labmodel.PropHybridUTPForciblyDisable, true)
	}

	if reason == labmodel.ReasonDrainTimeoutError {
		newAttempt.Properties.Set(labmodel.PropDrainTimeoutRetryAttempts, strconv.Itoa(drainRetryCount(in.Test)+1))
	}

	if cause.ErrorID == labmodel.ErrorIDAndroidPkgMngrNoUID {
		newAttempt.Properties.SetBool(labmodel.PropRetryAfterNoValidUIDAssign, true)
	}

	return newAttempt
}

// drainRetryCount reads the inherited per-test drain-timeout retry counter,
// defaulting to 0 when absent or unparsable.
func drainRetryCount(t *labmodel.TestExecutionUnit) int {
	v, ok := t.Properties.Get(labmodel.PropDrainTimeoutRetryAttempts)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
