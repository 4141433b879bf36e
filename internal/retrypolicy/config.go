// Package retrypolicy implements the Test Retry Policy Engine (§4.I): the
// decision tree that runs whenever a test ends, deciding whether to
// finalize the attempt or spawn a retry carrying inherited properties and
// an extra allocation request.
package retrypolicy

import "time"

// Level is the job-wide retry level named in §4.I's retry config.
type Level string

const (
	LevelAll   Level = "ALL"
	LevelError Level = "ERROR"
	LevelFail  Level = "FAIL"
)

const (
	// MaxRetryAttemptsForDrainTimeout bounds the per-test drain-timeout
	// retry counter (§4.I step 5).
	MaxRetryAttemptsForDrainTimeout = 5

	// MinJobRemainingTimeForInfraErrorExtraRetry cancels the INFRA_ISSUE
	// extra-retry proposal once the job is this close to its deadline.
	MinJobRemainingTimeForInfraErrorExtraRetry = 5 * time.Minute

	// MaxTestDurationForInfraErrorExtraRetry cancels the INFRA_ISSUE
	// extra-retry proposal once the ended attempt itself ran this long.
	MaxTestDurationForInfraErrorExtraRetry = 2 * time.Hour
)

// Config is the per-job retry configuration (§4.I "Inputs").
type Config struct {
	RetryLevel Level
	// TestAttempts is the maximum number of valid attempts per (testName,
	// repeatIndex) pair before only the INFRA_ISSUE extra retry remains
	// available.
	TestAttempts int
	// RepeatRuns is the explicit repeat-run count used by the pre-pass. A
	// value of 0 falls back to the legacy convention: RetryLevel==ALL uses
	// TestAttempts as the repeat count.
	RepeatRuns int
	// DriverBlocklist names drivers ineligible for the INFRA_ISSUE extra
	// retry (§4.I step 5).
	DriverBlocklist map[string]bool
}

// effectiveRepeatRuns resolves the explicit-vs-legacy convention named in
// §4.I's pre-pass paragraph.
func (c Config) effectiveRepeatRuns() int {
	if c.RepeatRuns > 1 {
		return c.RepeatRuns
	}
	if c.RetryLevel == LevelAll && c.TestAttempts > 1 {
		return c.TestAttempts
	}
	return 1
}
