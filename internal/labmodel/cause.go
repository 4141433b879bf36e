package labmodel

// CauseKind is the coarse error taxonomy used by the retry policy engine and
// the error-handling design in §7 of the spec.
type CauseKind string

const (
	CauseClient       CauseKind = "CLIENT_ERROR"
	CauseCustomerIssue CauseKind = "CUSTOMER_ISSUE"
	CauseInfraIssue   CauseKind = "INFRA_ISSUE"
	CauseTransientIO  CauseKind = "TRANSIENT_IO"
	CauseTimeout      CauseKind = "TIMEOUT"
	CauseInterrupt    CauseKind = "INTERRUPT"
	CauseUnknown      CauseKind = "UNKNOWN"
)

// TimeoutKind distinguishes the three timeout flavors named in §7.
type TimeoutKind string

const (
	TimeoutOverall TimeoutKind = "OVERALL"
	TimeoutStart   TimeoutKind = "START"
	TimeoutDrain   TimeoutKind = "DRAIN"
)

// UTPMode names a UTP (unified test platform) execution mode, carried on a
// test's properties to drive the retry engine's UTP-specific reason
// selection (§4.I step 5).
type UTPMode string

// ErrorID enumerates the subset of critical-error identifiers the retry
// engine inspects. Real deployments carry a much larger identifier space;
// only the ones the spec's decision tree references are named here.
type ErrorID string

const (
	ErrorIDInfraGeneric         ErrorID = "INFRA_ISSUE"
	ErrorIDAndroidPkgMngrNoUID  ErrorID = "ANDROID_PKG_MNGR_NO_VALID_UID_ASSIGNED"
	ErrorIDDeviceDisconnected   ErrorID = "DEVICE_DISCONNECTED_BEFORE_TEST_START"
	ErrorIDDrainTimeout         ErrorID = "DRAIN_TIMEOUT"
)

// Cause describes why a test attempt ended the way it did: the taxonomy
// kind, an optional specific error id, whether it is a potential-container
// or potential-UTP classification, and whether it is an allocation failure
// (device never attached).
type Cause struct {
	Kind              CauseKind
	ErrorID           ErrorID
	Timeout           TimeoutKind // meaningful only when Kind == CauseTimeout
	IsAllocationError bool        // device never attached; never retried (§4.I step 3)
	// InfraIssueInChain reports whether an INFRA_ISSUE classification
	// appears anywhere in a wrapped cause chain, per §4.I step 5.
	InfraIssueInChain bool
}

// ResultWithCause pairs a terminal TestResult with the Cause that produced
// it, as carried on TestExecutionUnit.resultWithCause.
type ResultWithCause struct {
	Result TestResult
	Cause  Cause
}

// RetryReason is the taxonomy of reasons the retry engine records on
// RETRY_REASON when it creates a new attempt (§4.I step 5).
type RetryReason string

const (
	ReasonPotentialContainerIssue RetryReason = "POTENTIAL_CONTAINER_ISSUE"
	ReasonDrainTimeoutError       RetryReason = "DRAIN_TIMEOUT_ERROR"
	ReasonInfraIssueExtraRetry    RetryReason = "INFRA_ISSUE_EXTRA_RETRY"
)

// PotentialUTPIssueReason formats the "POTENTIAL_<UTP_MODE>_ISSUE" reason
// named in §4.I step 5.
func PotentialUTPIssueReason(mode UTPMode) RetryReason {
	return RetryReason("POTENTIAL_" + string(mode) + "_ISSUE")
}

// TestResultReason formats the "TEST_<result>" reason named in §4.I step 5.
func TestResultReason(result TestResult) RetryReason {
	return RetryReason("TEST_" + string(result))
}
