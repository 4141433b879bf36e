package labmodel

// TestStatus is the lifecycle state of a TestExecutionUnit.
// Transitions: NEW -> ASSIGNED -> RUNNING -> DONE | SUSPENDED.
type TestStatus string

const (
	TestStatusNew       TestStatus = "NEW"
	TestStatusAssigned  TestStatus = "ASSIGNED"
	TestStatusRunning   TestStatus = "RUNNING"
	TestStatusDone      TestStatus = "DONE"
	TestStatusSuspended TestStatus = "SUSPENDED"
)

// TestResult is the terminal (or in-flight) outcome of a test attempt.
type TestResult string

const (
	ResultUnknown TestResult = "UNKNOWN"
	ResultPass    TestResult = "PASS"
	ResultFail    TestResult = "FAIL"
	ResultSkip    TestResult = "SKIP"
	ResultError   TestResult = "ERROR"
)

// DeviceStatusValue is the coarse device state published to the master.
type DeviceStatusValue string

const (
	DeviceIdle     DeviceStatusValue = "IDLE"
	DeviceBusy     DeviceStatusValue = "BUSY"
	DeviceInit     DeviceStatusValue = "INIT"
	DevicePrepping DeviceStatusValue = "PREPPING"
	DeviceDying    DeviceStatusValue = "DYING"
	DeviceLameduck DeviceStatusValue = "LAMEDUCK"
)
