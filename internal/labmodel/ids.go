// Package labmodel holds the value types shared across the lab orchestration
// runtime: job/test identity, status enumerations, the property multimap,
// and the error-cause taxonomy. It has no behavior of its own — every
// owning package (jobtest, proxydevice, testrunner, retrypolicy, resolver)
// builds its managed state on top of these shapes.
package labmodel

import "fmt"

// JobLocator identifies a job across the lab, the master, and test clients.
type JobLocator struct {
	ID string
}

func (l JobLocator) String() string { return l.ID }

// TestLocator identifies one test within a job.
type TestLocator struct {
	JobID  string
	TestID string
}

func (l TestLocator) String() string {
	return fmt.Sprintf("%s/%s", l.JobID, l.TestID)
}

// JobDirs bundles the three per-job directories the lab manages.
type JobDirs struct {
	RunDir string // hardlinked/copied test inputs, keyed by tag
	TmpDir string // scratch space, always removed on removeJob
	GenDir string // generated outputs, removed only if GenFileExpiry == 0
}
