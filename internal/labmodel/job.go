package labmodel

// JobExecutionUnit is created when the first test for a job arrives, and
// destroyed by removeJob once every test has been killed and removed.
type JobExecutionUnit struct {
	ID                   string
	Locator              JobLocator
	Dirs                 JobDirs
	DisableMasterSyncing bool

	// RepeatSchedule is an ADDED, optional cron or Go-duration expression
	// consumed only by internal/jobtest's Sweeper (see SPEC_FULL.md
	// Supplemented Features); empty means no scheduled keep-alive test.
	RepeatSchedule string

	// GenFileExpiry, when zero, means the gen-file directory is deleted
	// immediately on removeJob; otherwise it is left for a later sweeper.
	GenFileExpiry int64 // seconds; 0 == delete immediately
}
