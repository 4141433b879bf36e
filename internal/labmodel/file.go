package labmodel

// ResolveSource identifies one file to fetch through the File Resolver
// Chain (§4.K). Two ResolveSource values with equal fields are the same
// cache key, since a source resolves once per job and is shared across
// every test of that job (§4.F).
type ResolveSource struct {
	Tag          string
	OriginalPath string
}

// ResolveResult is the outcome of resolving a ResolveSource: zero or more
// local paths (an archive source may expand to several files).
type ResolveResult struct {
	LocalPaths []string
}

// FileUnit describes one file made available to a test, whether broadcast
// to every test of a job (notifyJobFile) or addressed to a single test
// (notifyTestFile). De-duplication is by the full value per §4.F/edge case
// #7: (TestLocator, Tag, LocalPath, OriginalPath, Checksum).
type FileUnit struct {
	TestLocator  TestLocator
	Tag          string
	LocalPath    string
	OriginalPath string
	Checksum     string
}

// dedupeKey returns the value used to detect a duplicate notification.
func (f FileUnit) dedupeKey() FileUnit {
	return FileUnit{
		TestLocator:  f.TestLocator,
		Tag:          f.Tag,
		LocalPath:    f.LocalPath,
		OriginalPath: f.OriginalPath,
		Checksum:     f.Checksum,
	}
}

// DedupeKey exposes dedupeKey for owning packages (jobtest) that maintain
// their own de-dup sets.
func (f FileUnit) DedupeKey() FileUnit { return f.dedupeKey() }
