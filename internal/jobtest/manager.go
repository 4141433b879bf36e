// Package jobtest is the central ledger named "Job / Test Manager" in
// §4.F: it owns every job's test set, its file-copy/file-broadcast
// de-duplication state, and its per-job resolve-source cache.
package jobtest

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/marcus-qen/devicelab/internal/labmodel"
	"go.uber.org/zap"
)

// ErrJobNotFound is returned by any operation naming an unknown job.
var ErrJobNotFound = errors.New("job not found")

// ErrJobClosed is returned by StartResolveJobFiles when RemoveJob closes
// the job while that call is in progress, per §4.F's invariant that a
// closed job rejects new resolves. Once RemoveJob has returned the job is
// unknown, so later calls get ErrJobNotFound instead.
var ErrJobClosed = errors.New("job is closed")

// ErrTestAlreadyAdded is returned by AddTestIfAbsent for a test locator
// already attached to its job.
var ErrTestAlreadyAdded = errors.New("test already added")

// Runner is the narrow view of a test runner that the job/test manager
// needs: enough to broadcast already-known job files to a newly attached
// test and to deliver later notifications.
type Runner interface {
	Locator() labmodel.TestLocator
	NotifyFile(file labmodel.FileUnit)
}

// Killer removes one test's runtime state, used by RemoveJob to kill and
// remove every test of a job before the job record itself is dropped.
// Implemented by the test runner launcher in the running system; defined
// here narrowly so jobtest has no import-time dependency on it.
type Killer interface {
	KillAndRemoveTest(test labmodel.TestLocator) error
}

type testEntry struct {
	runner              Runner
	clientPostRunDone    bool
	notifiedFiles        map[labmodel.FileUnit]struct{}
}

type job struct {
	mu       sync.Mutex
	locator  labmodel.JobLocator
	dirs     labmodel.JobDirs
	genExpiry int64

	repeatSchedule string
	createdAt      time.Time
	lastSweepAt    *time.Time

	copiedPaths map[string]struct{}
	broadcastFiles map[labmodel.FileUnit]struct{}
	resolveCache map[labmodel.ResolveSource]*resolveFuture

	tests  map[labmodel.TestLocator]*testEntry
	order  []labmodel.TestLocator // preserves add order for removeJob
	closed bool
}

// Manager is the Job / Test Manager. The zero value is not usable;
// construct with New.
type Manager struct {
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New returns an empty Manager.
func New(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger.Named("jobtest"), jobs: make(map[string]*job)}
}

// AddJobIfAbsent inserts unit if its ID is unknown; a job already present
// under that ID is left unchanged. It returns nothing: neither the existing
// nor the inserted job is handed back to the caller.
func (m *Manager) AddJobIfAbsent(unit labmodel.JobExecutionUnit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[unit.ID]; exists {
		return
	}
	m.jobs[unit.ID] = &job{
		locator:        unit.Locator,
		dirs:           unit.Dirs,
		genExpiry:      unit.GenFileExpiry,
		repeatSchedule: unit.RepeatSchedule,
		createdAt:      time.Now(),
		copiedPaths:    make(map[string]struct{}),
		broadcastFiles: make(map[labmodel.FileUnit]struct{}),
		resolveCache:   make(map[labmodel.ResolveSource]*resolveFuture),
		tests:          make(map[labmodel.TestLocator]*testEntry),
	}
}

func (m *Manager) getJob(jobID string) (*job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// AddTestIfAbsent attaches runner to its job and broadcasts every job file
// already known to the job to the new test.
func (m *Manager) AddTestIfAbsent(jobID string, runner Runner) error {
	j, err := m.getJob(jobID)
	if err != nil {
		return err
	}

	locator := runner.Locator()
	j.mu.Lock()
	if _, exists := j.tests[locator]; exists {
		j.mu.Unlock()
		return ErrTestAlreadyAdded
	}
	entry := &testEntry{runner: runner, notifiedFiles: make(map[labmodel.FileUnit]struct{})}
	j.tests[locator] = entry
	j.order = append(j.order, locator)
	known := make([]labmodel.FileUnit, 0, len(j.broadcastFiles))
	for f := range j.broadcastFiles {
		known = append(known, f)
	}
	j.mu.Unlock()

	for _, f := range known {
		f.TestLocator = locator
		entry.notifiedFiles[f.DedupeKey()] = struct{}{}
		runner.NotifyFile(f)
	}
	return nil
}

// MarkTestClientPostRunDone is a once-only transition: subsequent calls
// for the same test are no-ops and report false.
func (m *Manager) MarkTestClientPostRunDone(jobID string, test labmodel.TestLocator) (bool, error) {
	j, err := m.getJob(jobID)
	if err != nil {
		return false, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	entry, ok := j.tests[test]
	if !ok {
		return false, ErrJobNotFound
	}
	if entry.clientPostRunDone {
		return false, nil
	}
	entry.clientPostRunDone = true
	return true, nil
}

// MarkJobCopyFile records path as copied for jobID; returns false if it
// was already marked.
func (m *Manager) MarkJobCopyFile(jobID, path string) (bool, error) {
	j, err := m.getJob(jobID)
	if err != nil {
		return false, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.copiedPaths[path]; exists {
		return false, nil
	}
	j.copiedPaths[path] = struct{}{}
	return true, nil
}

// IsJobFileCopied reports whether path has already been marked copied for
// jobID.
func (m *Manager) IsJobFileCopied(jobID, path string) (bool, error) {
	j, err := m.getJob(jobID)
	if err != nil {
		return false, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, exists := j.copiedPaths[path]
	return exists, nil
}

// NotifyJobFile broadcasts file to every test of its job, de-duped per
// test by (TestLocator, Tag, LocalPath, OriginalPath, Checksum).
func (m *Manager) NotifyJobFile(jobID string, file labmodel.FileUnit) error {
	j, err := m.getJob(jobID)
	if err != nil {
		return err
	}

	j.mu.Lock()
	jobLevelKey := file
	jobLevelKey.TestLocator = labmodel.TestLocator{}
	if _, seen := j.broadcastFiles[jobLevelKey.DedupeKey()]; seen {
		j.mu.Unlock()
		return nil
	}
	j.broadcastFiles[jobLevelKey.DedupeKey()] = struct{}{}

	entries := make([]*testEntry, 0, len(j.tests))
	locators := make([]labmodel.TestLocator, 0, len(j.tests))
	for locator, entry := range j.tests {
		entries = append(entries, entry)
		locators = append(locators, locator)
	}
	j.mu.Unlock()

	for i, entry := range entries {
		perTest := file
		perTest.TestLocator = locators[i]
		key := perTest.DedupeKey()
		if _, seen := entry.notifiedFiles[key]; seen {
			continue
		}
		entry.notifiedFiles[key] = struct{}{}
		entry.runner.NotifyFile(perTest)
	}
	return nil
}

// NotifyTestFile delivers file to the single test it addresses, de-duped
// by the same key as NotifyJobFile.
func (m *Manager) NotifyTestFile(jobID string, file labmodel.FileUnit) error {
	j, err := m.getJob(jobID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	entry, ok := j.tests[file.TestLocator]
	j.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	key := file.DedupeKey()
	if _, seen := entry.notifiedFiles[key]; seen {
		return nil
	}
	entry.notifiedFiles[key] = struct{}{}
	entry.runner.NotifyFile(file)
	return nil
}

// RemoveJob kills and removes every test of jobID (preserving add order),
// removes the job record, closes it (cancelling any in-flight resolve
// futures), and cleans up its directories.
func (m *Manager) RemoveJob(jobID string, killer Killer) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	delete(m.jobs, jobID)
	m.mu.Unlock()

	j.mu.Lock()
	order := append([]labmodel.TestLocator(nil), j.order...)
	j.mu.Unlock()

	for _, locator := range order {
		if err := killer.KillAndRemoveTest(locator); err != nil {
			m.logger.Warn("failed to kill/remove test during job removal",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}

	j.mu.Lock()
	j.closed = true
	futures := make([]*resolveFuture, 0, len(j.resolveCache))
	for _, f := range j.resolveCache {
		futures = append(futures, f)
	}
	dirs := j.dirs
	genExpiry := j.genExpiry
	j.mu.Unlock()

	for _, f := range futures {
		f.cancelIfStarted()
	}

	m.cleanupDirs(dirs, genExpiry)
	return nil
}

func (m *Manager) cleanupDirs(dirs labmodel.JobDirs, genExpiry int64) {
	removeWithPrelude := func(dir string) {
		if dir == "" {
			return
		}
		_ = os.Chmod(dir, 0o755)
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("failed to remove job directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	removeWithPrelude(dirs.TmpDir)
	removeWithPrelude(dirs.RunDir)
	if genExpiry == 0 {
		removeWithPrelude(dirs.GenDir)
	}
}

// scheduledJob is a snapshot of one job's repeat-schedule bookkeeping, used
// by Sweeper to decide whether a keep-alive resubmission is due without
// holding jobtest's locks during schedule parsing.
type scheduledJob struct {
	locator     labmodel.JobLocator
	schedule    string
	createdAt   time.Time
	lastSweepAt *time.Time
}

// scheduledJobs returns a snapshot of every job that has a non-empty
// RepeatSchedule, for Sweeper to evaluate.
func (m *Manager) scheduledJobs() []scheduledJob {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	out := make([]scheduledJob, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		if j.repeatSchedule != "" && !j.closed {
			out = append(out, scheduledJob{
				locator:     j.locator,
				schedule:    j.repeatSchedule,
				createdAt:   j.createdAt,
				lastSweepAt: j.lastSweepAt,
			})
		}
		j.mu.Unlock()
	}
	return out
}

// markSwept records that jobID's keep-alive test was just resubmitted at
// swept, so the next due-check anchors on this sweep rather than createdAt.
func (m *Manager) markSwept(jobID string, swept time.Time) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return
	}
	j.mu.Lock()
	j.lastSweepAt = &swept
	j.mu.Unlock()
}
