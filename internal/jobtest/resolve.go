package jobtest

import (
	"context"
	"sync"

	"github.com/marcus-qen/devicelab/internal/labmodel"
	"go.uber.org/zap"
)

// ResolveFn resolves a single ResolveSource to local paths, typically
// backed by the File Resolver Chain (internal/resolver).
type ResolveFn func(ctx context.Context, source labmodel.ResolveSource) (labmodel.ResolveResult, error)

// resolveFuture is a per-job cache entry for one ResolveSource: computed
// at most once per job and shared by every test that requests the same
// source, per §4.F/§4.K.
type resolveFuture struct {
	mu     sync.Mutex
	done   chan struct{}
	result labmodel.ResolveResult
	err    error
	cancel context.CancelFunc
}

func newResolveFuture(cancel context.CancelFunc) *resolveFuture {
	return &resolveFuture{done: make(chan struct{}), cancel: cancel}
}

// cancelIfStarted cancels the resolve's context. The cancel func is set
// when the future is created, so this also cancels a resolve whose
// goroutine has not started running yet.
func (f *resolveFuture) cancelIfStarted() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *resolveFuture) complete(result labmodel.ResolveResult, err error) {
	f.mu.Lock()
	f.result, f.err = result, err
	f.mu.Unlock()
	close(f.done)
}

func (f *resolveFuture) wait() (labmodel.ResolveResult, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// StartResolveJobFiles resolves each source at most once per job (sharing
// an in-flight or completed future across every test that asks for the
// same source) and, on success, broadcasts one FileUnit per resolved local
// path to every test of the job, not only the one that triggered it.
func (m *Manager) StartResolveJobFiles(jobID string, test labmodel.TestLocator, sources []labmodel.ResolveSource, resolveFn ResolveFn) error {
	j, err := m.getJob(jobID)
	if err != nil {
		return err
	}

	for _, source := range sources {
		future, ctx, isNew, err := m.getOrCreateResolveFuture(j, source)
		if err != nil {
			return err
		}
		if isNew {
			go m.runResolve(ctx, future, source, resolveFn)
		}
		go m.deliverResolvedFiles(jobID, test, source, future)
	}
	return nil
}

// getOrCreateResolveFuture installs the future's cancel func before it is
// ever visible outside the job lock: RemoveJob's cancelIfStarted sweep reads
// j.resolveCache under the same lock, so a future can never be observed with
// a nil cancel and escape cancellation.
func (m *Manager) getOrCreateResolveFuture(j *job, source labmodel.ResolveSource) (*resolveFuture, context.Context, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, nil, false, ErrJobClosed
	}
	if existing, ok := j.resolveCache[source]; ok {
		return existing, nil, false, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	future := newResolveFuture(cancel)
	j.resolveCache[source] = future
	return future, ctx, true, nil
}

func (m *Manager) runResolve(ctx context.Context, future *resolveFuture, source labmodel.ResolveSource, resolveFn ResolveFn) {
	result, err := resolveFn(ctx, source)
	future.complete(result, err)
}

// deliverResolvedFiles emits one JobFileUnit per resolved path as a
// job-scoped broadcast (§4.F): a source resolves once per job and every
// test of that job observes it, not only the test that triggered resolution.
func (m *Manager) deliverResolvedFiles(jobID string, test labmodel.TestLocator, source labmodel.ResolveSource, future *resolveFuture) {
	result, err := future.wait()
	if err != nil {
		m.logger.Warn("resolve job file failed",
			zap.String("job_id", jobID), zap.String("test_id", test.TestID), zap.String("tag", source.Tag), zap.Error(err))
		return
	}
	for _, path := range result.LocalPaths {
		_ = m.NotifyJobFile(jobID, labmodel.FileUnit{
			Tag:          source.Tag,
			LocalPath:    path,
			OriginalPath: source.OriginalPath,
		})
	}
}
