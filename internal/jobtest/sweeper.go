package jobtest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

// SweepInterval is how often the Sweeper checks every job's
// RepeatSchedule for due keep-alive resubmissions.
const SweepInterval = 30 * time.Second

// Resubmitter submits a synthetic keep-alive test for job. It is the
// caller's responsibility to actually construct and attach a Runner
// (jobtest has no notion of how a test is executed); the Sweeper only
// decides *when* a resubmission is due.
type Resubmitter interface {
	ResubmitKeepAliveTest(job labmodel.JobLocator) error
}

// Sweeper periodically resubmits a keep-alive test for every job whose
// RepeatSchedule is due, per SPEC_FULL.md's Supplemented Features. A job
// with no RepeatSchedule is never visited.
type Sweeper struct {
	mgr         *Manager
	resubmitter Resubmitter
	logger      *zap.Logger
}

// NewSweeper returns a Sweeper reading schedules from mgr and resubmitting
// through resubmitter.
func NewSweeper(mgr *Manager, resubmitter Resubmitter, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{mgr: mgr, resubmitter: resubmitter, logger: logger.Named("jobtest.sweeper")}
}

// Run ticks every SweepInterval until ctx is cancelled, sweeping once
// immediately on entry.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepOnce(time.Now())

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

func (s *Sweeper) sweepOnce(now time.Time) {
	for _, sj := range s.mgr.scheduledJobs() {
		due, err := scheduleDue(sj.schedule, sj.lastSweepAt, sj.createdAt, now)
		if err != nil {
			s.logger.Warn("invalid repeat schedule",
				zap.String("job_id", sj.locator.ID), zap.String("schedule", sj.schedule), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		if err := s.resubmitter.ResubmitKeepAliveTest(sj.locator); err != nil {
			s.logger.Warn("keep-alive resubmission failed",
				zap.String("job_id", sj.locator.ID), zap.Error(err))
			continue
		}
		s.mgr.markSwept(sj.locator.ID, now)
	}
}

// scheduleDue evaluates a RepeatSchedule the same way the teacher's
// isScheduleDue does: a bare Go duration ("30m") is treated as a fixed
// interval since the last anchor, anything else is parsed as a standard
// five-field cron expression.
func scheduleDue(schedule string, lastSweptAt *time.Time, createdAt, now time.Time) (bool, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false, fmt.Errorf("schedule is required")
	}

	anchor := createdAt.UTC()
	if lastSweptAt != nil {
		anchor = lastSweptAt.UTC()
	}

	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		return !anchor.Add(interval).After(now.UTC()), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, err
	}
	next := spec.Next(anchor)
	return !next.After(now.UTC()), nil
}
