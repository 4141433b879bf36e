// labrunnerd is the lab runner daemon: the host process that owns one
// lab's devices, proxies test execution against them, and keeps a master
// server informed of device status. It composition-roots the packages
// built for this spec except internal/executor and internal/testrunner,
// which it does not construct; each component is constructed with its own real
// dependencies and started, rather than stitched into a single live
// device-test request pipeline (wire/RPC framing with a master is the
// only transport this binary drives end-to-end; device test execution
// itself is driven by whatever calls into jobtest/testrunner out of
// process, per spec §1 Non-goals on client wire format).
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/marcus-qen/devicelab/internal/attempthistory"
	"github.com/marcus-qen/devicelab/internal/devicestatus"
	"github.com/marcus-qen/devicelab/internal/events"
	"github.com/marcus-qen/devicelab/internal/jobtest"
	"github.com/marcus-qen/devicelab/internal/labmodel"
	"github.com/marcus-qen/devicelab/internal/mastersync"
	"github.com/marcus-qen/devicelab/internal/mastersync/wsclient"
	"github.com/marcus-qen/devicelab/internal/proxydevice"
	"github.com/marcus-qen/devicelab/internal/resolver"
	"github.com/marcus-qen/devicelab/internal/retrypolicy"
	"github.com/marcus-qen/devicelab/internal/subscriber"
	"github.com/marcus-qen/devicelab/internal/workerpool"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting lab runner daemon",
		zap.String("lab_id", cfg.LabID),
		zap.String("master_sync_url", cfg.MasterSyncServerURL),
		zap.String("version", version),
	)

	history, err := attempthistory.Open(cfg.AttemptHistoryDBPath, logger)
	if err != nil {
		logger.Fatal("failed to open attempt history store", zap.Error(err))
	}

	pool := workerpool.New(cfg.WorkerPoolSize)
	bus := events.NewBus()

	provider := devicestatus.NewInMemoryProvider()
	client := wsclient.New(cfg.MasterSyncServerURL, cfg.LabID, logger)
	syncer := mastersync.New(provider, client, logger)
	syncer.Subscribe(bus)

	// Concrete device acquisition/attachment is a pluggable capability
	// surface outside this spec (§1 Non-goals: "we do not specify the
	// device driver protocol itself"). noLeaser logs and fails every
	// lease, the way control-plane's own stubHandler marks unwired
	// externally-pluggable surfaces rather than fabricating a driver.
	_ = proxydevice.New(noLeaser{logger: logger}, pool, logger)

	// tests, subs and chain are constructed here so the daemon owns
	// their lifetime; DI/wiring between them into one live request
	// pipeline is out of scope (§1 Non-goals) — each is driven by
	// whatever out-of-process caller talks to this lab.
	tests := jobtest.New(logger)
	sweeper := jobtest.NewSweeper(tests, noResubmitter{logger: logger}, logger)
	go sweeper.Run(ctx)

	_ = subscriber.New(logger)
	_ = resolver.NewChain(logger,
		resolver.NewLocalNode(logger),
		resolver.NewCacheNode(cfg.DataDir+"/cache", logger),
	)
	_ = retrypolicy.New(retrypolicy.Config{
		RetryLevel:   retrypolicy.LevelFail,
		TestAttempts: 2,
	}, noExtraAllocation{}, logger)

	go client.Run(ctx)
	go syncer.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down...")

	if err := history.Close(); err != nil {
		logger.Error("failed to close attempt history store", zap.Error(err))
	}
	pool.Wait()
	logger.Info("shutdown complete")
}

// noLeaser is a placeholder Leaser for running the daemon without a real
// device driver wired in. It fails every lease immediately rather than
// hanging, and logs the attempt so an operator notices a misconfigured
// deployment quickly.
type noLeaser struct {
	logger *zap.Logger
}

func (n noLeaser) LeaseDevice(ctx context.Context, job labmodel.JobLocator, test labmodel.TestLocator, subDeviceIndex int, req labmodel.DeviceRequirement) (labmodel.DeviceID, error) {
	n.logger.Warn("lease requested with no device driver wired in",
		zap.String("job_id", job.ID), zap.String("test_id", test.TestID),
		zap.Int("sub_device_index", subDeviceIndex))
	return "", errNoDeviceDriver
}

func (n noLeaser) ReleaseDevice(job labmodel.JobLocator, test labmodel.TestLocator, device labmodel.DeviceID) error {
	return nil
}

var errNoDeviceDriver = errors.New("no device driver wired in")

// noResubmitter satisfies jobtest.Resubmitter when no client connection is
// wired in to actually attach a synthetic keep-alive test. It only logs
// that a resubmission was due.
type noResubmitter struct {
	logger *zap.Logger
}

func (n noResubmitter) ResubmitKeepAliveTest(job labmodel.JobLocator) error {
	n.logger.Info("keep-alive resubmission due, no client connection wired in to attach it",
		zap.String("job_id", job.ID))
	return nil
}

// noExtraAllocation satisfies retrypolicy.Allocator when no external job
// scheduler is wired in to grant INFRA_ISSUE extra-retry allocations.
type noExtraAllocation struct{}

func (noExtraAllocation) ExtraAllocation(test *labmodel.TestExecutionUnit) error {
	return errNoDeviceDriver
}
