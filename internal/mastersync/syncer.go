package mastersync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus-qen/devicelab/internal/devicestatus"
	"github.com/marcus-qen/devicelab/internal/events"
	"github.com/marcus-qen/devicelab/internal/labmodel"
	"go.uber.org/zap"
)

// SyncInterval is the periodic heartbeat tick, SYNC_INTERVAL in §4.D.
const SyncInterval = 10 * time.Second

// Syncer runs the periodic heartbeat loop and handles device lifecycle
// events synchronously, subscribed on an *events.Bus. Per §4.D, the
// DeviceUp handler is mutually exclusive with other single-device sign-up
// calls; the periodic loop may run concurrently with those because both
// paths go through the same idempotent master RPCs.
type Syncer struct {
	provider devicestatus.Provider
	client   Client
	logger   *zap.Logger

	mu       sync.Mutex  // serializes single-device sign-up calls
	draining atomic.Bool // one-way latch, set by EnableDrainingMode
}

// New returns a Syncer that reads snapshots from provider and talks to the
// master through client.
func New(provider devicestatus.Provider, client Client, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		provider: provider,
		client:   client,
		logger:   logger.Named("mastersync"),
	}
}

// EnableDrainingMode is a one-way switch: once set it is never unset for
// the lifetime of this Syncer. While draining, any device observed as
// IDLE is published to the master as LAMEDUCK instead.
func (s *Syncer) EnableDrainingMode() {
	s.draining.Store(true)
}

func (s *Syncer) isDraining() bool {
	return s.draining.Load()
}

// publishedStatus applies the drain-mode IDLE->LAMEDUCK rewrite described
// in §4.D step 2.
func (s *Syncer) publishedStatus(info labmodel.DeviceAndStatusInfo) labmodel.DeviceAndStatusInfo {
	if s.isDraining() && info.Status.Status == labmodel.DeviceIdle {
		info.Status.Status = labmodel.DeviceLameduck
	}
	return info
}

// Subscribe registers this Syncer's event handlers on bus, wiring §4.D's
// DeviceUp/DeviceChanged/DeviceDown/DeviceErrorChanged/ConfigUpdated
// handlers. The Syncer holds no reference back to bus beyond this call.
func (s *Syncer) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.TypeLocalDeviceUp, func(e events.Event) { s.handleDeviceUp(e) })
	bus.Subscribe(events.TypeLocalDeviceChange, func(e events.Event) { s.handleDeviceUp(e) })
	bus.Subscribe(events.TypeLocalDeviceDown, func(e events.Event) { s.handleDeviceDown(e) })
	bus.Subscribe(events.TypeLocalDeviceError, func(e events.Event) { s.handleDeviceErrorChanged(e) })
	bus.Subscribe(events.TypeConfigUpdated, func(e events.Event) { s.ConfigUpdated(e) })
}

func (s *Syncer) handleDeviceUp(e events.Event) {
	info, ok := s.provider.GetDeviceAndStatusInfoByUUID(e.DeviceUUID)
	if !ok {
		return
	}
	s.signUpOne(info)
}

func (s *Syncer) handleDeviceDown(e events.Event) {
	s.signOutOne(e.DeviceUUID)
}

func (s *Syncer) handleDeviceErrorChanged(e events.Event) {
	info, ok := s.provider.GetDeviceAndStatusInfoByUUID(e.DeviceUUID)
	if !ok {
		return
	}
	info.ExceptionDetail = e.ExceptionDetail
	s.signUpOne(info)
}

// ConfigUpdated re-signs-up every currently known device, per §4.D.
func (s *Syncer) ConfigUpdated(_ events.Event) {
	devices := s.provider.GetAllDeviceStatusWithoutDuplicatedUUID(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signUpAllLocked(devices)
}

func (s *Syncer) signUpOne(info labmodel.DeviceAndStatusInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signUpAllLocked([]labmodel.DeviceAndStatusInfo{info})
}

// signUpAllLocked must be called with s.mu held.
func (s *Syncer) signUpAllLocked(devices []labmodel.DeviceAndStatusInfo) {
	if len(devices) == 0 {
		return
	}
	published := make([]labmodel.DeviceAndStatusInfo, len(devices))
	for i, d := range devices {
		published[i] = s.publishedStatus(d)
	}
	duplicates, err := s.client.SignUpLab(published)
	if err != nil {
		s.logger.Warn("sign up lab failed", zap.Error(err))
		return
	}
	for _, uuid := range duplicates {
		s.provider.UpdateDuplicatedUUID(uuid)
	}
}

func (s *Syncer) signOutOne(uuid string) {
	if err := s.client.SignOutDevice(uuid); err != nil {
		s.logger.Warn("sign out device failed", zap.String("uuid", uuid), zap.Error(err))
	}
}

// Run starts the periodic heartbeat loop; it blocks until ctx is
// cancelled and never terminates on any error other than ctx
// cancellation, per §4.D's failure semantics.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Syncer) tick() {
	snapshot := s.provider.GetAllDeviceStatusWithoutDuplicatedUUID(true)

	published := make([]labmodel.DeviceAndStatusInfo, len(snapshot))
	for i, d := range snapshot {
		published[i] = s.publishedStatus(d)
	}

	signUpAll, outdated, err := s.client.HeartbeatLab(published)
	if err != nil {
		s.logger.Warn("heartbeat lab failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if signUpAll {
		s.signUpAllLocked(published)
		return
	}

	if len(outdated) == 0 {
		return
	}
	var stale []labmodel.DeviceAndStatusInfo
	for _, uuid := range outdated {
		if info, ok := s.provider.GetDeviceAndStatusInfoByUUID(uuid); ok {
			stale = append(stale, s.publishedStatus(info))
		}
	}
	s.signUpAllLocked(stale)
}
