// Package devicestatus defines the Device Status Provider boundary (§4.B):
// a read-only snapshot source the lab core consumes but never mutates.
// Concrete device detection/dispatch is out of scope per spec §1 — this
// package only carries the interface and an in-memory implementation
// suitable for tests and small deployments.
package devicestatus

import (
	"sync"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

// Provider is the read-only device snapshot source consumed by the master
// syncer and the proxy device manager. Implementations must never be
// mutated by a caller; updateDuplicatedUuid is the one caller->provider
// feedback channel the spec allows.
type Provider interface {
	// GetAllDeviceStatusWithoutDuplicatedUUID returns a snapshot of every
	// known device and its status, excluding any uuid the provider has
	// been told is a duplicate. realtimeDispatch requests a fresh
	// detection pass rather than a cached one.
	GetAllDeviceStatusWithoutDuplicatedUUID(realtimeDispatch bool) []labmodel.DeviceAndStatusInfo

	// GetDeviceAndStatusInfoByControlID looks up one device by its
	// control id and type.
	GetDeviceAndStatusInfoByControlID(controlID, deviceType string) (labmodel.DeviceAndStatusInfo, bool)

	// GetDeviceAndStatusInfoByUUID looks up one device by uuid.
	GetDeviceAndStatusInfoByUUID(uuid string) (labmodel.DeviceAndStatusInfo, bool)

	// UpdateDuplicatedUUID tells the provider that uuid has been reported
	// as a duplicate by the master and should be excluded from future
	// snapshots until it resolves.
	UpdateDuplicatedUUID(uuid string)
}

// InMemoryProvider is a Provider backed by a caller-populated map, useful
// for local labs and tests where devices are registered directly rather
// than detected.
type InMemoryProvider struct {
	mu         sync.RWMutex
	devices    map[string]labmodel.DeviceAndStatusInfo // keyed by uuid
	duplicated map[string]bool
}

// NewInMemoryProvider returns an empty provider.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{
		devices:    make(map[string]labmodel.DeviceAndStatusInfo),
		duplicated: make(map[string]bool),
	}
}

// Put inserts or replaces a device's snapshot.
func (p *InMemoryProvider) Put(info labmodel.DeviceAndStatusInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[info.UUID] = info
}

// Remove deletes a device from the provider entirely (distinct from
// duplicate suppression, which is reversible).
func (p *InMemoryProvider) Remove(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, uuid)
}

func (p *InMemoryProvider) GetAllDeviceStatusWithoutDuplicatedUUID(_ bool) []labmodel.DeviceAndStatusInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]labmodel.DeviceAndStatusInfo, 0, len(p.devices))
	for uuid, info := range p.devices {
		if p.duplicated[uuid] {
			continue
		}
		out = append(out, info)
	}
	return out
}

func (p *InMemoryProvider) GetDeviceAndStatusInfoByControlID(controlID, deviceType string) (labmodel.DeviceAndStatusInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, info := range p.devices {
		if info.ControlID == controlID && info.Type == deviceType {
			return info, true
		}
	}
	return labmodel.DeviceAndStatusInfo{}, false
}

func (p *InMemoryProvider) GetDeviceAndStatusInfoByUUID(uuid string) (labmodel.DeviceAndStatusInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.devices[uuid]
	return info, ok
}

func (p *InMemoryProvider) UpdateDuplicatedUUID(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duplicated[uuid] = true
}
