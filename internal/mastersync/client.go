// Package mastersync implements the Master Syncer for Device (§4.D): a
// periodic heartbeat loop plus synchronous, event-driven sign-up/sign-out
// of individual devices. It depends on a Client (§4.C) for the three RPCs
// and a devicestatus.Provider for snapshots; it never reaches back into
// the provider beyond the one duplicated-uuid feedback call, keeping the
// subscription one-way per §9's cyclic-reference redesign note.
package mastersync

import "github.com/marcus-qen/devicelab/internal/labmodel"

// Client is the Master Sync Client boundary (§4.C): the transport used to
// talk to the master scheduler. Implementations may be backed by
// internal/mastersync/wsclient or an in-process fake for tests.
type Client interface {
	// SignUpLab registers devices with the master, returning any uuids
	// the master reports as duplicates of a device already signed up
	// from elsewhere.
	SignUpLab(devices []labmodel.DeviceAndStatusInfo) (duplicatedUUIDs []string, err error)

	// HeartbeatLab reports a liveness snapshot. signUpAll, when true,
	// means the master lost track of this lab's devices entirely and
	// every device must be re-signed-up; otherwise outdatedUUIDs lists
	// devices the master believes are stale.
	HeartbeatLab(devices []labmodel.DeviceAndStatusInfo) (signUpAll bool, outdatedUUIDs []string, err error)

	// SignOutDevice tells the master a device is gone.
	SignOutDevice(uuid string) error
}
