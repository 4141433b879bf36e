package devicestatus

import (
	"testing"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

func TestInMemoryProviderPutAndGetByUUID(t *testing.T) {
	p := NewInMemoryProvider()
	p.Put(labmodel.DeviceAndStatusInfo{UUID: "u1", ControlID: "c1", Type: "android"})

	info, ok := p.GetDeviceAndStatusInfoByUUID("u1")
	if !ok {
		t.Fatalf("expected device u1 to be found")
	}
	if info.ControlID != "c1" {
		t.Fatalf("ControlID = %q, want c1", info.ControlID)
	}

	if _, ok := p.GetDeviceAndStatusInfoByUUID("missing"); ok {
		t.Fatalf("expected missing uuid to not be found")
	}
}

func TestInMemoryProviderGetByControlID(t *testing.T) {
	p := NewInMemoryProvider()
	p.Put(labmodel.DeviceAndStatusInfo{UUID: "u1", ControlID: "c1", Type: "android"})
	p.Put(labmodel.DeviceAndStatusInfo{UUID: "u2", ControlID: "c1", Type: "ios"})

	info, ok := p.GetDeviceAndStatusInfoByControlID("c1", "ios")
	if !ok || info.UUID != "u2" {
		t.Fatalf("expected to resolve u2 by (control_id, type), got %+v ok=%v", info, ok)
	}

	if _, ok := p.GetDeviceAndStatusInfoByControlID("c1", "unknown-type"); ok {
		t.Fatalf("expected no match for an unknown type")
	}
}

func TestInMemoryProviderExcludesDuplicatedUUID(t *testing.T) {
	p := NewInMemoryProvider()
	p.Put(labmodel.DeviceAndStatusInfo{UUID: "u1"})
	p.Put(labmodel.DeviceAndStatusInfo{UUID: "u2"})

	p.UpdateDuplicatedUUID("u1")

	all := p.GetAllDeviceStatusWithoutDuplicatedUUID(false)
	if len(all) != 1 || all[0].UUID != "u2" {
		t.Fatalf("expected only u2 in the snapshot once u1 is marked duplicated, got %+v", all)
	}

	// UpdateDuplicatedUUID does not remove the device outright.
	if _, ok := p.GetDeviceAndStatusInfoByUUID("u1"); !ok {
		t.Fatalf("expected u1 to still be directly lookupable after being marked duplicated")
	}
}

func TestInMemoryProviderRemove(t *testing.T) {
	p := NewInMemoryProvider()
	p.Put(labmodel.DeviceAndStatusInfo{UUID: "u1"})
	p.Remove("u1")

	if _, ok := p.GetDeviceAndStatusInfoByUUID("u1"); ok {
		t.Fatalf("expected u1 to be gone after Remove")
	}
}
