package devices

import (
	"context"
	"errors"
)

// Device represents one controllable endpoint exposed by the external device
// manager. Devices are created by discovery and replaced on resync; the
// control plane never deletes them.
type Device struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	ZoneID           string         `json:"zoneId"`
	Class            string         `json:"class"` // light, thermostat, sensor, socket, ...
	Capabilities     []string       `json:"capabilities"`
	CapabilityValues map[string]any `json:"capabilityValues"`
}

// HasCapability reports whether the device supports cap.
func (d Device) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Valid checks the device invariant: every capability named in
// CapabilityValues is present in Capabilities.
func (d Device) Valid() bool {
	for cap := range d.CapabilityValues {
		if !d.HasCapability(cap) {
			return false
		}
	}
	return true
}

// Zone is a logical room grouping, read-only from the control plane.
type Zone struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Icon        string `json:"icon"`
}

// Manager is the external device-control surface. All calls are cancellable
// and must respect the caller's deadline.
type Manager interface {
	GetDevices(ctx context.Context) (map[string]Device, error)
	GetZones(ctx context.Context) (map[string]Zone, error)
	GetDeviceCapability(ctx context.Context, deviceID, capability string) (any, error)
	SetDeviceCapability(ctx context.Context, deviceID, capability string, value any) error
	TriggerFlow(ctx context.Context, flowID string) error
}

// Typed refusals surfaced by the adapter.
var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrCapabilityNotFound = errors.New("capability not found")
)
