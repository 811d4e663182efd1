package devices

import (
	"context"
	"fmt"
	"sync"
)

// DemoManager is an in-process Manager over the demo dataset. It stands in
// for the external home-automation SDK in development and in tests.
type DemoManager struct {
	mu      sync.Mutex
	devices map[string]Device
	zones   map[string]Zone
	flows   []string
}

// NewDemoManager seeds a manager with the demo dataset.
func NewDemoManager() *DemoManager {
	return &DemoManager{
		devices: DemoDevices(),
		zones:   DemoZones(),
	}
}

func (m *DemoManager) GetDevices(ctx context.Context) (map[string]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Device, len(m.devices))
	for id, d := range m.devices {
		copied := d
		copied.CapabilityValues = make(map[string]any, len(d.CapabilityValues))
		for k, v := range d.CapabilityValues {
			copied.CapabilityValues[k] = v
		}
		out[id] = copied
	}
	return out, nil
}

func (m *DemoManager) GetZones(ctx context.Context) (map[string]Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Zone, len(m.zones))
	for id, z := range m.zones {
		out[id] = z
	}
	return out, nil
}

func (m *DemoManager) GetDeviceCapability(ctx context.Context, deviceID, capability string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if !d.HasCapability(capability) {
		return nil, fmt.Errorf("%w: %s on %s", ErrCapabilityNotFound, capability, deviceID)
	}
	return d.CapabilityValues[capability], nil
}

func (m *DemoManager) SetDeviceCapability(ctx context.Context, deviceID, capability string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if !d.HasCapability(capability) {
		return fmt.Errorf("%w: %s on %s", ErrCapabilityNotFound, capability, deviceID)
	}
	if d.CapabilityValues == nil {
		d.CapabilityValues = make(map[string]any)
	}
	d.CapabilityValues[capability] = value
	m.devices[deviceID] = d
	return nil
}

func (m *DemoManager) TriggerFlow(ctx context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows = append(m.flows, flowID)
	return nil
}

// TriggeredFlows reports the flows run so far, oldest first.
func (m *DemoManager) TriggeredFlows() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.flows...)
}

var _ Manager = (*DemoManager)(nil)
