package devices

// Demo data backs the dashboard when the device manager is unreachable. The
// set is deterministic so degraded responses are stable across requests.

// DemoDevices returns the fallback device set.
func DemoDevices() map[string]Device {
	devices := []Device{
		{
			ID: "demo-thermostat-livingroom", Name: "Living Room Thermostat",
			ZoneID: "demo-livingroom", Class: "thermostat",
			Capabilities: []string{"target_temperature", "measure_temperature"},
			CapabilityValues: map[string]any{
				"target_temperature":  21.0,
				"measure_temperature": 20.4,
			},
		},
		{
			ID: "demo-light-livingroom", Name: "Living Room Ceiling",
			ZoneID: "demo-livingroom", Class: "light",
			Capabilities:     []string{"onoff", "dim"},
			CapabilityValues: map[string]any{"onoff": true, "dim": 0.8},
		},
		{
			ID: "demo-sensor-bathroom", Name: "Bathroom Climate Sensor",
			ZoneID: "demo-bathroom", Class: "sensor",
			Capabilities: []string{"measure_temperature", "measure_humidity"},
			CapabilityValues: map[string]any{
				"measure_temperature": 22.1,
				"measure_humidity":    58.0,
			},
		},
		{
			ID: "demo-socket-office", Name: "Office Desk Socket",
			ZoneID: "demo-office", Class: "socket",
			Capabilities:     []string{"onoff", "measure_power"},
			CapabilityValues: map[string]any{"onoff": true, "measure_power": 64.0},
		},
	}

	out := make(map[string]Device, len(devices))
	for _, d := range devices {
		out[d.ID] = d
	}
	return out
}

// DemoZones returns the fallback zone set.
func DemoZones() map[string]Zone {
	zones := []Zone{
		{ID: "demo-livingroom", DisplayName: "Living Room", Icon: "sofa"},
		{ID: "demo-bathroom", DisplayName: "Bathroom", Icon: "bath"},
		{ID: "demo-office", DisplayName: "Office", Icon: "desk"},
	}
	out := make(map[string]Zone, len(zones))
	for _, z := range zones {
		out[z.ID] = z
	}
	return out
}
