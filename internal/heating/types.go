// Package heating runs the multi-zone floor-heating control loop. Each zone
// carries its own PID state and schedule; the controller advances every zone
// once per tick and writes the resulting duty level to the zone's actuator.
package heating

import (
	"errors"
	"time"

	"hearth/internal/schedule"
)

// ZoneType distinguishes the heat source.
type ZoneType string

const (
	TypeElectric ZoneType = "electric"
	TypeWater    ZoneType = "water"
)

// FloorMaterial caps how hot the floor surface may get.
type FloorMaterial string

const (
	MaterialWood  FloorMaterial = "wood"
	MaterialTile  FloorMaterial = "tile"
	MaterialStone FloorMaterial = "stone"
	MaterialVinyl FloorMaterial = "vinyl"
)

// materialMax is the surface temperature ceiling per material, in °C.
var materialMax = map[FloorMaterial]float64{
	MaterialWood:  27,
	MaterialTile:  32,
	MaterialStone: 32,
	MaterialVinyl: 27,
}

// MaxFloorTemp returns the surface ceiling for a material.
func MaxFloorTemp(m FloorMaterial) (float64, bool) {
	max, ok := materialMax[m]
	return max, ok
}

// Mode is a behavioural preset for a zone.
type Mode string

const (
	ModeComfort Mode = "comfort"
	ModeEco     Mode = "eco"
	ModeFrost   Mode = "frost"
)

// ZoneState is the per-zone state machine position.
type ZoneState string

const (
	StateIdle    ZoneState = "IDLE"
	StateHeating ZoneState = "HEATING"
	StateFault   ZoneState = "FAULT"
)

// Fault codes.
const (
	FaultOverTemp    = "OVER_TEMP"
	FaultSensorStale = "SENSOR_STALE"
)

const (
	minTargetTemp = 5
	maxTargetTemp = 35

	ecoReduction   = 2.0
	frostSetpoint  = 5.0
	nightReduction = 2.0
	holidayMaxTemp = 16.0

	// Deadband below which the PID is not advanced.
	deadband = 0.05

	// Sensor silence after which the zone faults.
	sensorStaleAfter = 10 * time.Minute

	// Outdoor rolling average above which all heating shuts down.
	summerShutdownTemp   = 18.0
	outdoorAverageWindow = 24 * time.Hour
)

var (
	ErrZoneNotFound    = errors.New("heating zone not found")
	ErrZoneExists      = errors.New("heating zone already exists")
	ErrInvalidType     = errors.New("invalid zone type")
	ErrInvalidMaterial = errors.New("invalid floor material")
	ErrInvalidMode     = errors.New("invalid zone mode")
	ErrTempOutOfRange  = errors.New("target temperature out of range")
	ErrInvalidParams   = errors.New("invalid PID parameters")
	ErrInvalidPeriod   = errors.New("invalid energy report period")
)

// PIDParams are the shared loop gains. Partial updates go through
// SetPIDParams; zero-value fields in a patch are left unchanged.
type PIDParams struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// PIDPatch is a partial update to the loop gains.
type PIDPatch struct {
	Kp *float64 `json:"kp,omitempty"`
	Ki *float64 `json:"ki,omitempty"`
	Kd *float64 `json:"kd,omitempty"`
}

// Readings is a partial sensor sample for one zone.
type Readings struct {
	FloorTemp *float64 `json:"floorTemp,omitempty"`
	AirTemp   *float64 `json:"airTemp,omitempty"`
	Humidity  *float64 `json:"humidity,omitempty"`
}

// ZoneOptions tune a zone at creation time.
type ZoneOptions struct {
	// TargetTemp defaults to 21 °C when zero.
	TargetTemp float64
	// NominalPowerW sizes the energy accounting. Defaults to 1200 W for
	// electric zones and 1800 W for water zones when zero.
	NominalPowerW float64
	// ActuatorDeviceID is the device that receives duty-level writes.
	// Empty means the zone runs open-loop (status only).
	ActuatorDeviceID string
	// Bathroom marks the zone as a pre-heat target.
	Bathroom bool
}

// Status is a point-in-time snapshot of one zone.
type Status struct {
	ID            string        `json:"id"`
	DisplayName   string        `json:"displayName"`
	Type          ZoneType      `json:"type"`
	FloorMaterial FloorMaterial `json:"floorMaterial"`
	TargetTemp    float64       `json:"targetTemp"`
	CurrentTemp   float64       `json:"currentTemp"`
	FloorTemp     float64       `json:"floorTemp"`
	AirTemp       float64       `json:"airTemp"`
	Humidity      float64       `json:"humidity"`
	Mode          Mode          `json:"mode"`
	Enabled       bool          `json:"enabled"`
	HeatingActive bool          `json:"heatingActive"`
	FaultCode     string        `json:"faultCode,omitempty"`
	State         ZoneState     `json:"state"`
	Output        float64       `json:"output"`
	EnergyToday   float64       `json:"energyTodayKwh"`
	Runtime       int64         `json:"runtimeSeconds"`
	CycleCount    int64         `json:"cycleCount"`
}

// Summary aggregates the system view.
type Summary struct {
	ZoneCount      int     `json:"zoneCount"`
	ActiveZones    int     `json:"activeZones"`
	FaultedZones   int     `json:"faultedZones"`
	HolidayMode    bool    `json:"holidayMode"`
	SummerShutdown bool    `json:"summerShutdown"`
	OutdoorAvg     float64 `json:"outdoorAvg24h"`
	EnergyToday    float64 `json:"energyTodayKwh"`
}

// Statistics carries lifetime counters per zone.
type Statistics struct {
	Params PIDParams                `json:"pidParams"`
	Zones  map[string]ZoneStatistic `json:"zones"`
}

// ZoneStatistic is the per-zone slice of Statistics.
type ZoneStatistic struct {
	EnergyTodayKwh float64 `json:"energyTodayKwh"`
	EnergyTotalKwh float64 `json:"energyTotalKwh"`
	RuntimeSeconds int64   `json:"runtimeSeconds"`
	CycleCount     int64   `json:"cycleCount"`
}

// EnergyReport sums consumption over a named period.
type EnergyReport struct {
	Period   string             `json:"period"`
	TotalKwh float64            `json:"totalKwh"`
	Zones    map[string]float64 `json:"zones"`
}

// zone is the controller-private state for one heating zone.
type zone struct {
	id       string
	name     string
	typ      ZoneType
	material FloorMaterial

	targetTemp  float64
	currentTemp float64
	floorTemp   float64
	airTemp     float64
	humidity    float64

	// calibration shifts every incoming sample.
	calibration float64

	mode        Mode
	pendingMode *Mode
	enabled     bool

	heatingActive bool
	faultCode     string
	state         ZoneState
	output        float64

	pid pidState

	week schedule.Week

	nominalPowerW float64
	actuatorID    string
	bathroom      bool

	energyTodayKwh float64
	energyTotalKwh float64
	energyDay      int // year*1000+yday of the running daily total
	history        []dailyEnergy
	runtimeSeconds float64
	cycleCount     int64

	lastSample time.Time
	// recent air samples for open-window detection.
	airHistory []airSample
	windowOpen bool
}

type airSample struct {
	at   time.Time
	temp float64
}

// dailyEnergy is one closed day of consumption.
type dailyEnergy struct {
	date time.Time
	kwh  float64
}

func (z *zone) snapshot() Status {
	return Status{
		ID:            z.id,
		DisplayName:   z.name,
		Type:          z.typ,
		FloorMaterial: z.material,
		TargetTemp:    z.targetTemp,
		CurrentTemp:   z.currentTemp,
		FloorTemp:     z.floorTemp,
		AirTemp:       z.airTemp,
		Humidity:      z.humidity,
		Mode:          z.mode,
		Enabled:       z.enabled,
		HeatingActive: z.heatingActive,
		FaultCode:     z.faultCode,
		State:         z.state,
		Output:        z.output,
		EnergyToday:   z.energyTodayKwh,
		Runtime:       int64(z.runtimeSeconds),
		CycleCount:    z.cycleCount,
	}
}
