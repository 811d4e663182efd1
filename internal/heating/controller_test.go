package heating

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/internal/bus"
	"hearth/internal/clock"
	herrors "hearth/internal/errors"
	"hearth/internal/logging"
	"hearth/internal/schedule"
)

type writeLog struct {
	mu     sync.Mutex
	fail   error
	writes []struct {
		device string
		level  float64
	}
}

func (w *writeLog) apply(ctx context.Context, deviceID string, level float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.writes = append(w.writes, struct {
		device string
		level  float64
	}{deviceID, level})
	return nil
}

func (w *writeLog) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *writeLog) last() (string, float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.writes) == 0 {
		return "", -1
	}
	last := w.writes[len(w.writes)-1]
	return last.device, last.level
}

func f(v float64) *float64 { return &v }

// Monday noon, a deterministic point with no night setback in effect.
var fixtureStart = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*Controller, *clock.Manual, *bus.Bus, *herrors.Service, *writeLog) {
	t.Helper()
	clk := clock.NewManual(fixtureStart)
	b := bus.New(logging.Nop())
	errs := herrors.NewService(clk, nil, b)
	b.SetErrorRecorder(errs)
	wl := &writeLog{}
	c := NewController(clk, nil, errs, b, ActuatorFunc(wl.apply))
	return c, clk, b, errs, wl
}

func tick(c *Controller, clk *clock.Manual) {
	clk.Advance(30 * time.Second)
	c.runTick(context.Background(), clk.Now())
}

func addZone(t *testing.T, c *Controller, id string, material FloorMaterial, target float64, opts ZoneOptions) {
	t.Helper()
	opts.TargetTemp = target
	_, err := c.AddZone(id, id, TypeElectric, material, opts)
	require.NoError(t, err)
}

func TestAddZone_Validation(t *testing.T) {
	c, _, _, _, _ := newFixture(t)

	_, err := c.AddZone("z1", "Hall", "geothermal", MaterialTile, ZoneOptions{})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = c.AddZone("z1", "Hall", TypeElectric, "carpet", ZoneOptions{})
	assert.ErrorIs(t, err, ErrInvalidMaterial)

	status, err := c.AddZone("z1", "Hall", TypeElectric, MaterialTile, ZoneOptions{})
	require.NoError(t, err)
	assert.Equal(t, 21.0, status.TargetTemp)
	assert.Equal(t, ModeComfort, status.Mode)
	assert.Equal(t, StateIdle, status.State)
	assert.True(t, status.Enabled)

	_, err = c.AddZone("z1", "Hall", TypeElectric, MaterialTile, ZoneOptions{})
	assert.ErrorIs(t, err, ErrZoneExists)
}

func TestSetZoneTemp_RangeBoundaries(t *testing.T) {
	c, _, _, _, _ := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 21, ZoneOptions{})

	require.NoError(t, c.SetZoneTemp("z1", 5))
	require.NoError(t, c.SetZoneTemp("z1", 35))
	assert.ErrorIs(t, c.SetZoneTemp("z1", 4.999), ErrTempOutOfRange)
	assert.ErrorIs(t, c.SetZoneTemp("z1", 35.001), ErrTempOutOfRange)
	assert.ErrorIs(t, c.SetZoneTemp("ghost", 21), ErrZoneNotFound)
}

func TestFloorProtection_ScalesThenFaultsThenRecovers(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	addZone(t, c, "z1", MaterialWood, 24, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20), FloorTemp: f(26.5)})

	tick(c, clk)
	status, _ := c.GetZoneStatus("z1")
	assert.Greater(t, status.Output, 0.0, "demand exists, output must be positive")
	assert.Less(t, status.Output, 80.0, "floor near the wood limit must reduce output")
	assert.Empty(t, status.FaultCode)

	c.UpdateSensorReadings("z1", Readings{FloorTemp: f(27.1)})
	tick(c, clk)
	status, _ = c.GetZoneStatus("z1")
	assert.Equal(t, 0.0, status.Output)
	assert.Equal(t, FaultOverTemp, status.FaultCode)
	assert.Equal(t, StateFault, status.State)

	// Fault latches until explicitly cleared.
	c.UpdateSensorReadings("z1", Readings{FloorTemp: f(25)})
	tick(c, clk)
	status, _ = c.GetZoneStatus("z1")
	assert.Equal(t, FaultOverTemp, status.FaultCode)

	require.NoError(t, c.ClearFault("z1"))
	tick(c, clk)
	status, _ = c.GetZoneStatus("z1")
	assert.Empty(t, status.FaultCode)
	assert.Greater(t, status.Output, 0.0, "cleared zone must heat again")
}

func TestDeadband_SkipsPIDAdvance(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 21, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20.97)})

	tick(c, clk)
	status, _ := c.GetZoneStatus("z1")
	assert.Equal(t, 0.0, status.Output, "error below 0.05 K sits in the deadband")
	assert.Equal(t, StateIdle, status.State)
}

func TestModes_EcoAndFrost(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	addZone(t, c, "eco", MaterialTile, 21, ZoneOptions{})
	addZone(t, c, "frost", MaterialTile, 21, ZoneOptions{})
	c.UpdateSensorReadings("eco", Readings{AirTemp: f(20)})
	c.UpdateSensorReadings("frost", Readings{AirTemp: f(20)})

	require.NoError(t, c.SetMode("eco", ModeEco))
	require.NoError(t, c.SetMode("frost", ModeFrost))
	assert.ErrorIs(t, c.SetMode("eco", "party"), ErrInvalidMode)

	// Mode is visible immediately even though it applies next tick.
	status, _ := c.GetZoneStatus("eco")
	assert.Equal(t, ModeEco, status.Mode)

	tick(c, clk)
	status, _ = c.GetZoneStatus("eco")
	assert.Equal(t, 0.0, status.Output, "eco setpoint 19 is below current 20")
	status, _ = c.GetZoneStatus("frost")
	assert.Equal(t, 0.0, status.Output, "frost setpoint is 5 absolute")
}

func TestNightSetback_ReducesSetpoint(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	require.NoError(t, c.SetNightSetback("22:00", "06:00"))
	addZone(t, c, "z1", MaterialTile, 21, ZoneOptions{})

	clk.Set(time.Date(2026, 1, 5, 23, 0, 0, 0, time.UTC))
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(19.5)})
	c.runTick(context.Background(), clk.Now())
	status, _ := c.GetZoneStatus("z1")
	assert.Equal(t, 0.0, status.Output, "setback setpoint 19 is below current 19.5")

	clk.Set(time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC))
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(19.5)})
	c.runTick(context.Background(), clk.Now())
	status, _ = c.GetZoneStatus("z1")
	assert.Greater(t, status.Output, 0.0, "daytime demand of 1.5 K must heat")
}

func TestHolidayMode_ClampsSetpoint(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 24, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(17)})
	c.SetHolidayMode(true)

	tick(c, clk)
	status, _ := c.GetZoneStatus("z1")
	assert.Equal(t, 0.0, status.Output, "holiday clamps the setpoint to 16, below current 17")
}

func TestSummerShutdown_OutdoorAverageAbove18(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 24, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20)})
	c.UpdateOutdoorTemp(25)

	tick(c, clk)
	status, _ := c.GetZoneStatus("z1")
	assert.Equal(t, 0.0, status.Output)
	assert.True(t, c.GetSystemSummary().SummerShutdown)
}

func TestOpenWindow_SuppressesHeatingWithoutFault(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 23, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(21)})
	clk.Advance(2 * time.Minute)
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(19.3)})

	c.runTick(context.Background(), clk.Now())
	status, _ := c.GetZoneStatus("z1")
	assert.Equal(t, 0.0, status.Output)
	assert.False(t, status.HeatingActive)
	assert.Empty(t, status.FaultCode, "an open window is not a fault")
}

func TestBathroomPreHeat_OverridesEco(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	require.NoError(t, c.SetBathroomPreHeat("06:30", 30))
	addZone(t, c, "bath", MaterialTile, 22, ZoneOptions{Bathroom: true})
	require.NoError(t, c.SetMode("bath", ModeEco))

	clk.Set(time.Date(2026, 1, 6, 6, 40, 0, 0, time.UTC))
	c.UpdateSensorReadings("bath", Readings{AirTemp: f(21)})
	c.runTick(context.Background(), clk.Now())
	status, _ := c.GetZoneStatus("bath")
	assert.Greater(t, status.Output, 0.0, "pre-heat restores the comfort setpoint")
}

func TestSensorStale_FaultsAfterTenMinutes(t *testing.T) {
	c, clk, _, errs, _ := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 24, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20)})

	clk.Advance(11 * time.Minute)
	c.runTick(context.Background(), clk.Now())
	status, _ := c.GetZoneStatus("z1")
	assert.Equal(t, FaultSensorStale, status.FaultCode)
	assert.Equal(t, StateFault, status.State)
	assert.Equal(t, 0.0, status.Output)
	assert.GreaterOrEqual(t, errs.HistorySize(), 1)
}

func TestUpdateSensorReadings_UnknownZoneSilentlyDropped(t *testing.T) {
	c, _, _, _, _ := newFixture(t)
	c.UpdateSensorReadings("ghost", Readings{AirTemp: f(20)})
	assert.Empty(t, c.GetAllZoneStatus())
}

func TestCalibrateSensor_PersistentOffset(t *testing.T) {
	c, _, _, _, _ := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 21, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20)})

	require.NoError(t, c.CalibrateSensor("z1", 0.5))
	status, _ := c.GetZoneStatus("z1")
	assert.InDelta(t, 20.5, status.CurrentTemp, 1e-9, "offset shifts the current reading")

	// The offset applies to all subsequent samples too.
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20)})
	status, _ = c.GetZoneStatus("z1")
	assert.InDelta(t, 20.5, status.CurrentTemp, 1e-9)
}

func TestSchedule_OverridesBaseTarget(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 25, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20)})

	// Monday noon falls inside a low-temperature window.
	require.NoError(t, c.SetSchedule("z1", "monday", []schedule.Period{
		{Start: "10:00", End: "14:00", TargetTemp: 18},
	}))

	tick(c, clk)
	status, _ := c.GetZoneStatus("z1")
	assert.Equal(t, 0.0, status.Output, "schedule target 18 is below current 20")

	week, ok := c.GetSchedule("z1")
	require.True(t, ok)
	assert.Len(t, week["monday"], 1)
}

func TestAccounting_CyclesRuntimeEnergy(t *testing.T) {
	c, clk, _, _, wl := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 24, ZoneOptions{ActuatorDeviceID: "dev-1"})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20)})

	tick(c, clk)
	tick(c, clk)
	status, _ := c.GetZoneStatus("z1")
	assert.Equal(t, int64(1), status.CycleCount, "continuous heating is one cycle")
	assert.Equal(t, int64(60), status.Runtime)
	assert.Greater(t, status.EnergyToday, 0.0)

	require.GreaterOrEqual(t, wl.count(), 1)
	device, level := wl.last()
	assert.Equal(t, "dev-1", device)
	assert.Greater(t, level, 0.0)
}

func TestActuatorFailure_RecordedButLoopContinues(t *testing.T) {
	c, clk, _, errs, wl := newFixture(t)
	wl.fail = errors.New("zigbee write failed")
	addZone(t, c, "z1", MaterialTile, 24, ZoneOptions{ActuatorDeviceID: "dev-1"})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20)})

	tick(c, clk)
	status, _ := c.GetZoneStatus("z1")
	assert.Equal(t, StateHeating, status.State, "a failed write does not fault the zone")
	assert.GreaterOrEqual(t, errs.HistorySize(), 1)
}

func TestStateChange_PublishesBusEvent(t *testing.T) {
	c, clk, b, _, _ := newFixture(t)
	var transitions []map[string]any
	_ = b.Subscribe(bus.TopicZoneStateChanged, "test", func(evt bus.Event) error {
		transitions = append(transitions, evt.Payload.(map[string]any))
		return nil
	})

	addZone(t, c, "z1", MaterialTile, 24, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20)})
	tick(c, clk)

	require.NotEmpty(t, transitions)
	assert.Equal(t, "z1", transitions[0]["zoneId"])
	assert.Equal(t, string(StateIdle), transitions[0]["from"])
	assert.Equal(t, string(StateHeating), transitions[0]["to"])
}

func TestSetPIDParams_PartialPatch(t *testing.T) {
	c, _, _, _, _ := newFixture(t)

	params, err := c.SetPIDParams(PIDPatch{Kp: f(30)})
	require.NoError(t, err)
	assert.Equal(t, 30.0, params.Kp)
	assert.Equal(t, 0.05, params.Ki, "unpatched gains keep their value")

	_, err = c.SetPIDParams(PIDPatch{Ki: f(-1)})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestGetEnergyReport_Periods(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 24, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(20)})
	tick(c, clk)

	for _, period := range []string{"day", "week", "month", "total"} {
		report, err := c.GetEnergyReport(period)
		require.NoError(t, err)
		assert.Greater(t, report.TotalKwh, 0.0, period)
	}

	_, err := c.GetEnergyReport("quarter")
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestRemoveZone_UnknownFails(t *testing.T) {
	c, _, _, _, _ := newFixture(t)
	assert.ErrorIs(t, c.RemoveZone("ghost"), ErrZoneNotFound)

	addZone(t, c, "z1", MaterialTile, 21, ZoneOptions{})
	require.NoError(t, c.RemoveZone("z1"))
	_, ok := c.GetZoneStatus("z1")
	assert.False(t, ok)
}

func TestDisabledZone_DoesNotHeat(t *testing.T) {
	c, clk, _, _, _ := newFixture(t)
	addZone(t, c, "z1", MaterialTile, 24, ZoneOptions{})
	c.UpdateSensorReadings("z1", Readings{AirTemp: f(18)})
	require.NoError(t, c.SetEnabled("z1", false))

	tick(c, clk)
	status, _ := c.GetZoneStatus("z1")
	assert.Equal(t, 0.0, status.Output)
	assert.Equal(t, StateIdle, status.State)
}
