package heating

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"hearth/internal/bus"
	"hearth/internal/clock"
	herrors "hearth/internal/errors"
	"hearth/internal/logging"
	"hearth/internal/schedule"
)

const (
	defaultTickInterval = 30 * time.Second

	// Open-window heuristic: air temperature dropping this much within the
	// detection window means someone is venting the room.
	windowDropThreshold = 1.5
	windowDetectWindow  = 5 * time.Minute

	defaultElectricPowerW = 1200
	defaultWaterPowerW    = 1800
)

// Actuator receives duty-level writes for a zone's heating device.
// Level is a percentage in [0, 100].
type Actuator interface {
	Apply(ctx context.Context, deviceID string, level float64) error
}

// ActuatorFunc adapts a function to the Actuator interface.
type ActuatorFunc func(ctx context.Context, deviceID string, level float64) error

func (f ActuatorFunc) Apply(ctx context.Context, deviceID string, level float64) error {
	return f(ctx, deviceID, level)
}

// Publisher is the slice of the event bus the controller needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Controller drives every heating zone from a single tick loop. All public
// operations are safe for concurrent use; sensor updates landing between
// ticks are last-writer-wins.
type Controller struct {
	clk      clock.Clock
	logger   logging.Logger
	errs     *herrors.Service
	pub      Publisher
	actuator Actuator

	tickInterval time.Duration

	mu     sync.Mutex
	zones  map[string]*zone
	params PIDParams

	holidayMode    bool
	nightStart     string
	nightEnd       string
	preheatStart   string
	preheatMinutes int

	outdoor []airSample

	ticker   clock.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// Option tunes controller construction.
type Option func(*Controller)

// WithTickInterval overrides the 30 s control-loop period.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tickInterval = d
		}
	}
}

// WithPIDParams overrides the default loop gains.
func WithPIDParams(p PIDParams) Option {
	return func(c *Controller) { c.params = p }
}

// NewController creates a stopped controller. Call Start to begin ticking.
func NewController(clk clock.Clock, logger logging.Logger, errs *herrors.Service, pub Publisher, actuator Actuator, opts ...Option) *Controller {
	c := &Controller{
		clk:          clk,
		logger:       logging.OrNop(logger),
		errs:         errs,
		pub:          pub,
		actuator:     actuator,
		tickInterval: defaultTickInterval,
		zones:        make(map[string]*zone),
		params:       PIDParams{Kp: 20, Ki: 0.05, Kd: 2},
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the tick loop.
func (c *Controller) Start() {
	c.ticker = c.clk.NewTicker("heating", c.tickInterval)
	go func() {
		for {
			select {
			case <-c.done:
				return
			case now := <-c.ticker.C():
				c.runTick(context.Background(), now)
			}
		}
	}()
	c.logger.Info("heating controller started, tick every %s", c.tickInterval)
}

// Stop halts the tick loop and releases the ticker. Safe to call twice.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.ticker != nil {
			c.ticker.Stop()
		}
		c.clk.StopOwned("heating")
		c.logger.Info("heating controller stopped")
	})
}

// AddZone registers a new zone and returns its initial status.
func (c *Controller) AddZone(id, name string, typ ZoneType, material FloorMaterial, opts ZoneOptions) (Status, error) {
	if id == "" {
		return Status{}, fmt.Errorf("zone id must not be empty")
	}
	if typ != TypeElectric && typ != TypeWater {
		return Status{}, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if _, ok := materialMax[material]; !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrInvalidMaterial, material)
	}

	target := opts.TargetTemp
	if target == 0 {
		target = 21
	}
	if target < minTargetTemp || target > maxTargetTemp {
		return Status{}, fmt.Errorf("%w: %.1f", ErrTempOutOfRange, target)
	}

	power := opts.NominalPowerW
	if power == 0 {
		power = defaultElectricPowerW
		if typ == TypeWater {
			power = defaultWaterPowerW
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.zones[id]; exists {
		return Status{}, fmt.Errorf("%w: %q", ErrZoneExists, id)
	}

	z := &zone{
		id:            id,
		name:          name,
		typ:           typ,
		material:      material,
		targetTemp:    target,
		mode:          ModeComfort,
		enabled:       true,
		state:         StateIdle,
		week:          schedule.Week{},
		nominalPowerW: power,
		actuatorID:    opts.ActuatorDeviceID,
		bathroom:      opts.Bathroom,
		lastSample:    c.clk.Now(),
	}
	c.zones[id] = z
	c.logger.Info("zone %s added (%s, %s floor, %.0f W)", id, typ, material, power)
	return z.snapshot(), nil
}

// RemoveZone deletes a zone. Fails if unknown.
func (c *Controller) RemoveZone(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.zones[id]; !ok {
		return fmt.Errorf("%w: %q", ErrZoneNotFound, id)
	}
	delete(c.zones, id)
	return nil
}

// SetZoneTemp changes the base target temperature. Rejects values outside
// [5, 35]; both boundaries are valid.
func (c *Controller) SetZoneTemp(id string, temp float64) error {
	if temp < minTargetTemp || temp > maxTargetTemp {
		return fmt.Errorf("%w: %.3f", ErrTempOutOfRange, temp)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zones[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrZoneNotFound, id)
	}
	z.targetTemp = temp
	return nil
}

func validMode(m Mode) bool {
	return m == ModeComfort || m == ModeEco || m == ModeFrost
}

// SetMode changes a zone's behavioural preset. The change takes effect on
// the next tick.
func (c *Controller) SetMode(id string, mode Mode) error {
	if !validMode(mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zones[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrZoneNotFound, id)
	}
	m := mode
	z.pendingMode = &m
	return nil
}

// SetAllZonesMode applies a mode to every zone.
func (c *Controller) SetAllZonesMode(mode Mode) error {
	if !validMode(mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, z := range c.zones {
		m := mode
		z.pendingMode = &m
	}
	return nil
}

// SetEnabled turns a zone's loop on or off.
func (c *Controller) SetEnabled(id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zones[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrZoneNotFound, id)
	}
	z.enabled = enabled
	return nil
}

// UpdateSensorReadings applies a partial sensor sample. Unknown zone ids are
// dropped silently since sensors outlive their zone configuration.
func (c *Controller) UpdateSensorReadings(id string, r Readings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zones[id]
	if !ok {
		return
	}

	now := c.clk.Now()
	if r.FloorTemp != nil {
		z.floorTemp = *r.FloorTemp + z.calibration
	}
	if r.AirTemp != nil {
		z.airTemp = *r.AirTemp + z.calibration
		z.currentTemp = z.airTemp
		c.observeAir(z, now)
	}
	if r.Humidity != nil {
		z.humidity = *r.Humidity
	}
	z.lastSample = now
}

// observeAir feeds the open-window detector. A sharp drop in air temperature
// inside the detection window flags the zone as venting.
func (c *Controller) observeAir(z *zone, now time.Time) {
	z.airHistory = append(z.airHistory, airSample{at: now, temp: z.airTemp})
	cutoff := now.Add(-windowDetectWindow)
	kept := z.airHistory[:0]
	peak := z.airTemp
	for _, s := range z.airHistory {
		if s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		if s.temp > peak {
			peak = s.temp
		}
	}
	z.airHistory = kept
	z.windowOpen = peak-z.airTemp >= windowDropThreshold
}

// CalibrateSensor stores a persistent offset and shifts the current readings
// so the correction is visible immediately.
func (c *Controller) CalibrateSensor(id string, offset float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zones[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrZoneNotFound, id)
	}
	delta := offset - z.calibration
	z.calibration = offset
	z.currentTemp += delta
	z.airTemp += delta
	z.floorTemp += delta
	return nil
}

// SetSchedule replaces one day's periods.
func (c *Controller) SetSchedule(id, day string, periods []schedule.Period) error {
	normalized, err := schedule.NormalizeDay(day)
	if err != nil {
		return err
	}
	if err := schedule.ValidatePeriods(periods); err != nil {
		return err
	}
	for _, p := range periods {
		if p.TargetTemp < minTargetTemp || p.TargetTemp > maxTargetTemp {
			return fmt.Errorf("%w: %.1f", ErrTempOutOfRange, p.TargetTemp)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zones[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrZoneNotFound, id)
	}
	z.week[normalized] = append([]schedule.Period(nil), periods...)
	return nil
}

// GetSchedule returns a copy of the zone's weekly schedule, or false when
// the zone is unknown.
func (c *Controller) GetSchedule(id string) (schedule.Week, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zones[id]
	if !ok {
		return nil, false
	}
	out := schedule.Week{}
	for day, periods := range z.week {
		out[day] = append([]schedule.Period(nil), periods...)
	}
	return out, true
}

// SetPIDParams applies a partial update to the shared loop gains.
func (c *Controller) SetPIDParams(patch PIDPatch) (PIDParams, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.params
	if patch.Kp != nil {
		next.Kp = *patch.Kp
	}
	if patch.Ki != nil {
		next.Ki = *patch.Ki
	}
	if patch.Kd != nil {
		next.Kd = *patch.Kd
	}
	if next.Kp < 0 || next.Ki < 0 || next.Kd < 0 {
		return c.params, fmt.Errorf("%w: gains must be non-negative", ErrInvalidParams)
	}
	c.params = next
	return c.params, nil
}

// SetHolidayMode caps every zone's setpoint at 16 °C while enabled.
func (c *Controller) SetHolidayMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holidayMode = on
}

// SetNightSetback configures the nightly reduction window. Empty strings
// disable the setback.
func (c *Controller) SetNightSetback(startHHMM, endHHMM string) error {
	if startHHMM == "" && endHHMM == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.nightStart, c.nightEnd = "", ""
		return nil
	}
	if _, err := schedule.ParseClock(startHHMM); err != nil {
		return err
	}
	if _, err := schedule.ParseClock(endHHMM); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nightStart, c.nightEnd = startHHMM, endHHMM
	return nil
}

// SetBathroomPreHeat schedules a daily window in which bathroom zones run at
// their comfort setpoint regardless of mode or setback. Zero minutes
// disables the window.
func (c *Controller) SetBathroomPreHeat(timeHHMM string, minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("pre-heat minutes must not be negative")
	}
	if minutes > 0 {
		if _, err := schedule.ParseClock(timeHHMM); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preheatStart, c.preheatMinutes = timeHHMM, minutes
	return nil
}

// UpdateOutdoorTemp feeds the rolling outdoor average behind the summer
// shutdown decision.
func (c *Controller) UpdateOutdoorTemp(temp float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	c.outdoor = append(c.outdoor, airSample{at: now, temp: temp})
	cutoff := now.Add(-outdoorAverageWindow)
	kept := c.outdoor[:0]
	for _, s := range c.outdoor {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	c.outdoor = kept
}

func (c *Controller) outdoorAverage() (float64, bool) {
	if len(c.outdoor) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range c.outdoor {
		sum += s.temp
	}
	return sum / float64(len(c.outdoor)), true
}

// GetZoneStatus returns a zone snapshot, or false when unknown.
func (c *Controller) GetZoneStatus(id string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zones[id]
	if !ok {
		return Status{}, false
	}
	return c.statusLocked(z), true
}

func (c *Controller) statusLocked(z *zone) Status {
	s := z.snapshot()
	if z.pendingMode != nil {
		s.Mode = *z.pendingMode
	}
	return s
}

// GetAllZoneStatus returns every zone snapshot ordered by id.
func (c *Controller) GetAllZoneStatus() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.zones))
	for _, z := range c.zones {
		out = append(out, c.statusLocked(z))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSystemSummary aggregates the controller view.
func (c *Controller) GetSystemSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	avg, haveOutdoor := c.outdoorAverage()
	s := Summary{
		ZoneCount:      len(c.zones),
		HolidayMode:    c.holidayMode,
		OutdoorAvg:     avg,
		SummerShutdown: haveOutdoor && avg > summerShutdownTemp,
	}
	for _, z := range c.zones {
		if z.heatingActive {
			s.ActiveZones++
		}
		if z.faultCode != "" {
			s.FaultedZones++
		}
		s.EnergyToday += z.energyTodayKwh
	}
	return s
}

// GetStatistics returns lifetime counters per zone.
func (c *Controller) GetStatistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Statistics{Params: c.params, Zones: make(map[string]ZoneStatistic, len(c.zones))}
	for id, z := range c.zones {
		stats.Zones[id] = ZoneStatistic{
			EnergyTodayKwh: z.energyTodayKwh,
			EnergyTotalKwh: z.energyTotalKwh,
			RuntimeSeconds: int64(z.runtimeSeconds),
			CycleCount:     z.cycleCount,
		}
	}
	return stats
}

// GetEnergyReport sums consumption over the named period.
func (c *Controller) GetEnergyReport(period string) (EnergyReport, error) {
	var since time.Duration
	switch period {
	case "day":
		since = 0
	case "week":
		since = 7 * 24 * time.Hour
	case "month":
		since = 30 * 24 * time.Hour
	case "total":
		since = -1
	default:
		return EnergyReport{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	report := EnergyReport{Period: period, Zones: make(map[string]float64, len(c.zones))}
	cutoff := c.clk.Now().Add(-since)
	for id, z := range c.zones {
		var kwh float64
		switch {
		case since < 0:
			kwh = z.energyTotalKwh
		case since == 0:
			kwh = z.energyTodayKwh
		default:
			kwh = z.energyTodayKwh
			for _, d := range z.history {
				if !d.date.Before(cutoff) {
					kwh += d.kwh
				}
			}
		}
		report.Zones[id] = kwh
		report.TotalKwh += kwh
	}
	return report, nil
}

// ClearFault returns a faulted zone to IDLE and rearms the stale detector.
func (c *Controller) ClearFault(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zones[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrZoneNotFound, id)
	}
	if z.faultCode == "" {
		return nil
	}
	z.faultCode = ""
	c.transition(z, StateIdle)
	z.pid.reset()
	z.lastSample = c.clk.Now()
	c.logger.Info("zone %s fault cleared", id)
	return nil
}

type actuatorWrite struct {
	zoneID   string
	deviceID string
	level    float64
}

// runTick advances every enabled zone once. Actuator writes happen after the
// state pass so device I/O never holds the controller lock.
func (c *Controller) runTick(ctx context.Context, now time.Time) {
	c.mu.Lock()
	writes := c.advanceZonesLocked(now)
	c.mu.Unlock()

	if c.actuator == nil {
		return
	}
	for _, w := range writes {
		if err := c.actuator.Apply(ctx, w.deviceID, w.level); err != nil {
			if c.errs != nil {
				c.errs.Record("heating", fmt.Errorf("actuator write for zone %s: %w", w.zoneID, err),
					herrors.WithSeverityHint(herrors.SeverityHigh))
			}
		}
	}
}

func (c *Controller) advanceZonesLocked(now time.Time) []actuatorWrite {
	ids := make([]string, 0, len(c.zones))
	for id := range c.zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	avg, haveOutdoor := c.outdoorAverage()
	summer := haveOutdoor && avg > summerShutdownTemp

	nightActive := false
	if c.nightStart != "" && c.nightEnd != "" {
		if in, err := schedule.InWindow(now, c.nightStart, c.nightEnd); err == nil {
			nightActive = in
		}
	}
	preheatActive := c.preheatActive(now)

	var writes []actuatorWrite
	for _, id := range ids {
		z := c.zones[id]
		if w, ok := c.advanceZone(z, now, summer, nightActive, preheatActive); ok {
			writes = append(writes, w)
		}
	}
	return writes
}

func (c *Controller) preheatActive(now time.Time) bool {
	if c.preheatMinutes <= 0 || c.preheatStart == "" {
		return false
	}
	start, err := schedule.ParseClock(c.preheatStart)
	if err != nil {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	end := start + c.preheatMinutes
	if end <= 24*60 {
		return minutes >= start && minutes < end
	}
	// Window wraps midnight.
	return minutes >= start || minutes < end-24*60
}

func (c *Controller) advanceZone(z *zone, now time.Time, summer, nightActive, preheatActive bool) (actuatorWrite, bool) {
	if z.pendingMode != nil {
		z.mode = *z.pendingMode
		z.pendingMode = nil
	}

	dt := c.tickInterval
	if !z.pid.lastUpdate.IsZero() {
		dt = now.Sub(z.pid.lastUpdate)
	}
	z.pid.lastUpdate = now

	if !z.enabled {
		z.pid.reset()
		return c.settle(z, now, 0, dt, StateIdle)
	}

	if z.faultCode == "" && now.Sub(z.lastSample) > sensorStaleAfter {
		z.faultCode = FaultSensorStale
		if c.errs != nil {
			c.errs.Record("heating", fmt.Errorf("zone %s sensor stale for over %s", z.id, sensorStaleAfter))
		}
	}
	if z.faultCode != "" {
		z.pid.reset()
		return c.settle(z, now, 0, dt, StateFault)
	}

	if summer {
		return c.settle(z, now, 0, dt, StateIdle)
	}
	if z.windowOpen {
		return c.settle(z, now, 0, dt, StateIdle)
	}

	setpoint := c.effectiveSetpoint(z, now, nightActive, preheatActive)
	control := setpoint - z.currentTemp

	var output float64
	if control > -deadband && control < deadband {
		output = 0
	} else {
		output = z.pid.advance(c.params, control, dt.Seconds())
	}

	// Floor protection overrides demand.
	max := materialMax[z.material]
	switch {
	case z.floorTemp > max:
		output = 0
		z.faultCode = FaultOverTemp
		z.pid.reset()
		if c.errs != nil {
			c.errs.Record("heating", fmt.Errorf("zone %s floor %.1f °C over %s limit %.0f °C", z.id, z.floorTemp, z.material, max),
				herrors.WithSeverityHint(herrors.SeverityHigh))
		}
		return c.settle(z, now, 0, dt, StateFault)
	case z.floorTemp > max-1:
		output *= max - z.floorTemp
	}

	state := StateIdle
	if output > 0 {
		state = StateHeating
	}
	return c.settle(z, now, output, dt, state)
}

// effectiveSetpoint resolves the temperature the loop drives toward. The
// schedule overrides the base target; mode, night setback and holiday mode
// then adjust it. Bathroom pre-heat restores the comfort setpoint.
func (c *Controller) effectiveSetpoint(z *zone, now time.Time, nightActive, preheatActive bool) float64 {
	base := z.targetTemp
	if period, ok := z.week.Resolve(now); ok {
		base = period.TargetTemp
	}
	comfort := base

	switch z.mode {
	case ModeEco:
		base -= ecoReduction
	case ModeFrost:
		base = frostSetpoint
	}
	if nightActive {
		base -= nightReduction
	}
	if preheatActive && z.bathroom {
		base = comfort
	}
	if c.holidayMode && base > holidayMaxTemp {
		base = holidayMaxTemp
	}
	return base
}

// settle applies output accounting and the state transition, and returns the
// actuator write to perform once the lock is released.
func (c *Controller) settle(z *zone, now time.Time, output float64, dt time.Duration, state ZoneState) (actuatorWrite, bool) {
	if z.output == 0 && output > 0 {
		z.cycleCount++
	}
	if output > 0 {
		z.runtimeSeconds += dt.Seconds()
	}
	c.accumulateEnergy(z, now, output, dt)

	changed := z.output != output
	z.output = output
	z.heatingActive = output > 0
	c.transition(z, state)

	if z.actuatorID == "" || !changed {
		return actuatorWrite{}, false
	}
	return actuatorWrite{zoneID: z.id, deviceID: z.actuatorID, level: output}, true
}

func (c *Controller) accumulateEnergy(z *zone, now time.Time, output float64, dt time.Duration) {
	year, yday := now.Year(), now.YearDay()
	if z.energyDay != 0 && z.energyDay != year*1000+yday {
		z.history = append(z.history, dailyEnergy{date: now.Add(-24 * time.Hour), kwh: z.energyTodayKwh})
		if len(z.history) > 366 {
			z.history = z.history[len(z.history)-366:]
		}
		z.energyTodayKwh = 0
	}
	z.energyDay = year*1000 + yday

	if output <= 0 {
		return
	}
	kwh := output / 100 * z.nominalPowerW * dt.Seconds() / 3600000
	z.energyTodayKwh += kwh
	z.energyTotalKwh += kwh
}

func (c *Controller) transition(z *zone, next ZoneState) {
	if z.state == next {
		return
	}
	prev := z.state
	z.state = next
	if c.pub != nil {
		_ = c.pub.Publish(bus.TopicZoneStateChanged, map[string]any{
			"zoneId": z.id,
			"from":   string(prev),
			"to":     string(next),
		})
	}
	c.logger.Debug("zone %s %s -> %s", z.id, prev, next)
}
