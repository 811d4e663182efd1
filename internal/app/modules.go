package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"hearth/internal/automation"
	"hearth/internal/bus"
	"hearth/internal/heating"
	"hearth/internal/notify"
	"hearth/internal/perf"
	"hearth/internal/sampler"
	"hearth/internal/schedule"
	"hearth/internal/security"
	"hearth/internal/supervisor"
)

// perfModule runs the system-gauge sampling loop.
type perfModule struct {
	monitor *perf.Monitor
}

func (m *perfModule) Name() string { return "perf" }

func (m *perfModule) Initialize(ctx context.Context) error {
	m.monitor.Start()
	return nil
}

func (m *perfModule) Destroy(ctx context.Context) error {
	m.monitor.Stop()
	return nil
}

// notifyModule exposes the notification history and drains in-flight
// deliveries on shutdown.
type notifyModule struct {
	center *notify.Center
}

func (m *notifyModule) Name() string { return "notifications" }

func (m *notifyModule) Destroy(ctx context.Context) error {
	m.center.Flush()
	return nil
}

func (m *notifyModule) RegisterRoutes(r gin.IRouter) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"notifications": m.center.History(100)})
	})
}

// securityModule binds the arming-mode service to device events.
type securityModule struct {
	svc *security.Service
	bus *bus.Bus
}

func (m *securityModule) Name() string { return "security" }

func (m *securityModule) Initialize(ctx context.Context) error {
	return m.svc.Bind(m.bus)
}

// energyModule owns the consumption sampler feeding the energy views.
type energyModule struct {
	samples *sampler.Sampler
}

func (m *energyModule) Name() string { return "energy" }

func (m *energyModule) Initialize(ctx context.Context) error {
	m.samples.Start()
	return nil
}

func (m *energyModule) Destroy(ctx context.Context) error {
	m.samples.Stop()
	return nil
}

// heatingModule fronts the PID controller with its module routes.
type heatingModule struct {
	ctrl *heating.Controller
}

func (m *heatingModule) Name() string { return "heating" }

func (m *heatingModule) Initialize(ctx context.Context) error {
	m.ctrl.Start()
	return nil
}

func (m *heatingModule) Destroy(ctx context.Context) error {
	m.ctrl.Stop()
	return nil
}

type addZoneRequest struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	Material         string  `json:"material"`
	TargetTemp       float64 `json:"targetTemp,omitempty"`
	NominalPowerW    float64 `json:"nominalPowerW,omitempty"`
	ActuatorDeviceID string  `json:"actuatorDeviceId,omitempty"`
	Bathroom         bool    `json:"bathroom,omitempty"`
}

func (m *heatingModule) RegisterRoutes(r gin.IRouter) {
	r.GET("/zones", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"zones": m.ctrl.GetAllZoneStatus()})
	})

	r.POST("/zones", func(c *gin.Context) {
		var req addZoneRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		status, err := m.ctrl.AddZone(req.ID, req.Name,
			heating.ZoneType(req.Type), heating.FloorMaterial(req.Material),
			heating.ZoneOptions{
				TargetTemp:       req.TargetTemp,
				NominalPowerW:    req.NominalPowerW,
				ActuatorDeviceID: req.ActuatorDeviceID,
				Bathroom:         req.Bathroom,
			})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, status)
	})

	r.GET("/zones/:zoneId", func(c *gin.Context) {
		status, ok := m.ctrl.GetZoneStatus(c.Param("zoneId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "zone not found"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	r.DELETE("/zones/:zoneId", func(c *gin.Context) {
		if err := m.ctrl.RemoveZone(c.Param("zoneId")); err != nil {
			zoneError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.POST("/zones/:zoneId/target", func(c *gin.Context) {
		var req struct {
			Temp float64 `json:"temp"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := m.ctrl.SetZoneTemp(c.Param("zoneId"), req.Temp); err != nil {
			zoneError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "targetTemp": req.Temp})
	})

	r.POST("/zones/:zoneId/mode", func(c *gin.Context) {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := m.ctrl.SetMode(c.Param("zoneId"), heating.Mode(req.Mode)); err != nil {
			zoneError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "mode": req.Mode})
	})

	r.POST("/mode", func(c *gin.Context) {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := m.ctrl.SetAllZonesMode(heating.Mode(req.Mode)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "mode": req.Mode})
	})

	r.POST("/zones/:zoneId/readings", func(c *gin.Context) {
		var readings heating.Readings
		if err := c.ShouldBindJSON(&readings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		// Unknown zones are dropped silently, matching sensor realities.
		m.ctrl.UpdateSensorReadings(c.Param("zoneId"), readings)
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.POST("/zones/:zoneId/calibrate", func(c *gin.Context) {
		var req struct {
			Offset float64 `json:"offset"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := m.ctrl.CalibrateSensor(c.Param("zoneId"), req.Offset); err != nil {
			zoneError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.GET("/zones/:zoneId/schedule", func(c *gin.Context) {
		week, ok := m.ctrl.GetSchedule(c.Param("zoneId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "zone not found"})
			return
		}
		c.JSON(http.StatusOK, week)
	})

	r.POST("/zones/:zoneId/schedule", func(c *gin.Context) {
		var req struct {
			Day     string            `json:"day"`
			Periods []schedule.Period `json:"periods"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := m.ctrl.SetSchedule(c.Param("zoneId"), req.Day, req.Periods); err != nil {
			zoneError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.POST("/zones/:zoneId/clear-fault", func(c *gin.Context) {
		if err := m.ctrl.ClearFault(c.Param("zoneId")); err != nil {
			zoneError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.POST("/zones/:zoneId/enabled", func(c *gin.Context) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := m.ctrl.SetEnabled(c.Param("zoneId"), req.Enabled); err != nil {
			zoneError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.POST("/pid", func(c *gin.Context) {
		var patch heating.PIDPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		params, err := m.ctrl.SetPIDParams(patch)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, params)
	})

	r.POST("/holiday", func(c *gin.Context) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		m.ctrl.SetHolidayMode(req.Enabled)
		c.JSON(http.StatusOK, gin.H{"success": true, "holidayMode": req.Enabled})
	})

	r.POST("/night-setback", func(c *gin.Context) {
		var req struct {
			Start string `json:"start"`
			End   string `json:"end"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := m.ctrl.SetNightSetback(req.Start, req.End); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.POST("/preheat", func(c *gin.Context) {
		var req struct {
			Time    string `json:"time"`
			Minutes int    `json:"minutes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := m.ctrl.SetBathroomPreHeat(req.Time, req.Minutes); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.GET("/summary", func(c *gin.Context) {
		c.JSON(http.StatusOK, m.ctrl.GetSystemSummary())
	})

	r.GET("/statistics", func(c *gin.Context) {
		c.JSON(http.StatusOK, m.ctrl.GetStatistics())
	})

	r.GET("/energy", func(c *gin.Context) {
		period := c.DefaultQuery("period", "day")
		report, err := m.ctrl.GetEnergyReport(period)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	})
}

func zoneError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, heating.ErrZoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// automationModule fronts the rule engine and owns the cron scheduler its
// schedule triggers run on.
type automationModule struct {
	engine *automation.Engine
	cron   *schedule.Cron
	bus    *bus.Bus
}

func (m *automationModule) Name() string { return "automations" }

func (m *automationModule) Initialize(ctx context.Context) error {
	if err := m.engine.Bind(m.bus); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

func (m *automationModule) Destroy(ctx context.Context) error {
	m.cron.Stop()
	return nil
}

func (m *automationModule) RegisterRoutes(r gin.IRouter) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"automations": m.engine.List()})
	})

	r.POST("/", func(c *gin.Context) {
		var spec automation.CreateSpec
		if err := c.ShouldBindJSON(&spec); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		created, err := m.engine.Create(spec)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	r.GET("/:id", func(c *gin.Context) {
		a, ok := m.engine.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
			return
		}
		c.JSON(http.StatusOK, a)
	})

	r.PUT("/:id", func(c *gin.Context) {
		var patch automation.Patch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		updated, err := m.engine.Update(c.Param("id"), patch)
		if err != nil {
			automationError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	})

	r.DELETE("/:id", func(c *gin.Context) {
		if err := m.engine.Delete(c.Param("id")); err != nil {
			automationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.POST("/:id/trigger", func(c *gin.Context) {
		var evalCtx map[string]any
		if err := c.ShouldBindJSON(&evalCtx); err != nil {
			evalCtx = map[string]any{}
		}
		ran, err := m.engine.TriggerManual(c.Request.Context(), c.Param("id"), automation.MapContext(evalCtx))
		if err != nil {
			automationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"executed": ran})
	})

	r.POST("/:id/approve", func(c *gin.Context) {
		if err := m.engine.Approve(c.Param("id")); err != nil {
			automationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.POST("/:id/reject", func(c *gin.Context) {
		if err := m.engine.Reject(c.Param("id")); err != nil {
			automationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
}

func automationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, automation.ErrAutomationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

var (
	_ supervisor.Module        = (*perfModule)(nil)
	_ supervisor.Initializable = (*perfModule)(nil)
	_ supervisor.Destroyable   = (*perfModule)(nil)
	_ supervisor.HasHTTPRoutes = (*heatingModule)(nil)
	_ supervisor.HasHTTPRoutes = (*automationModule)(nil)
	_ supervisor.HasHTTPRoutes = (*notifyModule)(nil)
	_ supervisor.Initializable = (*securityModule)(nil)
	_ supervisor.Destroyable   = (*energyModule)(nil)
)
