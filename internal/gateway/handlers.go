package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"hearth/internal/devices"
	herrors "hearth/internal/errors"
	"hearth/internal/security"
)

func (s *Server) handleHealth(c *gin.Context) {
	summary := s.sup.GetSummary()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": summary.UptimeSeconds,
		"modules": gin.H{
			"ready": summary.Ready,
			"total": summary.ModuleCount,
		},
	})
}

// handleReady reports readiness separately from liveness: it flips to 200
// only once the supervisor has finished its load pass.
func (s *Server) handleReady(c *gin.Context) {
	if !s.sup.Loaded() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	summary := s.sup.GetSummary()
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"modules": gin.H{
			"ready":  summary.Ready,
			"total":  summary.ModuleCount,
			"failed": summary.Failed,
		},
	})
}

func (s *Server) handleStats(c *gin.Context) {
	payload := gin.H{
		"modules": s.sup.GetSummary(),
	}
	if s.monitor != nil {
		payload["performance"] = s.monitor.GetSnapshot()
	}
	if s.security != nil {
		payload["security"] = s.security.GetStatus()
	}
	if s.errs != nil {
		payload["recentErrors"] = s.errs.History(50)
	}
	c.JSON(http.StatusOK, payload)
}

// handleDashboard answers from the device manager when it can and falls
// back to the deterministic demo dataset when it cannot. A degraded answer
// is still a 200; the recorded failures drive storm detection.
func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()

	deviceMap, devErr := s.devices.GetDevices(ctx)
	zoneMap, zoneErr := s.devices.GetZones(ctx)

	demo := false
	if devErr != nil || zoneErr != nil {
		demo = true
		deviceMap = devices.DemoDevices()
		zoneMap = devices.DemoZones()
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": deviceMap,
		"zones":   zoneMap,
		"demo":    demo,
	})
}

func (s *Server) handleDevices(c *gin.Context) {
	deviceMap, err := s.devices.GetDevices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "device manager unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": deviceMap})
}

func (s *Server) handleZones(c *gin.Context) {
	zoneMap, err := s.devices.GetZones(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "device manager unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"zones": zoneMap})
}

type capabilityRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleSetCapability(c *gin.Context) {
	deviceID := c.Param("deviceId")
	capability := c.Param("capability")
	if !validIdentifier(deviceID, maxDeviceIDLen) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid device ID"})
		return
	}
	if !validIdentifier(capability, maxCapabilityLen) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid capability"})
		return
	}

	var req capabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := s.devices.SetCapability(c.Request.Context(), deviceID, capability, req.Value); err != nil {
		switch {
		case errors.Is(err, devices.ErrDeviceNotFound), errors.Is(err, devices.ErrCapabilityNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, herrors.ErrCircuitOpen):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device manager unavailable"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "device control failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deviceId": deviceID, "capability": capability})
}

func (s *Server) handleActivateScene(c *gin.Context) {
	sceneID := c.Param("sceneId")
	if !validIdentifier(sceneID, maxSceneIDLen) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scene ID"})
		return
	}
	if err := s.devices.TriggerFlow(c.Request.Context(), sceneID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "scene activation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sceneId": sceneID})
}

func (s *Server) handleEnergy(c *gin.Context) {
	c.JSON(http.StatusOK, s.energy.Snapshot())
}

func (s *Server) handleEnergyAnalytics(c *gin.Context) {
	c.JSON(http.StatusOK, s.energy.GetAnalytics())
}

func (s *Server) handleSecurity(c *gin.Context) {
	c.JSON(http.StatusOK, s.security.GetStatus())
}

type securityModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSecurityMode(c *gin.Context) {
	var req securityModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if !security.ValidMode(req.Mode) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid security mode"})
		return
	}
	if err := s.security.SetMode(req.Mode); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "mode": req.Mode})
}

// validIdentifier bounds opaque client-supplied ids. Identifiers are
// non-empty and at most max bytes.
func validIdentifier(id string, max int) bool {
	return id != "" && len(id) <= max
}
