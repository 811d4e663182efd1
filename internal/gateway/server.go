// Package gateway terminates client connections for the control plane. It
// carries no business logic: the middleware stack enforces cross-cutting
// policy and every route dispatches into a subsystem.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"hearth/internal/config"
	"hearth/internal/devices"
	"hearth/internal/energy"
	herrors "hearth/internal/errors"
	"hearth/internal/logging"
	"hearth/internal/perf"
	"hearth/internal/security"
	"hearth/internal/supervisor"
)

const (
	maxDeviceIDLen     = 128
	maxCapabilityLen   = 64
	maxSceneIDLen      = 128
	shutdownDrainGrace = 3 * time.Second
)

// DeviceService is the slice of the device adapter the gateway dispatches to.
type DeviceService interface {
	GetDevices(ctx context.Context) (map[string]devices.Device, error)
	GetZones(ctx context.Context) (map[string]devices.Zone, error)
	SetCapability(ctx context.Context, deviceID, capability string, value any) error
	TriggerFlow(ctx context.Context, flowID string) error
}

// EnergyService is the energy view behind /api/energy.
type EnergyService interface {
	Snapshot() energy.Snapshot
	GetAnalytics() energy.Analytics
}

// SecurityService is the arming-mode view behind /api/security.
type SecurityService interface {
	GetStatus() security.Status
	SetMode(mode string) error
}

// Deps collects everything the gateway dispatches into.
type Deps struct {
	Config     *config.Config
	Logger     logging.Logger
	Errors     *herrors.Service
	Monitor    *perf.Monitor
	Supervisor *supervisor.Supervisor
	Devices    DeviceService
	Energy     EnergyService
	Security   SecurityService
}

// Server is the HTTP + realtime front of the control plane.
type Server struct {
	cfg    *config.Config
	logger logging.Logger
	errs   *herrors.Service

	monitor  *perf.Monitor
	sup      *supervisor.Supervisor
	devices  DeviceService
	energy   EnergyService
	security SecurityService

	engine     *gin.Engine
	hub        *Hub
	httpServer *http.Server
}

// NewServer builds the engine, the middleware stack and the route table.
// Routes contributed by modules are mounted under /api/modules/<id>.
func NewServer(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	if !deps.Config.IsProduction() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      deps.Config,
		logger:   logging.OrNop(deps.Logger),
		errs:     deps.Errors,
		monitor:  deps.Monitor,
		sup:      deps.Supervisor,
		devices:  deps.Devices,
		energy:   deps.Energy,
		security: deps.Security,
	}
	s.hub = NewHub(s.cfg, s.logger, s.errs, deps.Supervisor, deps.Devices)

	engine := gin.New()

	corsConfig := cors.Config{
		AllowOrigins:     deps.Config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		AllowWebSockets:  true,
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range deps.Config.AllowedOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			break
		}
	}

	// Middleware order is load-bearing: policy first, accounting last so
	// rejected requests are still observed by the perf tap and recovery
	// wraps every handler beneath it.
	engine.Use(cors.New(corsConfig))
	engine.Use(securityHeaders())
	engine.Use(rateLimit(deps.Config.RateLimitPerMinute))
	engine.Use(validateRequest(deps.Config.MaxBodyBytes))
	engine.Use(requestID())
	if deps.Monitor != nil {
		engine.Use(perfTap(deps.Monitor))
	}
	engine.Use(s.recovery())

	if err := s.registerRoutes(engine); err != nil {
		return nil, err
	}

	s.engine = engine
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(deps.Config.HTTPHost, fmt.Sprint(deps.Config.HTTPPort)),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// recovery maps a handler panic to 500 {error:"internal"} and records the
// original failure under the request id.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if s.errs != nil {
					s.errs.Record("gateway", fmt.Errorf("panic in %s: %v", c.FullPath(), r),
						herrors.WithSeverityHint(herrors.SeverityCritical),
						herrors.WithContext(map[string]any{"requestId": c.GetString("requestID")}))
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			}
		}()
		c.Next()
	}
}

func (s *Server) registerRoutes(engine *gin.Engine) error {
	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)

	internal := engine.Group("/", internalOnly(s.cfg.InternalToken))
	if s.monitor != nil {
		metricsHandler, err := s.monitor.MetricsHandler()
		if err != nil {
			return fmt.Errorf("gateway: build metrics handler: %w", err)
		}
		internal.GET("/metrics", gin.WrapH(metricsHandler))
	}
	internal.GET("/api/stats", s.handleStats)

	api := engine.Group("/api")
	api.GET("/dashboard", s.handleDashboard)
	api.GET("/devices", s.handleDevices)
	api.GET("/zones", s.handleZones)
	api.POST("/device/:deviceId/capability/:capability", s.handleSetCapability)
	api.POST("/scene/:sceneId", s.handleActivateScene)
	api.GET("/energy", s.handleEnergy)
	api.GET("/energy/analytics", s.handleEnergyAnalytics)
	api.GET("/security", s.handleSecurity)
	api.POST("/security/mode", s.handleSecurityMode)

	if s.sup != nil {
		s.sup.RegisterRoutes(api.Group("/modules"))
	}

	engine.GET("/ws", s.hub.HandleConnection)
	return nil
}

// Hub returns the realtime hub so the caller can bind it to the event bus.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info("gateway listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests for up to the grace period, then
// closes every realtime session.
func (s *Server) Shutdown(ctx context.Context) error {
	drain, cancel := context.WithTimeout(ctx, shutdownDrainGrace)
	defer cancel()
	err := s.httpServer.Shutdown(drain)
	s.hub.Close()
	return err
}
