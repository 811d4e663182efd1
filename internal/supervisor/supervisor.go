// Package supervisor owns subsystem lifecycle: construction order, guarded
// initialization, route/socket registration discovery and teardown. It also
// carries the process event bus.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"hearth/internal/bus"
	"hearth/internal/clock"
	herrors "hearth/internal/errors"
	"hearth/internal/logging"
)

// ModuleState tracks where a module is in its lifecycle.
type ModuleState string

const (
	StatePending   ModuleState = "PENDING"
	StateReady     ModuleState = "READY"
	StateFailed    ModuleState = "FAILED"
	StateDestroyed ModuleState = "DESTROYED"
)

// Module is the minimal surface every subsystem exposes. Additional
// capabilities are declared by implementing the optional interfaces below;
// the supervisor queries capability presence, never method names.
type Module interface {
	Name() string
}

// Initializable modules perform guarded startup work.
type Initializable interface {
	Initialize(ctx context.Context) error
}

// Destroyable modules release resources on shutdown. Destroy must stop
// every timer the module owns.
type Destroyable interface {
	Destroy(ctx context.Context) error
}

// HasHTTPRoutes modules contribute gateway routes.
type HasHTTPRoutes interface {
	RegisterRoutes(r gin.IRouter)
}

// SocketHandler handles one inbound realtime event.
type SocketHandler func(ctx context.Context, payload map[string]any) (any, error)

// HasSocketEvents modules contribute realtime event handlers.
type HasSocketEvents interface {
	SocketEvents() map[string]SocketHandler
}

// Result reports a LoadAll pass.
type Result struct {
	Total  int      `json:"total"`
	Ready  int      `json:"ready"`
	Failed []string `json:"failed"`
}

// Summary is the steady-state view for /ready and /api/stats.
type Summary struct {
	ModuleCount   int      `json:"moduleCount"`
	Ready         int      `json:"ready"`
	Failed        []string `json:"failed"`
	UptimeSeconds float64  `json:"uptimeSeconds"`
}

// Supervisor loads modules in registration order and destroys them in
// reverse. A module failing to initialize never blocks its peers.
type Supervisor struct {
	clk    clock.Clock
	logger logging.Logger
	bus    *bus.Bus
	errs   *herrors.Service
	start  time.Time

	mu      sync.Mutex
	modules []Module
	states  map[string]ModuleState
	loaded  bool
}

// New constructs an empty supervisor around the process bus.
func New(clk clock.Clock, logger logging.Logger, b *bus.Bus, errs *herrors.Service) *Supervisor {
	return &Supervisor{
		clk:    clk,
		logger: logging.OrNop(logger),
		bus:    b,
		errs:   errs,
		start:  clk.Now(),
		states: make(map[string]ModuleState),
	}
}

// Bus returns the process event bus.
func (s *Supervisor) Bus() *bus.Bus {
	return s.bus
}

// Register adds a module. Registration order is the load order.
func (s *Supervisor) Register(m Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.states[m.Name()]; exists {
		return fmt.Errorf("module %q registered twice", m.Name())
	}
	s.modules = append(s.modules, m)
	s.states[m.Name()] = StatePending
	return nil
}

// Modules returns the registered modules in load order.
func (s *Supervisor) Modules() []Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Module(nil), s.modules...)
}

// State returns a module's lifecycle state.
func (s *Supervisor) State(name string) (ModuleState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[name]
	return state, ok
}

// Loaded reports whether LoadAll has completed, successful or not.
func (s *Supervisor) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// LoadAll initializes every module in registration order. A failure marks
// that module FAILED, records the error and moves on; after the pass every
// module is READY or FAILED.
func (s *Supervisor) LoadAll(ctx context.Context) Result {
	modules := s.Modules()
	result := Result{Total: len(modules)}

	for _, m := range modules {
		if init, ok := m.(Initializable); ok {
			if err := init.Initialize(ctx); err != nil {
				s.setState(m.Name(), StateFailed)
				result.Failed = append(result.Failed, m.Name())
				if s.errs != nil {
					s.errs.Record(m.Name(), fmt.Errorf("initialize: %w", err),
						herrors.WithSeverityHint(herrors.SeverityCritical))
				}
				s.logger.Error("module %s failed to initialize: %v", m.Name(), err)
				continue
			}
		}
		s.setState(m.Name(), StateReady)
		result.Ready++
		s.logger.Info("module %s ready", m.Name())
	}

	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()
	return result
}

func (s *Supervisor) setState(name string, state ModuleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = state
}

// RegisterRoutes asks every route-capable module to contribute its routes.
// Each module's routes are mounted under its own id so modules cannot
// shadow one another.
func (s *Supervisor) RegisterRoutes(r gin.IRouter) {
	for _, m := range s.Modules() {
		if routes, ok := m.(HasHTTPRoutes); ok {
			routes.RegisterRoutes(r.Group("/" + m.Name()))
		}
	}
}

// SocketEvents merges every module's realtime handlers. Later modules win
// on a name clash; clashes are logged.
func (s *Supervisor) SocketEvents() map[string]SocketHandler {
	merged := make(map[string]SocketHandler)
	for _, m := range s.Modules() {
		events, ok := m.(HasSocketEvents)
		if !ok {
			continue
		}
		for name, handler := range events.SocketEvents() {
			if _, clash := merged[name]; clash {
				s.logger.Warn("socket event %q declared by multiple modules", name)
			}
			merged[name] = handler
		}
	}
	return merged
}

// DestroyAll broadcasts shutdown, then tears modules down in reverse load
// order. A module leaving timers behind is a leak; the supervisor logs it
// and stops them.
func (s *Supervisor) DestroyAll(ctx context.Context) {
	_ = s.bus.Publish(bus.TopicShutdown, nil)

	modules := s.Modules()
	for i := len(modules) - 1; i >= 0; i-- {
		m := modules[i]
		state, _ := s.State(m.Name())
		if state != StateReady {
			continue
		}
		if d, ok := m.(Destroyable); ok {
			if err := d.Destroy(ctx); err != nil {
				if s.errs != nil {
					s.errs.Record(m.Name(), fmt.Errorf("destroy: %w", err))
				}
				s.logger.Warn("module %s destroy: %v", m.Name(), err)
			}
		}
		for _, owner := range s.clk.ActiveTimers() {
			if owner == m.Name() {
				s.logger.Warn("module %s left timers running after destroy", m.Name())
				s.clk.StopOwned(owner)
				break
			}
		}
		s.setState(m.Name(), StateDestroyed)
	}
}

// GetSummary reports the aggregate module view.
func (s *Supervisor) GetSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := Summary{
		ModuleCount:   len(s.modules),
		UptimeSeconds: s.clk.Now().Sub(s.start).Seconds(),
	}
	for _, m := range s.modules {
		switch s.states[m.Name()] {
		case StateReady:
			summary.Ready++
		case StateFailed:
			summary.Failed = append(summary.Failed, m.Name())
		}
	}
	return summary
}
