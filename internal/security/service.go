// Package security tracks the house arming mode and reacts to alarm-class
// device events while armed.
package security

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"hearth/internal/bus"
	"hearth/internal/clock"
	"hearth/internal/logging"
	"hearth/internal/settings"
)

// Modes.
const (
	ModeHome     = "home"
	ModeAway     = "away"
	ModeNight    = "night"
	ModeVacation = "vacation"
	ModeDisarmed = "disarmed"
)

// ModeKey is the settings key persisting the last selected mode.
const ModeKey = "security.mode"

var ErrInvalidMode = fmt.Errorf("invalid security mode")

// armedClasses maps each mode to the sensor classes that raise alerts.
var armedClasses = map[string][]string{
	ModeHome:     {"alarm_smoke", "alarm_water"},
	ModeAway:     {"alarm_contact", "alarm_motion", "alarm_smoke", "alarm_water"},
	ModeNight:    {"alarm_contact", "alarm_smoke", "alarm_water"},
	ModeVacation: {"alarm_contact", "alarm_motion", "alarm_smoke", "alarm_water"},
	ModeDisarmed: {"alarm_smoke", "alarm_water"},
}

// Status is the externally visible security state.
type Status struct {
	Mode         string    `json:"mode"`
	ArmedClasses []string  `json:"armedClasses"`
	ChangedAt    time.Time `json:"changedAt"`
}

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Notifier receives alarm notifications.
type Notifier interface {
	Notify(priority, category, title, message string)
}

// Service owns the security mode. The last mode survives restarts through
// the settings store.
type Service struct {
	clk      clock.Clock
	logger   logging.Logger
	store    settings.Store
	pub      Publisher
	notifier Notifier

	mu        sync.Mutex
	mode      string
	changedAt time.Time
}

// NewService restores the persisted mode, defaulting to disarmed.
func NewService(clk clock.Clock, logger logging.Logger, store settings.Store, pub Publisher, notifier Notifier) *Service {
	mode := ModeDisarmed
	if store != nil {
		if persisted := settings.GetString(store, ModeKey, ModeDisarmed); ValidMode(persisted) {
			mode = persisted
		}
	}
	return &Service{
		clk:       clk,
		logger:    logging.OrNop(logger),
		store:     store,
		pub:       pub,
		notifier:  notifier,
		mode:      mode,
		changedAt: clk.Now(),
	}
}

// ValidMode reports whether mode is one of the five known modes.
func ValidMode(mode string) bool {
	_, ok := armedClasses[mode]
	return ok
}

// Mode returns the active mode.
func (s *Service) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// GetStatus returns the full security view.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Mode:         s.mode,
		ArmedClasses: append([]string(nil), armedClasses[s.mode]...),
		ChangedAt:    s.changedAt,
	}
}

// SetMode switches the arming mode, persists it and announces the change.
// Setting the current mode again is a no-op.
func (s *Service) SetMode(mode string) error {
	if !ValidMode(mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	s.mu.Lock()
	if s.mode == mode {
		s.mu.Unlock()
		return nil
	}
	previous := s.mode
	s.mode = mode
	s.changedAt = s.clk.Now()
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Set(ModeKey, mode); err != nil {
			s.logger.Warn("persist security mode: %v", err)
		}
	}
	if s.pub != nil {
		_ = s.pub.Publish(bus.TopicSecurityModeChanged, map[string]any{
			"mode":     mode,
			"previous": previous,
		})
	}
	s.logger.Info("security mode %s -> %s", previous, mode)
	return nil
}

// Bind subscribes the service to device updates so armed sensor classes
// raise alerts.
func (s *Service) Bind(b *bus.Bus) error {
	return b.Subscribe(bus.TopicDeviceUpdated, "security", func(evt bus.Event) error {
		payload, _ := evt.Payload.(map[string]any)
		s.handleDeviceEvent(payload)
		return nil
	})
}

func (s *Service) handleDeviceEvent(payload map[string]any) {
	capability, _ := payload["capability"].(string)
	if !strings.HasPrefix(capability, "alarm_") {
		return
	}
	triggered, _ := payload["value"].(bool)
	if !triggered {
		return
	}

	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()
	if !classArmed(mode, capability) {
		return
	}

	deviceID, _ := payload["deviceId"].(string)
	if s.notifier != nil {
		s.notifier.Notify("critical", "security",
			"Security alert",
			fmt.Sprintf("%s triggered on %s while mode is %s", capability, deviceID, mode))
	}
	s.logger.Warn("security alert: %s on %s (mode %s)", capability, deviceID, mode)
}

func classArmed(mode, class string) bool {
	for _, armed := range armedClasses[mode] {
		if armed == class {
			return true
		}
	}
	return false
}
