package errors

import (
	"context"
	"errors"
	"sync"
	"time"

	"hearth/internal/bus"
	"hearth/internal/clock"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("CIRCUIT_OPEN")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed - normal operation, requests allowed.
	StateClosed CircuitState = iota
	// StateOpen - failing, requests rejected immediately.
	StateOpen
	// StateHalfOpen - one probe allowed to test recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	Threshold int           // consecutive failures that open the circuit (default: 5)
	Cooldown  time.Duration // time in OPEN before allowing a probe (default: 30s)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

// Breaker implements the circuit breaker pattern:
// CLOSED -> OPEN after Threshold consecutive failures, OPEN -> HALF_OPEN after
// Cooldown (single probe), HALF_OPEN -> CLOSED on probe success or back to
// OPEN on probe failure.
type Breaker struct {
	name      string
	config    BreakerConfig
	clock     clock.Clock
	publisher Publisher

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	openedAt      time.Time
	probeInFlight bool
}

// Breaker returns the named process-global breaker, creating it on first use.
// Config applies only on creation.
func (s *Service) Breaker(name string, config BreakerConfig) *Breaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()

	if b, ok := s.breakers[name]; ok {
		return b
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultBreakerConfig().Threshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	b := &Breaker{
		name:      name,
		config:    config,
		clock:     s.clock,
		publisher: s.publisher,
		state:     StateClosed,
	}
	s.breakers[name] = b
	return b
}

// BreakerStates returns the current state of every known breaker.
func (s *Service) BreakerStates() map[string]string {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()

	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State().String()
	}
	return out
}

// Execute runs fn under the breaker. While the circuit is open it rejects
// immediately with ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.record(err, probe)
	return err
}

func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.config.Cooldown {
			b.state = StateHalfOpen
			b.probeInFlight = true
			return true, nil
		}
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if b.probeInFlight {
			return false, ErrCircuitOpen
		}
		b.probeInFlight = true
		return true, nil
	}
	return false, ErrCircuitOpen
}

func (b *Breaker) record(err error, probe bool) {
	b.mu.Lock()

	if probe {
		b.probeInFlight = false
	}

	var opened bool
	if err == nil {
		switch b.state {
		case StateHalfOpen:
			b.state = StateClosed
			b.failureCount = 0
		case StateClosed:
			b.failureCount = 0
		}
	} else {
		switch b.state {
		case StateClosed:
			b.failureCount++
			if b.failureCount >= b.config.Threshold {
				opened = b.open()
			}
		case StateHalfOpen:
			opened = b.open()
		}
	}
	b.mu.Unlock()

	if opened && b.publisher != nil {
		_ = b.publisher.Publish(bus.TopicCircuitOpen, map[string]any{
			"name":     b.name,
			"cooldown": b.config.Cooldown.String(),
		})
	}
}

// open transitions to OPEN; caller holds the lock.
func (b *Breaker) open() bool {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.failureCount = 0
	return true
}

// State returns the current breaker state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
