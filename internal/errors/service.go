package errors

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"hearth/internal/bus"
	"hearth/internal/clock"
	"hearth/internal/logging"
)

const (
	historyLimit  = 500
	dedupWindow   = 5 * time.Second
	stormWindow   = 60 * time.Second
	stormMinCount = 10
)

// Entry is one recorded error.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	System    string         `json:"system"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Context   map[string]any `json:"context,omitempty"`
}

// Publisher is the slice of the event bus the service needs for storm and
// circuit events.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Service is the process-wide error middleware. It classifies, deduplicates,
// and mitigates errors across every subsystem. It is constructed once at
// startup and passed through the app context; its lifecycle is tied to the
// supervisor.
type Service struct {
	clock     clock.Clock
	logger    logging.Logger
	publisher Publisher

	mu        sync.Mutex
	history   []Entry // ring, newest last, capped at historyLimit
	lastSeen  map[string]time.Time
	perSystem map[string][]time.Time

	breakersMu sync.Mutex
	breakers   map[string]*Breaker
}

// NewService creates the error middleware.
func NewService(clk clock.Clock, logger logging.Logger, publisher Publisher) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Service{
		clock:     clk,
		logger:    logging.OrNop(logger),
		publisher: publisher,
		lastSeen:  make(map[string]time.Time),
		perSystem: make(map[string][]time.Time),
		breakers:  make(map[string]*Breaker),
	}
}

// RecordOption customises a Record call.
type RecordOption func(*recordOpts)

type recordOpts struct {
	hint    Severity
	context map[string]any
}

// WithSeverityHint overrides the classification cascade for this record.
func WithSeverityHint(sev Severity) RecordOption {
	return func(o *recordOpts) { o.hint = sev }
}

// WithContext attaches structured context to the entry.
func WithContext(ctx map[string]any) RecordOption {
	return func(o *recordOpts) { o.context = ctx }
}

// Record classifies and stores err under system. An identical {system,message}
// pair within the dedup window collapses into the first entry and returns nil.
func (s *Service) Record(system string, err error, opts ...RecordOption) *Entry {
	if err == nil {
		return nil
	}
	var o recordOpts
	for _, opt := range opts {
		opt(&o)
	}

	now := s.clock.Now()
	message := err.Error()
	key := system + "\x00" + message

	s.mu.Lock()
	if last, ok := s.lastSeen[key]; ok && now.Sub(last) < dedupWindow {
		s.mu.Unlock()
		return nil
	}
	s.lastSeen[key] = now

	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: now,
		System:    system,
		Message:   message,
		Severity:  Classify(message, o.hint),
		Context:   o.context,
	}
	s.history = append(s.history, entry)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}

	storm := s.noteForStormLocked(system, now)
	s.mu.Unlock()

	s.logger.Warn("[%s] %s: %s", entry.Severity, system, message)

	if storm && s.publisher != nil {
		_ = s.publisher.Publish(bus.TopicErrorStorm, map[string]any{
			"system": system,
			"count":  stormMinCount,
			"window": stormWindow.String(),
		})
	}
	return &entry
}

// RecordError satisfies bus.ErrorRecorder.
func (s *Service) RecordError(system string, err error) {
	s.Record(system, err)
}

// noteForStormLocked tracks per-system error times and reports true exactly
// when the storm threshold is crossed. The window resets after a storm so one
// sustained burst emits one event.
func (s *Service) noteForStormLocked(system string, now time.Time) bool {
	times := s.perSystem[system]
	cutoff := now.Add(-stormWindow)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	if len(kept) >= stormMinCount {
		s.perSystem[system] = nil
		return true
	}
	s.perSystem[system] = kept
	return false
}

// History returns up to limit most recent entries, newest first. limit <= 0
// returns the full ring.
func (s *Service) History(limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// HistorySize returns the number of retained entries.
func (s *Service) HistorySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Wrap runs fn and records any returned error under system before passing it
// back unchanged.
func (s *Service) Wrap(system string, fn func() error) error {
	err := fn()
	if err != nil {
		s.Record(system, err)
	}
	return err
}
