// Package sampler is the shared envelope for subsystems that periodically
// read numeric sources and keep a bounded history: energy meters, climate
// probes, pool chemistry. The sampler owns collection, retention and
// windowed queries; domain packages interpret the values.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hearth/internal/clock"
	herrors "hearth/internal/errors"
	"hearth/internal/logging"
)

const defaultCapacity = 1000

// Sample is one observation from a source.
type Sample struct {
	Timestamp time.Time          `json:"timestamp"`
	SourceID  string             `json:"sourceId"`
	Value     float64            `json:"value"`
	Derived   map[string]float64 `json:"derived,omitempty"`
}

// ReadFunc pulls a current value from a source. Derived values ride along
// with the sample.
type ReadFunc func(ctx context.Context) (float64, map[string]float64, error)

// Sampler collects from registered sources on a fixed interval and retains
// a bounded ring of samples. Eviction drops the oldest entries.
type Sampler struct {
	clk      clock.Clock
	logger   logging.Logger
	errs     *herrors.Service
	system   string
	interval time.Duration
	capacity int

	mu      sync.Mutex
	sources map[string]ReadFunc
	samples []Sample

	ticker   clock.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// Option tunes sampler construction.
type Option func(*Sampler)

// WithCapacity overrides the 1000-sample retention.
func WithCapacity(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// New creates a stopped sampler. system names the error-service bucket for
// failed reads.
func New(clk clock.Clock, logger logging.Logger, errs *herrors.Service, system string, interval time.Duration, opts ...Option) *Sampler {
	s := &Sampler{
		clk:      clk,
		logger:   logging.OrNop(logger),
		errs:     errs,
		system:   system,
		interval: interval,
		capacity: defaultCapacity,
		sources:  make(map[string]ReadFunc),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSource registers a source. Re-adding an id replaces the reader.
func (s *Sampler) AddSource(id string, read ReadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[id] = read
}

// RemoveSource drops a source; retained samples stay queryable.
func (s *Sampler) RemoveSource(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, id)
}

// Record pushes an externally produced sample, for sources that report on
// their own schedule rather than being polled.
func (s *Sampler) Record(sourceID string, value float64, derived map[string]float64) {
	s.append(Sample{
		Timestamp: s.clk.Now(),
		SourceID:  sourceID,
		Value:     value,
		Derived:   derived,
	})
}

func (s *Sampler) append(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.capacity {
		s.samples = s.samples[len(s.samples)-s.capacity:]
	}
}

// Start launches periodic collection.
func (s *Sampler) Start() {
	s.ticker = s.clk.NewTicker(s.system, s.interval)
	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-s.ticker.C():
				s.Collect(context.Background())
			}
		}
	}()
}

// Stop halts collection. Safe to call twice.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.clk.StopOwned(s.system)
	})
}

// Collect reads every source once. Failed reads are recorded and skipped;
// one bad source never hides the others.
func (s *Sampler) Collect(ctx context.Context) {
	s.mu.Lock()
	sources := make(map[string]ReadFunc, len(s.sources))
	for id, read := range s.sources {
		sources[id] = read
	}
	s.mu.Unlock()

	now := s.clk.Now()
	for id, read := range sources {
		value, derived, err := read(ctx)
		if err != nil {
			if s.errs != nil {
				s.errs.Record(s.system, fmt.Errorf("sample %s: %w", id, err))
			}
			continue
		}
		s.append(Sample{Timestamp: now, SourceID: id, Value: value, Derived: derived})
	}
}

// Latest returns the newest sample for a source.
func (s *Sampler) Latest(sourceID string) (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.samples) - 1; i >= 0; i-- {
		if s.samples[i].SourceID == sourceID {
			return s.samples[i], true
		}
	}
	return Sample{}, false
}

// Since returns a source's samples at or after the cutoff, oldest first.
func (s *Sampler) Since(sourceID string, cutoff time.Time) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	for _, sample := range s.samples {
		if sample.SourceID == sourceID && !sample.Timestamp.Before(cutoff) {
			out = append(out, sample)
		}
	}
	return out
}

// SourceIDs returns every source that has at least one retained sample.
func (s *Sampler) SourceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, sample := range s.samples {
		if !seen[sample.SourceID] {
			seen[sample.SourceID] = true
			out = append(out, sample.SourceID)
		}
	}
	return out
}

// Size reports the retained sample count.
func (s *Sampler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}
