package sampler

import (
	"context"
	"errors"
	"testing"
	"time"

	"hearth/internal/bus"
	"hearth/internal/clock"
	herrors "hearth/internal/errors"
	"hearth/internal/logging"
)

func newSamplerFixture(t *testing.T) (*Sampler, *clock.Manual, *herrors.Service) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))
	b := bus.New(logging.Nop())
	errs := herrors.NewService(clk, nil, b)
	return New(clk, nil, errs, "test-sampler", time.Minute), clk, errs
}

func TestCollect_ReadsAllSources(t *testing.T) {
	s, _, _ := newSamplerFixture(t)
	s.AddSource("meter-a", func(ctx context.Context) (float64, map[string]float64, error) {
		return 120, map[string]float64{"voltage": 230}, nil
	})
	s.AddSource("meter-b", func(ctx context.Context) (float64, map[string]float64, error) {
		return 45, nil, nil
	})

	s.Collect(context.Background())

	a, ok := s.Latest("meter-a")
	if !ok || a.Value != 120 {
		t.Fatalf("meter-a sample missing or wrong: %+v", a)
	}
	if a.Derived["voltage"] != 230 {
		t.Errorf("derived value lost: %+v", a.Derived)
	}
	if b, ok := s.Latest("meter-b"); !ok || b.Value != 45 {
		t.Errorf("meter-b sample missing or wrong: %+v", b)
	}
}

func TestCollect_FailedSourceSkippedAndRecorded(t *testing.T) {
	s, _, errs := newSamplerFixture(t)
	s.AddSource("broken", func(ctx context.Context) (float64, map[string]float64, error) {
		return 0, nil, errors.New("modbus timeout")
	})
	s.AddSource("working", func(ctx context.Context) (float64, map[string]float64, error) {
		return 7, nil, nil
	})

	s.Collect(context.Background())

	if _, ok := s.Latest("working"); !ok {
		t.Error("working source must still be sampled")
	}
	if _, ok := s.Latest("broken"); ok {
		t.Error("failed read must not produce a sample")
	}
	if errs.HistorySize() != 1 {
		t.Errorf("failed read must be recorded, history size %d", errs.HistorySize())
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := New(clk, nil, nil, "test-sampler", time.Minute, WithCapacity(10))

	for i := 0; i < 25; i++ {
		clk.Advance(time.Second)
		s.Record("src", float64(i), nil)
	}

	if s.Size() != 10 {
		t.Fatalf("ring must hold 10, got %d", s.Size())
	}
	latest, _ := s.Latest("src")
	if latest.Value != 24 {
		t.Errorf("newest sample must survive eviction, got %.0f", latest.Value)
	}
}

func TestSince_WindowQuery(t *testing.T) {
	s, clk, _ := newSamplerFixture(t)
	for i := 0; i < 5; i++ {
		s.Record("src", float64(i), nil)
		clk.Advance(time.Minute)
	}

	window := s.Since("src", clk.Now().Add(-150*time.Second))
	if len(window) != 2 {
		t.Fatalf("expected 2 samples in the window, got %d", len(window))
	}
	if window[0].Value != 3 || window[1].Value != 4 {
		t.Errorf("window ordered oldest first, got %+v", window)
	}
}

func TestStart_CollectsOnTick(t *testing.T) {
	s, clk, _ := newSamplerFixture(t)
	calls := make(chan struct{}, 10)
	s.AddSource("src", func(ctx context.Context) (float64, map[string]float64, error) {
		calls <- struct{}{}
		return 1, nil, nil
	})

	s.Start()
	defer s.Stop()
	clk.Advance(time.Minute)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("tick did not trigger collection")
	}
}
