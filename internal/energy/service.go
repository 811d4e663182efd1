// Package energy tracks electrical consumption per source and prices it
// with the configurable tariff. Power readings come in through the shared
// sampler; reports integrate them over day/week/month windows.
package energy

import (
	"fmt"
	"sync"
	"time"

	"hearth/internal/bus"
	"hearth/internal/clock"
	"hearth/internal/logging"
	"hearth/internal/sampler"
	"hearth/internal/settings"
)

// TariffKey is the settings key holding the price per kWh in SEK.
const TariffKey = "energy.tariff_sek_per_kwh"

// Gaps longer than this between samples are treated as missing data rather
// than sustained load.
const maxIntegrationGap = 15 * time.Minute

var ErrInvalidPeriod = fmt.Errorf("invalid energy period")

// Snapshot is the current power picture.
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Sources   map[string]float64 `json:"sources"` // W per source
	TotalW    float64            `json:"totalW"`
}

// Report prices consumption over one period.
type Report struct {
	Period    string             `json:"period"`
	Kwh       map[string]float64 `json:"kwh"`
	TotalKwh  float64            `json:"totalKwh"`
	TariffSEK float64            `json:"tariffSekPerKwh"`
	CostSEK   float64            `json:"costSek"`
}

// Analytics is the multi-window view for the dashboard.
type Analytics struct {
	Day       Report  `json:"day"`
	Week      Report  `json:"week"`
	Month     Report  `json:"month"`
	TariffSEK float64 `json:"tariffSekPerKwh"`
}

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Service owns the energy view over the shared sampler.
type Service struct {
	clk           clock.Clock
	logger        logging.Logger
	samples       *sampler.Sampler
	store         settings.Store
	pub           Publisher
	defaultTariff float64

	mu       sync.Mutex
	lastSnap Snapshot
}

// NewService wires the energy view. defaultTariff applies when the settings
// store has no tariff key.
func NewService(clk clock.Clock, logger logging.Logger, samples *sampler.Sampler, store settings.Store, pub Publisher, defaultTariff float64) *Service {
	return &Service{
		clk:           clk,
		logger:        logging.OrNop(logger),
		samples:       samples,
		store:         store,
		pub:           pub,
		defaultTariff: defaultTariff,
	}
}

// Tariff returns the active price per kWh.
func (s *Service) Tariff() float64 {
	if s.store != nil {
		if v := settings.GetFloat(s.store, TariffKey, 0); v > 0 {
			return v
		}
	}
	return s.defaultTariff
}

// Snapshot reports the latest power reading per source and publishes the
// update for realtime consumers.
func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp: s.clk.Now(),
		Sources:   make(map[string]float64),
	}
	for _, id := range s.samples.SourceIDs() {
		if sample, ok := s.samples.Latest(id); ok {
			snap.Sources[id] = sample.Value
			snap.TotalW += sample.Value
		}
	}

	s.mu.Lock()
	changed := snapshotChanged(s.lastSnap, snap)
	s.lastSnap = snap
	s.mu.Unlock()

	if changed && s.pub != nil {
		_ = s.pub.Publish(bus.TopicEnergyUpdate, snap)
	}
	return snap
}

func snapshotChanged(prev, next Snapshot) bool {
	if len(prev.Sources) != len(next.Sources) {
		return true
	}
	for id, w := range next.Sources {
		if prev.Sources[id] != w {
			return true
		}
	}
	return false
}

// GetReport integrates power samples over the named period and prices the
// result. period is one of day, week, month.
func (s *Service) GetReport(period string) (Report, error) {
	var window time.Duration
	switch period {
	case "day":
		window = 24 * time.Hour
	case "week":
		window = 7 * 24 * time.Hour
	case "month":
		window = 30 * 24 * time.Hour
	default:
		return Report{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}

	tariff := s.Tariff()
	report := Report{Period: period, Kwh: make(map[string]float64), TariffSEK: tariff}
	cutoff := s.clk.Now().Add(-window)
	for _, id := range s.samples.SourceIDs() {
		kwh := integrate(s.samples.Since(id, cutoff))
		report.Kwh[id] = kwh
		report.TotalKwh += kwh
	}
	report.CostSEK = report.TotalKwh * tariff
	return report, nil
}

// GetAnalytics assembles the day/week/month dashboard view.
func (s *Service) GetAnalytics() Analytics {
	day, _ := s.GetReport("day")
	week, _ := s.GetReport("week")
	month, _ := s.GetReport("month")
	return Analytics{Day: day, Week: week, Month: month, TariffSEK: s.Tariff()}
}

// integrate turns a power series (W) into energy (kWh) by holding each
// sample's value until the next one. Long gaps count as no consumption.
func integrate(series []sampler.Sample) float64 {
	var kwh float64
	for i := 0; i < len(series)-1; i++ {
		gap := series[i+1].Timestamp.Sub(series[i].Timestamp)
		if gap <= 0 || gap > maxIntegrationGap {
			continue
		}
		kwh += series[i].Value * gap.Seconds() / 3600000
	}
	return kwh
}
