// Package perf tracks request latency, throughput and process health, and
// exposes the numbers both as a JSON snapshot and in Prometheus format.
package perf

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"hearth/internal/clock"
	"hearth/internal/logging"
)

const (
	latencyBufferSize = 1000
	gaugeInterval     = 10 * time.Second
)

// EndpointStats aggregates per-route observations.
type EndpointStats struct {
	Count  int64   `json:"count"`
	Errors int64   `json:"errors"`
	AvgMs  float64 `json:"avgMs"`
	MaxMs  float64 `json:"maxMs"`
}

// SystemStats are the sampled process gauges.
type SystemStats struct {
	HeapUsedBytes uint64  `json:"heapUsedBytes"`
	HeapPercent   float64 `json:"heapPercent"`
	CPUPercent    float64 `json:"cpuPercent"`
}

// Snapshot is the full monitor view for /api/stats.
type Snapshot struct {
	UptimeSeconds float64                  `json:"uptimeSeconds"`
	Requests      RequestStats             `json:"requests"`
	ResponseTime  ResponseTimeStats        `json:"responseTime"`
	Endpoints     map[string]EndpointStats `json:"endpoints"`
	System        SystemStats              `json:"system"`
}

// RequestStats are the top-level counters. success + errors = total.
type RequestStats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Errors  int64 `json:"errors"`
}

// ResponseTimeStats carry the incremental average and lazy percentiles.
type ResponseTimeStats struct {
	AvgMs float64 `json:"avgMs"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
}

// Monitor is the process-wide performance monitor.
type Monitor struct {
	clk    clock.Clock
	logger logging.Logger
	start  time.Time

	mu        sync.Mutex
	total     int64
	success   int64
	errCount  int64
	latencies []float64
	avgMs     float64
	endpoints map[string]*EndpointStats

	dirty bool
	p95   float64
	p99   float64

	system      SystemStats
	prevCPUTime float64
	prevCPUWall time.Time

	ticker   clock.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates the monitor; the uptime clock starts here.
func NewMonitor(clk clock.Clock, logger logging.Logger) *Monitor {
	return &Monitor{
		clk:       clk,
		logger:    logging.OrNop(logger),
		start:     clk.Now(),
		endpoints: make(map[string]*EndpointStats),
		done:      make(chan struct{}),
	}
}

// Observe records one finished request. Statuses >= 400 count as errors.
func (m *Monitor) Observe(endpoint, method string, status int, durationMs float64) {
	key := method + " " + endpoint

	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if status >= 400 {
		m.errCount++
	} else {
		m.success++
	}

	// Incremental mean over every observation, not just the buffer.
	m.avgMs += (durationMs - m.avgMs) / float64(m.total)

	m.latencies = append(m.latencies, durationMs)
	if len(m.latencies) > latencyBufferSize {
		m.latencies = m.latencies[len(m.latencies)-latencyBufferSize:]
	}
	m.dirty = true

	stats, ok := m.endpoints[key]
	if !ok {
		stats = &EndpointStats{}
		m.endpoints[key] = stats
	}
	stats.Count++
	if status >= 400 {
		stats.Errors++
	}
	stats.AvgMs += (durationMs - stats.AvgMs) / float64(stats.Count)
	if durationMs > stats.MaxMs {
		stats.MaxMs = durationMs
	}
}

// percentilesLocked recomputes p95/p99 when observations arrived since the
// last read.
func (m *Monitor) percentilesLocked() (float64, float64) {
	if !m.dirty {
		return m.p95, m.p99
	}
	m.dirty = false
	if len(m.latencies) == 0 {
		m.p95, m.p99 = 0, 0
		return 0, 0
	}
	sorted := append([]float64(nil), m.latencies...)
	sort.Float64s(sorted)
	m.p95 = sorted[rankIndex(len(sorted), 95)]
	m.p99 = sorted[rankIndex(len(sorted), 99)]
	return m.p95, m.p99
}

func rankIndex(n, percentile int) int {
	idx := n*percentile/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// GetSnapshot assembles the full stats view.
func (m *Monitor) GetSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	p95, p99 := m.percentilesLocked()
	endpoints := make(map[string]EndpointStats, len(m.endpoints))
	for key, stats := range m.endpoints {
		endpoints[key] = *stats
	}
	return Snapshot{
		UptimeSeconds: m.clk.Now().Sub(m.start).Seconds(),
		Requests:      RequestStats{Total: m.total, Success: m.success, Errors: m.errCount},
		ResponseTime:  ResponseTimeStats{AvgMs: m.avgMs, P95Ms: p95, P99Ms: p99},
		Endpoints:     endpoints,
		System:        m.system,
	}
}

// Reset drops every counter and empties the latency buffer. Uptime and
// system gauges are unaffected.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total, m.success, m.errCount = 0, 0, 0
	m.avgMs = 0
	m.latencies = nil
	m.endpoints = make(map[string]*EndpointStats)
	m.dirty = false
	m.p95, m.p99 = 0, 0
}

// Start begins the 10 s system-gauge collection loop.
func (m *Monitor) Start() {
	m.CollectSystem()
	m.ticker = m.clk.NewTicker("perf", gaugeInterval)
	go func() {
		for {
			select {
			case <-m.done:
				return
			case <-m.ticker.C():
				m.CollectSystem()
			}
		}
	}()
}

// Stop halts gauge collection. Safe to call twice.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.ticker != nil {
			m.ticker.Stop()
		}
		m.clk.StopOwned("perf")
	})
}

// CollectSystem samples heap and CPU usage. The first CPU sample reports 0
// because usage is a delta between samples.
func (m *Monitor) CollectSystem() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	heapPercent := 0.0
	if mem.HeapSys > 0 {
		heapPercent = float64(mem.HeapAlloc) / float64(mem.HeapSys) * 100
	}

	cpuPercent := 0.0
	cpuTime, cpuOK := processCPUTime()
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cpuOK {
		if !m.prevCPUWall.IsZero() {
			wall := now.Sub(m.prevCPUWall).Seconds()
			if wall > 0 && cpuTime >= m.prevCPUTime {
				cpuPercent = (cpuTime - m.prevCPUTime) / wall * 100
			}
		}
		m.prevCPUTime = cpuTime
		m.prevCPUWall = now
	}

	m.system = SystemStats{
		HeapUsedBytes: mem.HeapAlloc,
		HeapPercent:   heapPercent,
		CPUPercent:    cpuPercent,
	}
}

// processCPUTime reads cumulative CPU seconds for this process from /proc.
func processCPUTime() (float64, bool) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, false
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, false
	}
	return stat.CPUTime(), true
}
