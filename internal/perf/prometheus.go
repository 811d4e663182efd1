package perf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry builds a Prometheus registry whose collectors read live monitor
// state, so Reset is reflected in the exposition too.
func (m *Monitor) Registry() (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()

	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "smarthome_requests_total",
			Help: "Total HTTP requests handled.",
		}, func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			return float64(m.total)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "smarthome_requests_success",
			Help: "HTTP requests answered below status 400.",
		}, func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			return float64(m.success)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "smarthome_requests_errors",
			Help: "HTTP requests answered with status 400 or above.",
		}, func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			return float64(m.errCount)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "smarthome_uptime_seconds",
			Help: "Seconds since the process started.",
		}, func() float64 {
			return m.clk.Now().Sub(m.start).Seconds()
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "smarthome_response_time_avg",
			Help: "Mean response time in milliseconds.",
		}, func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.avgMs
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "smarthome_response_time_p95",
			Help: "95th percentile response time in milliseconds.",
		}, func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			p95, _ := m.percentilesLocked()
			return p95
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "smarthome_response_time_p99",
			Help: "99th percentile response time in milliseconds.",
		}, func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			_, p99 := m.percentilesLocked()
			return p99
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "smarthome_memory_heap_used",
			Help: "Heap bytes in use.",
		}, func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			return float64(m.system.HeapUsedBytes)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "smarthome_memory_heap_percent",
			Help: "Heap usage as a share of heap reserved from the OS.",
		}, func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.system.HeapPercent
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "smarthome_cpu_usage_percent",
			Help: "Process CPU usage between gauge samples.",
		}, func() float64 {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.system.CPUPercent
		}),
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// MetricsHandler returns the /metrics HTTP handler.
func (m *Monitor) MetricsHandler() (http.Handler, error) {
	registry, err := m.Registry()
	if err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
