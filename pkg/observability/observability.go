// Package observability provides structured metrics for the combined
// serve runtime: Prometheus-exposition-format counters/gauges/histograms
// for the telemetry pipeline, the dispatcher, and the gateway bridge,
// served at the tool surface's authorized /metrics endpoint.
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// ------------------------------------------------------------------
// Metrics
// ------------------------------------------------------------------

// MetricType classifies a metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// Metric is a single named metric.
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Description string            `json:"description"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// MetricsRegistry collects and exposes application metrics.
type MetricsRegistry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewMetricsRegistry creates a metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	desc  string
	value atomic.Int64
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	name  string
	desc  string
	value atomic.Int64 // integer gauge value
}

// Histogram tracks value distributions with pre-defined buckets.
type Histogram struct {
	mu      sync.Mutex
	name    string
	desc    string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// GetCounter returns (or creates) a counter metric.
func (r *MetricsRegistry) GetCounter(name, description string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name, desc: description}
	r.counters[name] = c
	return c
}

// GetGauge returns (or creates) a gauge metric.
func (r *MetricsRegistry) GetGauge(name, description string) *Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g
	}
	g = &Gauge{name: name, desc: description}
	r.gauges[name] = g
	return g
}

// GetHistogram returns (or creates) a histogram metric.
func (r *MetricsRegistry) GetHistogram(name, description string, buckets []float64) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	sort.Float64s(buckets)
	h = &Histogram{name: name, desc: description, buckets: buckets, counts: make([]int64, len(buckets)+1)}
	r.histograms[name] = h
	return h
}

// Inc increments a counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments a counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Set sets the gauge value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the gauge's current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++ // +Inf bucket
}

// ------------------------------------------------------------------
// Gateway metrics
// ------------------------------------------------------------------

// GatewayMetrics holds the metrics suite exported at /metrics. The serve
// runtime updates the tool-call counters and latency, the trigger-fire
// counter, and the fleet client's retry and command-error counters; the
// frame, sink, command-total, command-latency, wake, gateway, breaker and
// system metrics are registered but never updated, so they read zero.
type GatewayMetrics struct {
	Registry *MetricsRegistry

	// Telemetry receiver / fanout
	FramesReceived  *Counter
	FramesDecodeErr *Counter
	SinkErrors      *Counter

	// Tool surface
	ToolCalls   *Counter
	ToolErrors  *Counter
	ToolLatency *Histogram

	// Dispatcher
	CommandsTotal   *Counter
	CommandErrors   *Counter
	CommandLatency  *Histogram
	WakeRetries     *Counter

	// Trigger engine
	TriggerFires *Counter

	// Gateway bridge
	GatewaySends      *Counter
	GatewayDrops      *Counter
	GatewayReconnects *Counter

	// Resilience
	CircuitBreakerTrips *Counter
	RetryAttempts       *Counter

	// System
	Uptime         *Gauge
	GoroutineCount *Gauge
}

// NewGatewayMetrics creates the standard gateway metrics suite.
func NewGatewayMetrics() *GatewayMetrics {
	r := NewMetricsRegistry()

	latencyBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	return &GatewayMetrics{
		Registry: r,

		FramesReceived:  r.GetCounter("tescmd_frames_received_total", "Total decoded telemetry frames"),
		FramesDecodeErr: r.GetCounter("tescmd_frames_decode_errors_total", "Total frames dropped for decode failure"),
		SinkErrors:      r.GetCounter("tescmd_sink_errors_total", "Total fanout sink errors"),

		ToolCalls:   r.GetCounter("tescmd_tool_calls_total", "Total tool invocations"),
		ToolErrors:  r.GetCounter("tescmd_tool_errors_total", "Total tool invocation errors"),
		ToolLatency: r.GetHistogram("tescmd_tool_latency_seconds", "Tool invocation latency", latencyBuckets),

		CommandsTotal:  r.GetCounter("tescmd_commands_total", "Total signed/unsigned commands sent"),
		CommandErrors:  r.GetCounter("tescmd_command_errors_total", "Total command failures"),
		CommandLatency: r.GetHistogram("tescmd_command_latency_seconds", "Command round-trip latency", latencyBuckets),
		WakeRetries:    r.GetCounter("tescmd_wake_retries_total", "Total wake-and-retry sequences"),

		TriggerFires: r.GetCounter("tescmd_trigger_fires_total", "Total trigger fires"),

		GatewaySends:      r.GetCounter("tescmd_gateway_sends_total", "Total events sent to the gateway"),
		GatewayDrops:      r.GetCounter("tescmd_gateway_drops_total", "Total datums dropped by the filter or emitter"),
		GatewayReconnects: r.GetCounter("tescmd_gateway_reconnects_total", "Total gateway reconnect attempts"),

		CircuitBreakerTrips: r.GetCounter("tescmd_circuit_breaker_trips_total", "Circuit breaker trip events"),
		RetryAttempts:       r.GetCounter("tescmd_retry_attempts_total", "Upstream HTTP retry attempts"),

		Uptime:         r.GetGauge("tescmd_uptime_seconds", "Process uptime in seconds"),
		GoroutineCount: r.GetGauge("tescmd_goroutine_count", "Number of goroutines"),
	}
}

// ------------------------------------------------------------------
// Metrics HTTP endpoint (Prometheus-compatible)
// ------------------------------------------------------------------

// MetricsHandler returns an HTTP handler that exports metrics in
// Prometheus exposition format.
func MetricsHandler(registry *MetricsRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		registry.mu.RLock()
		defer registry.mu.RUnlock()

		for _, c := range registry.counters {
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.desc)
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s %d\n", c.name, c.value.Load())
		}
		for _, g := range registry.gauges {
			fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.desc)
			fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(w, "%s %d\n", g.name, g.value.Load())
		}
		for _, h := range registry.histograms {
			fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.desc)
			fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
			h.mu.Lock()
			cumulative := int64(0)
			for i, b := range h.buckets {
				cumulative += h.counts[i]
				fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cumulative)
			}
			cumulative += h.counts[len(h.buckets)]
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, cumulative)
			fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
			fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
			h.mu.Unlock()
		}
	}
}
