package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType identifies the kind of metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// MetricEntry represents a single series value.
type MetricEntry struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Help      string            `json:"help"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"ts"`
}

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter is a monotonically increasing counter stored as int64 * 1000.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1000)
}

// Add increments the counter by delta. Negative deltas are ignored.
func (c *Counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.value.Add(int64(math.Round(delta * 1000)))
}

// Value returns the current counter value.
func (c *Counter) Value() float64 {
	return float64(c.value.Load()) / 1000.0
}

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge can go up and down.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	mu     sync.Mutex
	value  float64
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }

func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) Add(delta float64) {
	g.mu.Lock()
	g.value += delta
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram tracks value distributions in cumulative, upper-bound inclusive buckets.
type Histogram struct {
	name    string
	help    string
	labels  map[string]string
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// BucketCounts returns a snapshot used by the Prometheus exporter.
func (h *Histogram) BucketCounts() (buckets []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := make([]float64, len(h.buckets))
	c := make([]int64, len(h.counts))
	copy(b, h.buckets)
	copy(c, h.counts)
	return b, c, h.sum, h.count
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

// Registry holds metric series keyed by name and label set. Safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns the counter series for name+labels, creating it on first use.
func (r *Registry) Counter(name, help string, labels map[string]string) *Counter {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.counters[key]; ok {
		return existing
	}
	c := &Counter{name: name, help: help, labels: copyLabels(labels)}
	r.counters[key] = c
	return c
}

// Gauge returns the gauge series for name+labels, creating it on first use.
func (r *Registry) Gauge(name, help string, labels map[string]string) *Gauge {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.gauges[key]; ok {
		return existing
	}
	g := &Gauge{name: name, help: help, labels: copyLabels(labels)}
	r.gauges[key] = g
	return g
}

// Histogram returns the histogram series for name+labels, creating it on first use.
func (r *Registry) Histogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.histograms[key]; ok {
		return existing
	}
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	h := &Histogram{
		name:    name,
		help:    help,
		labels:  copyLabels(labels),
		buckets: sorted,
		counts:  make([]int64, len(sorted)),
	}
	r.histograms[key] = h
	return h
}

// AllMetrics returns a snapshot of every series, ordered by type then key.
func (r *Registry) AllMetrics() []MetricEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	entries := make([]MetricEntry, 0, len(r.counters)+len(r.gauges)+len(r.histograms))
	for _, key := range sortedKeys(r.counters) {
		c := r.counters[key]
		entries = append(entries, MetricEntry{Name: c.name, Type: MetricCounter, Help: c.help,
			Value: c.Value(), Labels: copyLabels(c.labels), Timestamp: now})
	}
	for _, key := range sortedKeys(r.gauges) {
		g := r.gauges[key]
		entries = append(entries, MetricEntry{Name: g.name, Type: MetricGauge, Help: g.help,
			Value: g.Value(), Labels: copyLabels(g.labels), Timestamp: now})
	}
	for _, key := range sortedKeys(r.histograms) {
		h := r.histograms[key]
		entries = append(entries, MetricEntry{Name: h.name, Type: MetricHistogram, Help: h.help,
			Value: float64(h.Count()), Labels: copyLabels(h.labels), Timestamp: now})
	}
	return entries
}

// DefaultLatencyBuckets for latency histograms (in milliseconds).
var DefaultLatencyBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// -----------------------------------------------------------------------
// Pool watcher metrics
// -----------------------------------------------------------------------

// Metrics is the set of series the pool watcher reports.
type Metrics struct {
	registry *Registry

	Messages        *Counter
	Candidates      *Counter
	Reconnects      *Counter
	ActivePipelines *Gauge
	RunningSessions *Gauge
	PipelineLatency *Histogram
}

// NewMetrics registers the pool watcher series on a fresh registry.
func NewMetrics() *Metrics {
	r := NewRegistry()
	return &Metrics{
		registry:        r,
		Messages:        r.Counter("poolwatch_messages_total", "Inbound stream messages accepted for filtering", nil),
		Candidates:      r.Counter("poolwatch_candidates_total", "Pool creation candidates extracted by the filter", nil),
		Reconnects:      r.Counter("poolwatch_reconnects_total", "Stream reconnect attempts", nil),
		ActivePipelines: r.Gauge("poolwatch_active_pipelines", "Pipelines admitted by the concurrency gate and still running", nil),
		RunningSessions: r.Gauge("poolwatch_running_sessions", "Tenants with a running session", nil),
		PipelineLatency: r.Histogram("poolwatch_pipeline_duration_ms", "Resolve to outcome latency in milliseconds", nil, DefaultLatencyBuckets),
	}
}

// Outcome counts one finished pipeline by its outcome label.
func (m *Metrics) Outcome(outcome string) {
	m.registry.Counter("poolwatch_outcomes_total", "Pipeline outcomes",
		map[string]string{"outcome": outcome}).Inc()
}

// Registry exposes the underlying registry for exporters.
func (m *Metrics) Registry() *Registry {
	return m.registry
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func seriesKey(name string, labels map[string]string) string {
	return name + formatLabels(labels)
}

func copyLabels(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
