package observability

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
)

// PrometheusExporter serves metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	registry *Registry
}

// NewPrometheusExporter creates a new exporter backed by the given registry.
func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

// ServeHTTP implements http.Handler for the /metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(e.Format()))
}

// Format renders every series. HELP and TYPE are written once per metric
// name, followed by one line per label set:
//
//	# HELP <name> <help>
//	# TYPE <name> <type>
//	<name>{labels} <value>
func (e *PrometheusExporter) Format() string {
	var b strings.Builder

	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	last := ""
	header := func(name, help string, typ MetricType) {
		if name == last {
			return
		}
		if last != "" {
			b.WriteByte('\n')
		}
		last = name
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, typ)
	}

	for _, key := range sortedKeys(e.registry.counters) {
		c := e.registry.counters[key]
		header(c.name, c.help, MetricCounter)
		fmt.Fprintf(&b, "%s%s %s\n", c.name, formatLabels(c.labels), formatFloat(c.Value()))
	}

	for _, key := range sortedKeys(e.registry.gauges) {
		g := e.registry.gauges[key]
		header(g.name, g.help, MetricGauge)
		fmt.Fprintf(&b, "%s%s %s\n", g.name, formatLabels(g.labels), formatFloat(g.Value()))
	}

	for _, key := range sortedKeys(e.registry.histograms) {
		h := e.registry.histograms[key]
		header(h.name, h.help, MetricHistogram)
		buckets, counts, sum, count := h.BucketCounts()
		for i, bound := range buckets {
			fmt.Fprintf(&b, "%s_bucket%s %d\n", h.name, addLabel(h.labels, "le", formatFloat(bound)), counts[i])
		}
		fmt.Fprintf(&b, "%s_bucket%s %d\n", h.name, addLabel(h.labels, "le", "+Inf"), count)
		fmt.Fprintf(&b, "%s_sum%s %s\n", h.name, formatLabels(h.labels), formatFloat(sum))
		fmt.Fprintf(&b, "%s_count%s %d\n", h.name, formatLabels(h.labels), count)
	}

	if last != "" {
		b.WriteByte('\n')
	}
	return b.String()
}

// formatLabels returns {k1="v1",k2="v2"} or "" when there are no labels.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func addLabel(base map[string]string, key, value string) string {
	merged := make(map[string]string, len(base)+1)
	for k, v := range base {
		merged[k] = v
	}
	merged[key] = value
	return formatLabels(merged)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return fmt.Sprintf("%g", v)
}
