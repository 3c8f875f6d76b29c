// Package telemetry records gateway metrics with standard library atomics and
// serves them in the Prometheus text exposition format at /metrics.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Metric names as exposed on /metrics.
const (
	MetricHTTPRequests     = "http_server_requests_total"
	MetricHTTPDuration     = "http_server_request_duration_seconds"
	MetricActiveRequests   = "http_server_active_requests"
	MetricDispatchTotal    = "ingest_dispatch_total"
	MetricUpstreamDuration = "fhir_upstream_duration_seconds"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// histogram is a thread-safe histogram. Bucket counts are stored
// non-cumulative; cumulative counts are computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// series is one labelled time series. labels is the rendered label set,
// e.g. `resource_type="Patient",outcome="created"`.
type series struct {
	name   string
	labels string
}

func labelSet(pairs ...string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, pairs[i]+"="+strconv.Quote(pairs[i+1]))
	}
	return strings.Join(parts, ",")
}

// Provider holds every metric of the process.
type Provider struct {
	mu         sync.RWMutex
	counters   map[series]*int64
	histograms map[series]*histogram
	active     int64
}

func NewProvider() *Provider {
	return &Provider{
		counters:   make(map[series]*int64),
		histograms: make(map[series]*histogram),
	}
}

func (p *Provider) inc(name, labels string) {
	key := series{name, labels}
	p.mu.RLock()
	c, ok := p.counters[key]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if c, ok = p.counters[key]; !ok {
			c = new(int64)
			p.counters[key] = c
		}
		p.mu.Unlock()
	}
	atomic.AddInt64(c, 1)
}

func (p *Provider) observe(name, labels string, v float64) {
	key := series{name, labels}
	p.mu.RLock()
	h, ok := p.histograms[key]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if h, ok = p.histograms[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			p.histograms[key] = h
		}
		p.mu.Unlock()
	}
	h.Observe(v)
}

// Counter returns the current value of a counter, 0 if never incremented.
// Label values are given as name/value pairs.
func (p *Provider) Counter(name string, labelPairs ...string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.counters[series{name, labelSet(labelPairs...)}]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// HistogramCount returns the number of observations of a histogram series.
func (p *Provider) HistogramCount(name string, labelPairs ...string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if h, ok := p.histograms[series{name, labelSet(labelPairs...)}]; ok {
		return h.Count()
	}
	return 0
}

// RecordDispatch counts one dispatched sub-resource by outcome. A non-zero
// duration is the FHIR server round trip and feeds the upstream histogram.
func (p *Provider) RecordDispatch(resourceType, outcome string, d time.Duration) {
	p.inc(MetricDispatchTotal, labelSet("resource_type", resourceType, "outcome", outcome))
	if d > 0 {
		p.observe(MetricUpstreamDuration, labelSet("resource_type", resourceType), d.Seconds())
	}
}

// MetricsMiddleware records request count, duration and in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&p.active, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			labels := labelSet("method", c.Request().Method, "route", route, "status_code", strconv.Itoa(status))
			p.inc(MetricHTTPRequests, labels)
			p.observe(MetricHTTPDuration, labels, time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves all metrics in Prometheus text format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, p.Export())
	}
}

var help = map[string]string{
	MetricHTTPRequests:     "Total HTTP requests by method, route and status code.",
	MetricHTTPDuration:     "Duration of HTTP requests in seconds.",
	MetricDispatchTotal:    "FHIR resources dispatched by resource type and outcome.",
	MetricUpstreamDuration: "Round trip time of FHIR server writes in seconds.",
}

// Export renders every series, grouped by metric name in a stable order.
func (p *Provider) Export() string {
	p.mu.RLock()
	counters := make(map[series]int64, len(p.counters))
	for k, v := range p.counters {
		counters[k] = atomic.LoadInt64(v)
	}
	histograms := make(map[series]*histogram, len(p.histograms))
	for k, v := range p.histograms {
		histograms[k] = v
	}
	p.mu.RUnlock()

	var b strings.Builder
	for _, name := range []string{MetricHTTPRequests, MetricDispatchTotal} {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", name, help[name], name)
		for _, s := range sortedSeries(counters, name) {
			fmt.Fprintf(&b, "%s{%s} %d\n", name, s.labels, counters[s])
		}
		b.WriteByte('\n')
	}
	for _, name := range []string{MetricHTTPDuration, MetricUpstreamDuration} {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s histogram\n", name, help[name], name)
		for _, s := range sortedSeries(histograms, name) {
			writeHistogram(&b, name, s.labels, histograms[s])
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "# HELP %s Number of in-flight HTTP requests.\n# TYPE %s gauge\n%s %d\n",
		MetricActiveRequests, MetricActiveRequests, MetricActiveRequests, atomic.LoadInt64(&p.active))
	return b.String()
}

func sortedSeries[V any](m map[series]V, name string) []series {
	var out []series
	for s := range m {
		if s.name == name {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].labels < out[j].labels })
	return out
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	total := h.Count()
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
