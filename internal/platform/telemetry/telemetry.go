// Package telemetry keeps in-process metrics (counters, gauges and request
// duration histograms) and serves them in Prometheus text exposition format.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
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
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// defaultDurationBuckets are request duration boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// ---------------------------------------------------------------------------
// Series store: value cells keyed by metric name plus rendered labels
// ---------------------------------------------------------------------------

type series struct {
	name   string
	labels string
}

type seriesStore struct {
	mu    sync.RWMutex
	items map[series]*int64
}

func newSeriesStore() *seriesStore {
	return &seriesStore{items: make(map[series]*int64)}
}

func (s *seriesStore) cell(key series) *int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.items[key]; !ok {
		p = new(int64)
		s.items[key] = p
	}
	return p
}

func (s *seriesStore) get(key series) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *seriesStore) snapshot() map[series]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[series]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// renderLabels turns key/value pairs into `k="v",k2="v2"`. A trailing key
// without a value is dropped.
func renderLabels(kv []string) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kv[i], kv[i+1])
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider owns every metric the service exports.
type Provider struct {
	counters *seriesStore
	gauges   *seriesStore
	help     map[string]string
	helpMu   sync.RWMutex

	requests   map[series]*histogram
	requestsMu sync.RWMutex
}

func NewProvider() *Provider {
	return &Provider{
		counters: newSeriesStore(),
		gauges:   newSeriesStore(),
		help:     make(map[string]string),
		requests: make(map[series]*histogram),
	}
}

// Describe registers the HELP text for a metric name.
func (p *Provider) Describe(name, help string) {
	p.helpMu.Lock()
	p.help[name] = help
	p.helpMu.Unlock()
}

// Counter is a monotonically increasing series bound to one label set.
type Counter struct {
	cell *int64
}

func (c *Counter) Inc() { atomic.AddInt64(c.cell, 1) }

// Counter returns the series name{labels...}; labels are key/value pairs.
func (p *Provider) Counter(name string, labels ...string) *Counter {
	return &Counter{cell: p.counters.cell(series{name, renderLabels(labels)})}
}

// Inc increments name{labels...} by one.
func (p *Provider) Inc(name string, labels ...string) {
	p.Counter(name, labels...).Inc()
}

// CounterValue returns the current value of name{labels...}.
func (p *Provider) CounterValue(name string, labels ...string) int64 {
	return p.counters.get(series{name, renderLabels(labels)})
}

// SetGauge sets name{labels...} to v.
func (p *Provider) SetGauge(name string, v int64, labels ...string) {
	atomic.StoreInt64(p.gauges.cell(series{name, renderLabels(labels)}), v)
}

func (p *Provider) addGauge(name string, delta int64) {
	atomic.AddInt64(p.gauges.cell(series{name: name}), delta)
}

func (p *Provider) GaugeValue(name string, labels ...string) int64 {
	return p.gauges.get(series{name, renderLabels(labels)})
}

func (p *Provider) requestHistogram(method, route, status string) *histogram {
	key := series{"http_server_request_duration_seconds", renderLabels([]string{"method", method, "route", route, "status_code", status})}
	p.requestsMu.RLock()
	h, ok := p.requests[key]
	p.requestsMu.RUnlock()
	if ok {
		return h
	}
	p.requestsMu.Lock()
	defer p.requestsMu.Unlock()
	if h, ok = p.requests[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		p.requests[key] = h
	}
	return h
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request duration by method, route and status and
// tracks in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.addGauge("http_server_active_requests", 1)
			defer p.addGauge("http_server_active_requests", -1)

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := fmt.Sprintf("%d", statusOf(c, err))
			p.requestHistogram(c.Request().Method, route, status).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// statusOf predicts the status echo will write for err, since the error
// handler runs after the middleware chain returns.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		p.requestsMu.RLock()
		reqs := make(map[series]*histogram, len(p.requests))
		for k, v := range p.requests {
			reqs[k] = v
		}
		p.requestsMu.RUnlock()

		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		for _, key := range sortedKeys(reqs) {
			writeSingleHistogram(&b, key.name, key.labels, reqs[key], defaultDurationBuckets)
		}
		b.WriteByte('\n')

		p.writeFamily(&b, "counter", p.counters.snapshot())
		p.writeFamily(&b, "gauge", p.gauges.snapshot())

		return c.String(http.StatusOK, b.String())
	}
}

func (p *Provider) writeFamily(b *strings.Builder, typ string, values map[series]int64) {
	byName := make(map[string][]series)
	for k := range values {
		byName[k.name] = append(byName[k.name], k)
	}
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	p.helpMu.RLock()
	defer p.helpMu.RUnlock()
	for _, name := range names {
		if help, ok := p.help[name]; ok {
			fmt.Fprintf(b, "# HELP %s %s\n", name, help)
		}
		fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
		keys := byName[name]
		sort.Slice(keys, func(i, j int) bool { return keys[i].labels < keys[j].labels })
		for _, k := range keys {
			if k.labels == "" {
				fmt.Fprintf(b, "%s %d\n", name, values[k])
			} else {
				fmt.Fprintf(b, "%s{%s} %d\n", name, k.labels, values[k])
			}
		}
		b.WriteByte('\n')
	}
}

func sortedKeys(m map[series]*histogram) []series {
	keys := make([]series, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].labels < keys[j].labels })
	return keys
}

func writeSingleHistogram(b *strings.Builder, name, labels string, h *histogram, boundaries []float64) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
