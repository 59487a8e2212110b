// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for the ingestion pipeline. It writes the text exposition format
// directly instead of pulling in prometheus/client_golang.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// sorted returns the values of m ordered by key, so every series of one
// family is written together.
func sorted(m *sync.Map) []any {
	var keys []string
	vals := make(map[string]any)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v
		return true
	})
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = vals[k]
	}
	return out
}

func writeSample(sb *strings.Builder, name, labels string, v int64) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %d\n", name, labels, v)
	} else {
		fmt.Fprintf(sb, "%s %d\n", name, v)
	}
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP pocketagent_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE pocketagent_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "pocketagent_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

		family := ""
		for _, v := range sorted(&c.counters) {
			ctr := v.(*Counter)
			if ctr.name != family {
				fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", ctr.name, ctr.help, ctr.name)
				family = ctr.name
			}
			writeSample(&sb, ctr.name, ctr.labels, ctr.Value())
		}

		family = ""
		for _, v := range sorted(&c.gauges) {
			g := v.(*Gauge)
			if g.name != family {
				fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
				family = g.name
			}
			writeSample(&sb, g.name, g.labels, g.Value())
		}

		family = ""
		for _, v := range sorted(&c.histograms) {
			h := v.(*Histogram)
			h.mu.Lock()
			if h.name != family {
				fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
				family = h.name
			}
			sep := ""
			if h.labels != "" {
				sep = ","
			}
			for _, b := range h.buckets {
				le := fmt.Sprintf("%g", b.le)
				if math.IsInf(b.le, 1) {
					le = "+Inf"
				}
				fmt.Fprintf(&sb, "%s_bucket{%s%sle=\"%s\"} %d\n", h.name, h.labels, sep, le, b.count)
			}
			writeSample(&sb, h.name+"_count", h.labels, h.count)
			if h.labels != "" {
				fmt.Fprintf(&sb, "%s_sum{%s} %f\n", h.name, h.labels, h.sum)
			} else {
				fmt.Fprintf(&sb, "%s_sum %f\n", h.name, h.sum)
			}
			h.mu.Unlock()
		}

		fmt.Fprint(w, sb.String())
	}
}

// Mux returns a ServeMux serving the collector on endpoint and a liveness
// probe on /healthz.
func (c *MetricsCollector) Mux(endpoint string) *http.ServeMux {
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d}`, int64(c.Uptime().Seconds()))
	})
	return mux
}

// --- Pre-defined metrics used across the application ---

var (
	ScansTotal        = Collector.Counter("pocketagent_scans_total", "Total unread scan passes", "")
	MessagesObserved  = Collector.Counter("pocketagent_messages_observed_total", "Inbound message rows extracted", "")
	MessagesDuplicate = Collector.Counter("pocketagent_messages_duplicate_total", "Rows dropped as already seen", "")
	MessagesHandled   = Collector.Counter("pocketagent_messages_handled_total", "Messages dispatched to the kernel", "")
	HandlerErrors     = Collector.Counter("pocketagent_handler_errors_total", "Candidate or dispatch failures", "")
	DecodeFailures    = Collector.Counter("pocketagent_decode_failures_total", "Media detected but bytes not decoded", "")
	DeliveryFailures  = Collector.Counter("pocketagent_delivery_failures_total", "Replies no sender could deliver", "")
	LoginState        = Collector.Gauge("pocketagent_login_state", "0=disconnected 1=awaiting scan 2=connected", "")
	DedupSize         = Collector.Gauge("pocketagent_dedup_entries", "Tokens currently held by the dedup store", "")
	FeedClients       = Collector.Gauge("pocketagent_feed_clients", "Connected live event feed clients", "")

	KernelLatency = Collector.Histogram("pocketagent_kernel_latency_seconds", "Kernel call latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	DeliveryLatency = Collector.Histogram("pocketagent_delivery_latency_seconds", "Reply delivery latency in seconds", "",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 20})
)

// Delivery paths known up front, so both series are exported from startup.
var deliveredByPath = map[string]*Counter{
	"scripted": deliveredCounter("scripted"),
	"dom":      deliveredCounter("dom"),
}

func deliveredCounter(path string) *Counter {
	return Collector.Counter("pocketagent_deliveries_total", "Replies delivered by sender path", fmt.Sprintf("path=%q", path))
}

// Delivered returns the counter for replies sent through the named path.
func Delivered(path string) *Counter {
	if c, ok := deliveredByPath[path]; ok {
		return c
	}
	return deliveredCounter(path)
}
