package observability

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusProvider implements MetricsProvider with the Prometheus client.
//
// Vectors are created on first use with the label names of that call. A
// later observation with a different label set is dropped and counted in
// iostream_metrics_dropped_total.
type PrometheusProvider struct {
	mu         sync.RWMutex
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	dropped    prometheus.Counter

	durationBuckets []float64
	runtime         bool
}

// PrometheusOption configures the Prometheus provider
type PrometheusOption func(*PrometheusProvider)

// WithDurationBuckets sets custom buckets for duration histograms
func WithDurationBuckets(buckets []float64) PrometheusOption {
	return func(p *PrometheusProvider) {
		p.durationBuckets = buckets
	}
}

// WithPrometheusRegistry uses a custom Prometheus registry
func WithPrometheusRegistry(registry *prometheus.Registry) PrometheusOption {
	return func(p *PrometheusProvider) {
		p.registry = registry
	}
}

// WithoutRuntimeCollectors skips the Go and process collectors.
func WithoutRuntimeCollectors() PrometheusOption {
	return func(p *PrometheusProvider) {
		p.runtime = false
	}
}

// NewPrometheusProvider creates a provider with its own registry. Go
// runtime and process collectors are registered unless
// WithoutRuntimeCollectors is given.
//
// Process lifetimes are seconds to minutes, so the default buckets reach
// further than request latencies usually do.
func NewPrometheusProvider(opts ...PrometheusOption) *PrometheusProvider {
	p := &PrometheusProvider{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		durationBuckets: []float64{
			0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
		},
		runtime: true,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.runtime {
		p.registry.MustRegister(collectors.NewGoCollector())
		p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	p.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iostream_metrics_dropped_total",
		Help: "Observations dropped because their label set did not match the metric's.",
	})
	p.registry.MustRegister(p.dropped)
	return p
}

func (p *PrometheusProvider) Counter(_ context.Context, name string, value int64, labels map[string]string) {
	vec := getOrCreate(p, p.counters, name, labels, func(names []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: "Counter for " + name}, names)
	})
	if c, err := vec.GetMetricWith(labels); err == nil {
		c.Add(float64(value))
	} else {
		p.dropped.Inc()
	}
}

func (p *PrometheusProvider) Gauge(_ context.Context, name string, value float64, labels map[string]string) {
	vec := getOrCreate(p, p.gauges, name, labels, func(names []string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: "Gauge for " + name}, names)
	})
	if g, err := vec.GetMetricWith(labels); err == nil {
		g.Add(value)
	} else {
		p.dropped.Inc()
	}
}

func (p *PrometheusProvider) Histogram(_ context.Context, name string, value float64, labels map[string]string) {
	vec := getOrCreate(p, p.histograms, name, labels, func(names []string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    "Histogram for " + name,
			Buckets: p.durationBuckets,
		}, names)
	})
	if h, err := vec.GetMetricWith(labels); err == nil {
		h.Observe(value)
	} else {
		p.dropped.Inc()
	}
}

func (p *PrometheusProvider) RecordDuration(ctx context.Context, name string, duration time.Duration, labels map[string]string) {
	p.Histogram(ctx, name, duration.Seconds(), labels)
}

// Handler returns an HTTP handler for Prometheus metrics scraping
func (p *PrometheusProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying Prometheus registry
func (p *PrometheusProvider) Registry() *prometheus.Registry {
	return p.registry
}

// getOrCreate returns the vector registered under name, creating and
// registering it with labels' names on first use.
func getOrCreate[V prometheus.Collector](p *PrometheusProvider, vecs map[string]V, name string, labels map[string]string, create func([]string) V) V {
	p.mu.RLock()
	vec, ok := vecs[name]
	p.mu.RUnlock()
	if ok {
		return vec
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok = vecs[name]; ok {
		return vec
	}
	vec = create(slices.Sorted(maps.Keys(labels)))
	p.registry.MustRegister(vec)
	vecs[name] = vec
	return vec
}
