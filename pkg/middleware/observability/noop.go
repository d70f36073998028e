package observability

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoopMetricsProvider discards every metric.
type NoopMetricsProvider struct{}

func (NoopMetricsProvider) Counter(context.Context, string, int64, map[string]string)     {}
func (NoopMetricsProvider) Gauge(context.Context, string, float64, map[string]string)     {}
func (NoopMetricsProvider) Histogram(context.Context, string, float64, map[string]string) {}
func (NoopMetricsProvider) RecordDuration(context.Context, string, time.Duration, map[string]string) {
}

// NoopTracerProvider starts spans that record nothing.
type NoopTracerProvider struct{}

func (NoopTracerProvider) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopTracerProvider) Shutdown(context.Context) error { return nil }

type noopSpan struct{}

func (noopSpan) End(error)                       {}
func (noopSpan) SetAttribute(string, any)        {}
func (noopSpan) AddEvent(string, map[string]any) {}
func (noopSpan) SetStatus(SpanStatus, string)    {}
func (noopSpan) SpanContext() SpanContext        { return SpanContext{} }

// InMemoryMetricsProvider keeps metrics in memory so tests can inspect them.
//
//	provider := observability.NewInMemoryMetricsProvider()
//	s, _ := iostream.New("cat", nil, iostream.WithMetrics(provider, nil))
//	...
//	provider.GetCounter(iostream.MetricWrites, nil)
type InMemoryMetricsProvider struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryMetricsProvider creates a new in-memory metrics provider
func NewInMemoryMetricsProvider() *InMemoryMetricsProvider {
	return &InMemoryMetricsProvider{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (p *InMemoryMetricsProvider) Counter(_ context.Context, name string, value int64, labels map[string]string) {
	key := metricsKey(name, labels)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters[key] += value
}

func (p *InMemoryMetricsProvider) Gauge(_ context.Context, name string, value float64, labels map[string]string) {
	key := metricsKey(name, labels)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gauges[key] += value
}

func (p *InMemoryMetricsProvider) Histogram(_ context.Context, name string, value float64, labels map[string]string) {
	key := metricsKey(name, labels)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.histograms[key] = append(p.histograms[key], value)
}

func (p *InMemoryMetricsProvider) RecordDuration(ctx context.Context, name string, duration time.Duration, labels map[string]string) {
	p.Histogram(ctx, name, duration.Seconds(), labels)
}

// GetCounter returns the current counter value
func (p *InMemoryMetricsProvider) GetCounter(name string, labels map[string]string) int64 {
	key := metricsKey(name, labels)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counters[key]
}

// GetGauge returns the current gauge value
func (p *InMemoryMetricsProvider) GetGauge(name string, labels map[string]string) float64 {
	key := metricsKey(name, labels)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gauges[key]
}

// GetHistogram returns a copy of the recorded values.
func (p *InMemoryMetricsProvider) GetHistogram(name string, labels map[string]string) []float64 {
	key := metricsKey(name, labels)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.histograms[key])
}

// Reset clears all metrics
func (p *InMemoryMetricsProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.counters)
	clear(p.gauges)
	clear(p.histograms)
}

// metricsKey is name|k=v|k=v with labels in key order.
func metricsKey(name string, labels map[string]string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

// InMemoryTracerProvider records ended spans so tests can inspect them.
type InMemoryTracerProvider struct {
	mu    sync.RWMutex
	spans []*RecordedSpan
}

// RecordedSpan represents a recorded span for testing
type RecordedSpan struct {
	Name       string
	Kind       SpanKind
	StartTime  time.Time
	EndTime    time.Time
	Attributes map[string]any
	Events     []RecordedEvent
	Status     SpanStatus
	StatusDesc string
	Error      error
	TraceID    string
	SpanID     string
}

// RecordedEvent represents a recorded span event
type RecordedEvent struct {
	Name       string
	Attributes map[string]any
	Time       time.Time
}

// NewInMemoryTracerProvider creates a new in-memory tracer provider
func NewInMemoryTracerProvider() *InMemoryTracerProvider {
	return &InMemoryTracerProvider{}
}

// StartSpan starts a span. Child spans inherit the trace ID of a recorded
// parent in ctx.
func (p *InMemoryTracerProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	cfg := newSpanConfig(opts)
	traceID := uuid.NewString()
	if parent, ok := ctx.Value(inMemorySpanKey{}).(*RecordedSpan); ok {
		traceID = parent.TraceID
	}
	span := &RecordedSpan{
		Name:       name,
		Kind:       cfg.kind,
		StartTime:  time.Now(),
		Attributes: maps.Clone(cfg.attributes),
		TraceID:    traceID,
		SpanID:     uuid.NewString(),
	}
	return context.WithValue(ctx, inMemorySpanKey{}, span), &inMemorySpan{provider: p, span: span}
}

func (p *InMemoryTracerProvider) Shutdown(context.Context) error { return nil }

// GetSpans returns all ended spans in end order.
func (p *InMemoryTracerProvider) GetSpans() []*RecordedSpan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.spans)
}

// GetSpansByName returns ended spans with the given name.
func (p *InMemoryTracerProvider) GetSpansByName(name string) []*RecordedSpan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var result []*RecordedSpan
	for _, span := range p.spans {
		if span.Name == name {
			result = append(result, span)
		}
	}
	return result
}

// Reset clears all recorded spans
func (p *InMemoryTracerProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spans = nil
}

type inMemorySpanKey struct{}

type inMemorySpan struct {
	provider *InMemoryTracerProvider
	mu       sync.Mutex
	span     *RecordedSpan
}

func (s *inMemorySpan) End(err error) {
	s.mu.Lock()
	s.span.EndTime = time.Now()
	s.span.Error = err
	s.mu.Unlock()

	s.provider.mu.Lock()
	s.provider.spans = append(s.provider.spans, s.span)
	s.provider.mu.Unlock()
}

func (s *inMemorySpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.span.Attributes[key] = value
}

func (s *inMemorySpan) AddEvent(name string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.span.Events = append(s.span.Events, RecordedEvent{Name: name, Attributes: attrs, Time: time.Now()})
}

func (s *inMemorySpan) SetStatus(code SpanStatus, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.span.Status = code
	s.span.StatusDesc = description
}

func (s *inMemorySpan) SpanContext() SpanContext {
	return SpanContext{TraceID: s.span.TraceID, SpanID: s.span.SpanID}
}
