// Package observability provides metrics and tracing for flows of process
// stages. Providers export to Prometheus or OTLP, or record in memory for
// tests.
//
// A MetricsProvider also satisfies iostream.Recorder, so the same provider
// can receive per-stream counters:
//
//	provider := observability.NewPrometheusProvider()
//	stage := observability.MetricsHandler(provider, nil,
//		iostream.Handler("jq", []string{"."}, iostream.WithMetrics(provider, nil)))
package observability

import (
	"context"
	"maps"
	"time"

	"github.com/calque-ai/iostream/pkg/iostream"
)

// MetricsProvider collects counters, gauges and histograms.
type MetricsProvider interface {
	// Counter increments a counter metric by value.
	Counter(ctx context.Context, name string, value int64, labels map[string]string)

	// Gauge adds value to a gauge. Pass negative values to decrease.
	Gauge(ctx context.Context, name string, value float64, labels map[string]string)

	// Histogram records a value in a histogram metric.
	Histogram(ctx context.Context, name string, value float64, labels map[string]string)

	// RecordDuration records duration in seconds in a histogram.
	RecordDuration(ctx context.Context, name string, duration time.Duration, labels map[string]string)
}

var _ iostream.Recorder = MetricsProvider(nil)

// TracerProvider starts spans.
//
// Implementations:
//   - OTLPTracerProvider: exports via OTLP (Jaeger, Tempo, a collector)
//   - InMemoryTracerProvider: records spans for tests
//   - NoopTracerProvider: does nothing
type TracerProvider interface {
	// StartSpan starts a span and returns a context carrying it.
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)

	// Shutdown flushes pending spans and releases resources.
	Shutdown(ctx context.Context) error
}

// Span is one traced operation. End must be called exactly once.
type Span interface {
	// End ends the span. A non-nil err marks it failed.
	End(err error)
	SetAttribute(key string, value any)
	AddEvent(name string, attrs map[string]any)
	SetStatus(code SpanStatus, description string)
	SpanContext() SpanContext
}

// SpanContext identifies a span within its trace.
type SpanContext struct {
	TraceID string
	SpanID  string
}

// SpanStatus represents the status of a span
type SpanStatus int

const (
	SpanStatusUnset SpanStatus = iota
	SpanStatusOK
	SpanStatusError
)

// SpanOption configures span creation
type SpanOption func(*spanConfig)

type spanConfig struct {
	kind       SpanKind
	attributes map[string]any
}

func newSpanConfig(opts []SpanOption) *spanConfig {
	cfg := &spanConfig{kind: SpanKindInternal, attributes: map[string]any{}}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// SpanKind describes the relationship between the Span, its parents, and its children
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

// WithSpanKind sets the kind of span
func WithSpanKind(kind SpanKind) SpanOption {
	return func(cfg *spanConfig) {
		cfg.kind = kind
	}
}

// WithAttributes sets initial attributes on the span
func WithAttributes(attrs map[string]any) SpanOption {
	return func(cfg *spanConfig) {
		maps.Copy(cfg.attributes, attrs)
	}
}

// Labels is a set of metric labels.
type Labels map[string]string

// Merge returns a new map with other's values taking precedence.
func (l Labels) Merge(other Labels) Labels {
	result := make(Labels, len(l)+len(other))
	maps.Copy(result, l)
	maps.Copy(result, other)
	return result
}
