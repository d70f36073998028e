package observability

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// OTLPConfig configures NewOTLPTracerProvider.
type OTLPConfig struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is the collector. An http:// or https:// URL selects
	// OTLP/HTTP; a bare host:port uses gRPC without TLS.
	Endpoint string

	// SampleRate is the fraction of stage runs traced. 0 traces all.
	SampleRate float64
}

// OTLPTracerProvider exports stage and process spans over OTLP.
type OTLPTracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewOTLPTracerProvider creates a tracer provider for cfg and installs it
// as the global OpenTelemetry provider with W3C propagation. Call Shutdown
// before exit so buffered spans are sent.
func NewOTLPTracerProvider(ctx context.Context, cfg OTLPConfig) (*OTLPTracerProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("otlp: endpoint is required")
	}
	exporter, err := newExporter(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("otlp resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return newOTLPTracerProvider(provider, cfg.ServiceName), nil
}

func newOTLPTracerProvider(provider *sdktrace.TracerProvider, name string) *OTLPTracerProvider {
	return &OTLPTracerProvider{provider: provider, tracer: provider.Tracer(name)}
}

func useHTTP(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}

// Exporters connect lazily, so a missing collector only costs dropped spans.
func newExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	if useHTTP(endpoint) {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	}
	return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
}

func (p *OTLPTracerProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	cfg := newSpanConfig(opts)
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(otelKind(cfg.kind)),
		trace.WithAttributes(attributes(cfg.attributes)...),
	)
	return ctx, &otlpSpan{span: span}
}

// Shutdown flushes buffered spans and stops the exporter.
func (p *OTLPTracerProvider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

func otelKind(kind SpanKind) trace.SpanKind {
	switch kind {
	case SpanKindServer:
		return trace.SpanKindServer
	case SpanKindClient:
		return trace.SpanKindClient
	case SpanKindProducer:
		return trace.SpanKindProducer
	case SpanKindConsumer:
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindInternal
	}
}

type otlpSpan struct {
	span trace.Span
}

func (s *otlpSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

func (s *otlpSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(attribute.KeyValue{Key: attribute.Key(key), Value: attributeValue(value)})
}

func (s *otlpSpan) AddEvent(name string, attrs map[string]any) {
	s.span.AddEvent(name, trace.WithAttributes(attributes(attrs)...))
}

func (s *otlpSpan) SetStatus(code SpanStatus, description string) {
	switch code {
	case SpanStatusOK:
		s.span.SetStatus(codes.Ok, description)
	case SpanStatusError:
		s.span.SetStatus(codes.Error, description)
	default:
		s.span.SetStatus(codes.Unset, description)
	}
}

func (s *otlpSpan) SpanContext() SpanContext {
	sc := s.span.SpanContext()
	if !sc.IsValid() {
		return SpanContext{}
	}
	return SpanContext{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}

func attributes(m map[string]any) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		kvs = append(kvs, attribute.KeyValue{Key: attribute.Key(k), Value: attributeValue(v)})
	}
	return kvs
}

// attributeValue keeps the numeric types stream spans carry (byte counts,
// exit codes, pids) and renders anything else as text.
func attributeValue(v any) attribute.Value {
	switch v := v.(type) {
	case string:
		return attribute.StringValue(v)
	case bool:
		return attribute.BoolValue(v)
	case int:
		return attribute.IntValue(v)
	case int64:
		return attribute.Int64Value(v)
	case float64:
		return attribute.Float64Value(v)
	default:
		return attribute.StringValue(fmt.Sprint(v))
	}
}
