package observability

import (
	"bytes"
	"errors"
	"io"

	"github.com/calque-ai/iostream/pkg/flow"
	"github.com/calque-ai/iostream/pkg/iostream"
)

// TracingConfig configures the tracing middleware.
type TracingConfig struct {
	// RecordInput and RecordOutput store the stage input or output as span
	// attributes. Both buffer the whole stream. Off by default.
	RecordInput  bool
	RecordOutput bool

	// MaxAttributeLength truncates recorded values. 0 means no limit.
	MaxAttributeLength int
}

// DefaultTracingConfig returns the default tracing configuration
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{MaxAttributeLength: 1024}
}

// TracingOption configures the tracing middleware
type TracingOption func(*TracingConfig)

// WithRecordInput enables recording of input data in spans
func WithRecordInput() TracingOption {
	return func(cfg *TracingConfig) {
		cfg.RecordInput = true
	}
}

// WithRecordOutput enables recording of output data in spans
func WithRecordOutput() TracingOption {
	return func(cfg *TracingConfig) {
		cfg.RecordOutput = true
	}
}

// WithMaxAttributeLength sets the maximum length for attribute values
func WithMaxAttributeLength(length int) TracingOption {
	return func(cfg *TracingConfig) {
		cfg.MaxAttributeLength = length
	}
}

// Tracing is a pass-through stage that records a span for the time the
// stream takes to pass.
func Tracing(provider TracerProvider, operationName string, opts ...TracingOption) flow.Handler {
	return TracingHandler(provider, operationName, flow.HandlerFunc(passThrough), opts...)
}

// TracingHandler wraps handler in a span. The span's trace ID is stored in
// the request context, so stream errors raised inside handler carry it.
//
// A failed stage sets error status. Stream errors also add iostream.kind
// and iostream.session attributes.
//
// Example:
//
//	tracer, _ := observability.NewOTLPTracerProvider(ctx, observability.OTLPConfig{
//		ServiceName: "iostream",
//		Endpoint:    "localhost:4317",
//	})
//	defer tracer.Shutdown(context.Background())
//	f := flow.New().Use(observability.TracingHandler(tracer, "jq", iostream.Handler("jq", []string{"."})))
func TracingHandler(provider TracerProvider, operationName string, handler flow.Handler, opts ...TracingOption) flow.Handler {
	cfg := DefaultTracingConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		ctx, span := provider.StartSpan(req.Context, operationName, WithSpanKind(SpanKindInternal))
		if traceID := span.SpanContext().TraceID; traceID != "" {
			ctx = flow.WithTraceID(ctx, traceID)
		}
		req = req.WithContext(ctx)

		if cfg.RecordInput {
			input, err := io.ReadAll(req.Data)
			if err != nil {
				span.End(err)
				return err
			}
			span.SetAttribute("input", truncate(string(input), cfg.MaxAttributeLength))
			req = flow.NewRequest(ctx, bytes.NewReader(input))
		}

		target := res
		var output bytes.Buffer
		if cfg.RecordOutput {
			target = flow.NewResponse(&output)
		}

		err := handler.ServeFlow(req, target)
		if cfg.RecordOutput && err == nil {
			span.SetAttribute("output", truncate(output.String(), cfg.MaxAttributeLength))
			_, err = res.Data.Write(output.Bytes())
		}

		if err != nil {
			var streamErr *iostream.Error
			if errors.As(err, &streamErr) {
				span.SetAttribute("iostream.kind", streamErr.Kind().String())
				span.SetAttribute("iostream.session", streamErr.Session())
			}
			span.SetStatus(SpanStatusError, err.Error())
		} else {
			span.SetStatus(SpanStatusOK, "")
		}
		span.End(err)
		return err
	})
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
