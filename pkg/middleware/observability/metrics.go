package observability

import (
	"errors"
	"io"
	"time"

	"github.com/calque-ai/iostream/pkg/flow"
	"github.com/calque-ai/iostream/pkg/iostream"
)

// MetricsConfig configures the metrics middleware.
type MetricsConfig struct {
	// Namespace and Subsystem prefix every metric name:
	// iostream_stage_requests_total by default.
	Namespace string
	Subsystem string

	// Labels are applied to every metric from this middleware.
	Labels Labels
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "iostream",
		Subsystem: "stage",
		Labels:    Labels{},
	}
}

// MetricsOption configures the metrics middleware
type MetricsOption func(*MetricsConfig)

// WithMetricsNamespace sets the namespace for metrics
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(cfg *MetricsConfig) {
		cfg.Namespace = namespace
	}
}

// WithMetricsSubsystem sets the subsystem for metrics
func WithMetricsSubsystem(subsystem string) MetricsOption {
	return func(cfg *MetricsConfig) {
		cfg.Subsystem = subsystem
	}
}

// WithMetricsLabels sets default labels for all metrics
func WithMetricsLabels(labels Labels) MetricsOption {
	return func(cfg *MetricsConfig) {
		cfg.Labels = labels
	}
}

// Metrics is a pass-through stage that records the metrics MetricsHandler
// records, measuring the time the stream takes to pass.
func Metrics(provider MetricsProvider, labels map[string]string, opts ...MetricsOption) flow.Handler {
	return MetricsHandler(provider, labels, flow.HandlerFunc(passThrough), opts...)
}

// MetricsHandler wraps handler and records, with the default config:
//
//   - iostream_stage_requests_total (counter)
//   - iostream_stage_request_duration_seconds (histogram)
//   - iostream_stage_in_flight_requests (gauge)
//   - iostream_stage_errors_total (counter, labeled with error_type)
//
// error_type is the iostream error kind (exit_nonzero, stderr_failure, ...)
// when the stage failed with a stream error.
//
// Example:
//
//	provider := observability.NewPrometheusProvider()
//	f := flow.New().Use(observability.MetricsHandler(provider,
//		map[string]string{"command": "sort"}, iostream.Handler("sort", nil)))
func MetricsHandler(provider MetricsProvider, labels map[string]string, handler flow.Handler, opts ...MetricsOption) flow.Handler {
	cfg := DefaultMetricsConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	allLabels := cfg.Labels.Merge(Labels(labels))

	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		ctx := req.Context
		start := time.Now()
		provider.Gauge(ctx, metricName(cfg, "in_flight_requests"), 1, allLabels)

		err := handler.ServeFlow(req, res)

		provider.Counter(ctx, metricName(cfg, "requests_total"), 1, allLabels)
		provider.RecordDuration(ctx, metricName(cfg, "request_duration_seconds"), time.Since(start), allLabels)
		provider.Gauge(ctx, metricName(cfg, "in_flight_requests"), -1, allLabels)
		if err != nil {
			errLabels := allLabels.Merge(Labels{"error_type": errorType(err)})
			provider.Counter(ctx, metricName(cfg, "errors_total"), 1, errLabels)
		}
		return err
	})
}

func metricName(cfg MetricsConfig, name string) string {
	prefix := cfg.Namespace
	if cfg.Subsystem != "" {
		if prefix != "" {
			prefix += "_"
		}
		prefix += cfg.Subsystem
	}
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// errorType labels err by its iostream kind, then by flow origin.
func errorType(err error) string {
	var streamErr *iostream.Error
	if errors.As(err, &streamErr) {
		return streamErr.Kind().String()
	}
	var flowErr *flow.Error
	if errors.As(err, &flowErr) {
		return "flow_error"
	}
	return "unknown"
}

func passThrough(req *flow.Request, res *flow.Response) error {
	_, err := io.Copy(res.Data, req.Data)
	return err
}
