package iostream

import (
	"context"
	"maps"
	"time"
)

// Metric names recorded by a Stream configured WithMetrics.
const (
	MetricWrites          = "iostream_writes_total"
	MetricWritesDeferred  = "iostream_writes_deferred_total"
	MetricDrains          = "iostream_drains_total"
	MetricBytesIn         = "iostream_bytes_in_total"
	MetricBytesOut        = "iostream_bytes_out_total"
	MetricExits           = "iostream_exits_total"
	MetricProcessDuration = "iostream_process_duration_seconds"
	MetricActive          = "iostream_processes_active"
)

// Recorder receives stream metrics. observability.MetricsProvider
// implementations satisfy it.
type Recorder interface {
	Counter(ctx context.Context, name string, value int64, labels map[string]string)
	Gauge(ctx context.Context, name string, value float64, labels map[string]string)
	RecordDuration(ctx context.Context, name string, duration time.Duration, labels map[string]string)
}

// meter is a nil-safe Recorder bound to one stream's labels.
type meter struct {
	ctx    context.Context
	r      Recorder
	labels map[string]string
}

func newMeter(ctx context.Context, r Recorder, labels map[string]string) *meter {
	if r == nil {
		return nil
	}
	return &meter{ctx: ctx, r: r, labels: labels}
}

func (m *meter) count(name string, v int64) {
	if m == nil || v == 0 {
		return
	}
	m.r.Counter(m.ctx, name, v, m.labels)
}

func (m *meter) active(delta float64) {
	if m == nil {
		return
	}
	m.r.Gauge(m.ctx, MetricActive, delta, m.labels)
}

// exit records the exit class and the process lifetime.
func (m *meter) exit(class string, lifetime time.Duration) {
	if m == nil {
		return
	}
	labels := make(map[string]string, len(m.labels)+1)
	maps.Copy(labels, m.labels)
	labels["class"] = class
	m.r.Counter(m.ctx, MetricExits, 1, labels)
	m.r.RecordDuration(m.ctx, MetricProcessDuration, lifetime, m.labels)
}

// flush records the totals of a finished session.
func (m *meter) flush(st Stats) {
	m.count(MetricWrites, st.Writes)
	m.count(MetricWritesDeferred, st.DeferredWrites)
	m.count(MetricDrains, st.Drains)
	m.count(MetricBytesIn, st.BytesIn)
	m.count(MetricBytesOut, st.BytesOut)
}
