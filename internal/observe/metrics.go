// Package observe provides application-wide observability primitives for
// gtodrill: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gtodrill metrics.
const meterName = "github.com/MrWong99/gtodrill"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FrameDuration tracks the CPU time of the per-frame pipeline.
	FrameDuration metric.Float64Histogram

	// ReportDuration tracks post-session report synthesis latency.
	ReportDuration metric.Float64Histogram

	// --- Counters ---

	// FramesProcessed counts accepted voice frames.
	FramesProcessed metric.Int64Counter

	// FramesRejected counts malformed frames dropped by the coordinator.
	FramesRejected metric.Int64Counter

	// StepBacks counts detected step-backs. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("severity", ...)
	StepBacks metric.Int64Counter

	// Interruptions counts fired interruptions. Use with attributes:
	//   attribute.String("category", ...), attribute.Int("level", ...)
	Interruptions metric.Int64Counter

	// SessionsEnded counts finished sessions. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsEnded metric.Int64Counter

	// --- Error counters ---

	// StoreErrors counts failed store writes. Use with attribute:
	//   attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live drill sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// frameBuckets defines histogram bucket boundaries (in seconds) for the
// per-frame pipeline, which is pure computation and should stay well under a
// millisecond.
var frameBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

// reportBuckets defines histogram bucket boundaries (in seconds) for LLM
// report synthesis.
var reportBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FrameDuration, err = m.Float64Histogram("gtodrill.frame.duration",
		metric.WithDescription("Processing time of one voice frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReportDuration, err = m.Float64Histogram("gtodrill.report.duration",
		metric.WithDescription("Latency of post-session report synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(reportBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("gtodrill.frames.processed",
		metric.WithDescription("Total accepted voice frames."),
	); err != nil {
		return nil, err
	}
	if met.FramesRejected, err = m.Int64Counter("gtodrill.frames.rejected",
		metric.WithDescription("Total malformed voice frames dropped."),
	); err != nil {
		return nil, err
	}
	if met.StepBacks, err = m.Int64Counter("gtodrill.stepbacks",
		metric.WithDescription("Total detected step-backs by kind and severity."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("gtodrill.interruptions",
		metric.WithDescription("Total interruptions by category and pressure level."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("gtodrill.sessions.ended",
		metric.WithDescription("Total finished sessions by end reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.StoreErrors, err = m.Int64Counter("gtodrill.store.errors",
		metric.WithDescription("Total failed session store writes by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("gtodrill.active_sessions",
		metric.WithDescription("Number of live drill sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("gtodrill.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStepBack records a step-back counter increment with the standard
// attribute set.
func (m *Metrics) RecordStepBack(ctx context.Context, kind, severity string) {
	m.StepBacks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("severity", severity),
		),
	)
}

// RecordInterruption records an interruption counter increment with the
// standard attribute set.
func (m *Metrics) RecordInterruption(ctx context.Context, category string, level int) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("category", category),
			attribute.Int("level", level),
		),
	)
}

// RecordSessionEnded records a finished session and decrements the active
// session gauge.
func (m *Metrics) RecordSessionEnded(ctx context.Context, reason string) {
	m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.ActiveSessions.Add(ctx, -1)
}

// RecordStoreError records a failed store write.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordReport records one report synthesis with its outcome ("ok" or
// "error").
func (m *Metrics) RecordReport(ctx context.Context, d time.Duration, outcome string) {
	m.ReportDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
