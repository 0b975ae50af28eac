// Package observe provides the service's observability primitives:
// OpenTelemetry metrics, tracing, a trace-aware logger and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]. A package-level [DefaultMetrics] instance is
// available for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all VoiceSafe metrics.
const meterName = "github.com/MrWong99/voicesafe"

// Metrics holds all metric instruments. The OTel types synchronise
// internally, so a *Metrics is safe for concurrent use.
type Metrics struct {
	// AnalysisDuration is end-to-end pipeline latency. Attribute: outcome.
	AnalysisDuration metric.Float64Histogram

	// StageDuration is per-stage latency. Attribute: stage (decode,
	// normalize, extract, score).
	StageDuration metric.Float64Histogram

	// Analyses counts pipeline runs. Attribute: outcome.
	Analyses metric.Int64Counter

	// Decodes counts successful decodes. Attributes: decoder, format.
	Decodes metric.Int64Counter

	// AudioSeconds is the analysed content length.
	AudioSeconds metric.Float64Histogram

	// UploadBytes is the accepted payload size.
	UploadBytes metric.Int64Histogram

	// LowConfidence counts results flagged low-confidence.
	LowConfidence metric.Int64Counter

	// InFlight is the number of analyses currently running.
	InFlight metric.Int64UpDownCounter

	// Rejections counts requests refused before analysis. Attribute: reason
	// (rate_limited, busy, too_large, no_file).
	Rejections metric.Int64Counter

	// RateLimitFallbacks counts rate-limit decisions taken by the in-memory
	// limiter because the shared store failed.
	RateLimitFallbacks metric.Int64Counter

	// ConfigReloads counts config watcher reloads. Attribute: status.
	ConfigReloads metric.Int64Counter

	// HTTPRequestDuration is HTTP handling time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets (seconds) span a short WAV decode up to a 30 s clip going
// through ffmpeg on a loaded host.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

var audioBuckets = []float64{0.5, 1, 2, 5, 10, 15, 20, 30}

var byteBuckets = []float64{
	16 << 10, 64 << 10, 256 << 10, 1 << 20, 4 << 20, 16 << 20, 64 << 20,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AnalysisDuration, err = m.Float64Histogram("voicesafe.analysis.duration",
		metric.WithDescription("End-to-end analysis latency by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("voicesafe.stage.duration",
		metric.WithDescription("Latency of a single pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioSeconds, err = m.Float64Histogram("voicesafe.audio.duration",
		metric.WithDescription("Analysed audio content length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(audioBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadBytes, err = m.Int64Histogram("voicesafe.upload.size",
		metric.WithDescription("Accepted upload size."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(byteBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Analyses, err = m.Int64Counter("voicesafe.analyses",
		metric.WithDescription("Pipeline runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Decodes, err = m.Int64Counter("voicesafe.decodes",
		metric.WithDescription("Successful decodes by decoder backend and detected format."),
	); err != nil {
		return nil, err
	}
	if met.LowConfidence, err = m.Int64Counter("voicesafe.low_confidence",
		metric.WithDescription("Results flagged low-confidence."),
	); err != nil {
		return nil, err
	}
	if met.Rejections, err = m.Int64Counter("voicesafe.rejections",
		metric.WithDescription("Requests refused before analysis by reason."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitFallbacks, err = m.Int64Counter("voicesafe.ratelimit.fallbacks",
		metric.WithDescription("Rate-limit decisions made by the in-memory fallback."),
	); err != nil {
		return nil, err
	}
	if met.ConfigReloads, err = m.Int64Counter("voicesafe.config.reloads",
		metric.WithDescription("Configuration reloads by status."),
	); err != nil {
		return nil, err
	}

	if met.InFlight, err = m.Int64UpDownCounter("voicesafe.analyses.in_flight",
		metric.WithDescription("Analyses currently running."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voicesafe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Call it after [InitProvider] so the
// instruments bind to the Prometheus bridge.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAnalysis records one finished pipeline run.
func (m *Metrics) RecordAnalysis(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Analyses.Add(ctx, 1, attrs)
	m.AnalysisDuration.Record(ctx, seconds, attrs)
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordDecode records which backend decoded which format.
func (m *Metrics) RecordDecode(ctx context.Context, decoder, format string) {
	m.Decodes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decoder", decoder),
		attribute.String("format", format),
	))
}

// RecordRejection records a request refused before analysis.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	m.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConfigReload records a watcher reload attempt.
func (m *Metrics) RecordConfigReload(ctx context.Context, status string) {
	m.ConfigReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
