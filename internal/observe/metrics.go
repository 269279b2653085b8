// Package observe provides application-wide observability primitives for the
// portero backend: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all portero metrics.
const meterName = "github.com/javierd009/agente-portero"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DeviceDuration tracks door-controller HTTP call latency. Use with
	// attributes: attribute.String("host", ...), attribute.String("method", ...)
	DeviceDuration metric.Float64Histogram

	// ToolExecutionDuration tracks agent tool dispatch latency.
	ToolExecutionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Calls counts intercom calls by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	Calls metric.Int64Counter

	// FramesIn counts caller audio frames forwarded to the model.
	FramesIn metric.Int64Counter

	// FramesOut counts model audio frames played to the caller.
	FramesOut metric.Int64Counter

	// FramesDropped counts frames discarded by the bounded input ring.
	FramesDropped metric.Int64Counter

	// NoiseGated counts caller frames silenced by the noise gate.
	NoiseGated metric.Int64Counter

	// BargeIn counts interruption events. Use with attribute:
	//   attribute.String("action", "applied"|"suppressed")
	BargeIn metric.Int64Counter

	// PlayoutResyncs counts playout clock re-anchors after drift.
	PlayoutResyncs metric.Int64Counter

	// GateOpens counts physical door commands. Use with attributes:
	//   attribute.String("access_point", ...), attribute.String("method", ...),
	//   attribute.String("status", ...)
	GateOpens metric.Int64Counter

	// QROps counts credential operations. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	QROps metric.Int64Counter

	// ToolCalls counts agent tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// FastPathCommands counts deterministic voice commands. Use with
	// attributes: attribute.String("action", ...), attribute.String("status", ...)
	FastPathCommands metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live intercom calls.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// device round-trips and tool dispatches.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DeviceDuration, err = m.Float64Histogram("portero.device.duration",
		metric.WithDescription("Latency of door-controller HTTP calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("portero.tool_execution.duration",
		metric.WithDescription("Latency of agent tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("portero.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Calls, err = m.Int64Counter("portero.calls",
		metric.WithDescription("Total intercom calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesIn, err = m.Int64Counter("portero.audio.frames_in",
		metric.WithDescription("Caller audio frames forwarded to the model."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("portero.audio.frames_out",
		metric.WithDescription("Model audio frames played to the caller."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("portero.audio.frames_dropped",
		metric.WithDescription("Frames discarded by the bounded input ring."),
	); err != nil {
		return nil, err
	}
	if met.NoiseGated, err = m.Int64Counter("portero.audio.noise_gated",
		metric.WithDescription("Caller frames replaced with silence by the noise gate."),
	); err != nil {
		return nil, err
	}
	if met.BargeIn, err = m.Int64Counter("portero.bargein",
		metric.WithDescription("Barge-in events by action (applied or suppressed)."),
	); err != nil {
		return nil, err
	}
	if met.PlayoutResyncs, err = m.Int64Counter("portero.playout.resyncs",
		metric.WithDescription("Playout clock re-anchors after falling behind."),
	); err != nil {
		return nil, err
	}
	if met.GateOpens, err = m.Int64Counter("portero.gate.opens",
		metric.WithDescription("Door commands by access point, device method, and status."),
	); err != nil {
		return nil, err
	}
	if met.QROps, err = m.Int64Counter("portero.qr.operations",
		metric.WithDescription("QR credential operations by op and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("portero.tool.calls",
		metric.WithDescription("Agent tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.FastPathCommands, err = m.Int64Counter("portero.fastpath.commands",
		metric.WithDescription("Deterministic voice commands by action and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("portero.active_calls",
		metric.WithDescription("Number of live intercom calls."),
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

// RecordGateOpen records a door command with the standard attribute set.
func (m *Metrics) RecordGateOpen(ctx context.Context, accessPoint, method, status string) {
	m.GateOpens.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("access_point", accessPoint),
			attribute.String("method", method),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records an agent tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordQROp records a credential operation.
func (m *Metrics) RecordQROp(ctx context.Context, op, status string) {
	m.QROps.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordBargeIn records an interruption event outcome.
func (m *Metrics) RecordBargeIn(ctx context.Context, applied bool) {
	action := "suppressed"
	if applied {
		action = "applied"
	}
	m.BargeIn.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordFastPathCommand records a deterministic voice command outcome.
func (m *Metrics) RecordFastPathCommand(ctx context.Context, action, status string) {
	m.FastPathCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}
